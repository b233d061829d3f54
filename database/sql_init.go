/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// ExecutionResult contains the outcome of executing a single import file.
type ExecutionResult struct {
	File         string
	Success      bool
	Skipped      bool
	Error        error
	Duration     time.Duration
	Statements   int
	RowsAffected int64
}

// importRunner executes the import files after the schema was created.
// Each file runs in its own transaction.
type importRunner struct {
	db     *bun.DB
	logger Logger
}

func (r *importRunner) run(ctx context.Context, files []string) ([]ExecutionResult, error) {
	results := make([]ExecutionResult, 0, len(files))
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		result := r.executeFile(ctx, file)
		results = append(results, result)

		switch {
		case result.Skipped:
			r.logger.Warn("Import file not found, skipped", "file", file)
		case !result.Success:
			r.logger.Error("Import file execution failed", "file", file, "kind", errorKind(result.Error), "error", result.Error)
			return results, fmt.Errorf("import file %s: %w", file, result.Error)
		default:
			r.logger.Info("Import file executed",
				"file", file,
				"statements", result.Statements,
				"rows_affected", result.RowsAffected,
				"duration", result.Duration,
			)
		}
	}
	return results, nil
}

func (r *importRunner) executeFile(ctx context.Context, file string) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{File: file}

	content, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		result.Skipped = true
		result.Duration = time.Since(start)
		return result
	}
	if err != nil {
		result.Error = fmt.Errorf("failed to read file: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	statements := splitSQLStatements(string(content))
	result.Statements = len(statements)
	if len(statements) == 0 {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, stmt := range statements {
			res, execErr := tx.ExecContext(ctx, stmt)
			if execErr != nil {
				return fmt.Errorf("statement %q: %w", stmt, execErr)
			}
			n, _ := res.RowsAffected()
			result.RowsAffected += n
		}
		return nil
	})
	if err != nil {
		result.Error = err
	} else {
		result.Success = true
	}
	result.Duration = time.Since(start)
	return result
}

// splitSQLStatements splits on trailing semicolons. Blank lines and "--"
// comment lines are dropped.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString(" ")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";"); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

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
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// schemaManager applies a DDL policy to the mapped entities.
type schemaManager struct {
	db       *bun.DB
	sx       *sqlx.DB
	dialect  string
	entities []Entity
	logger   Logger
}

// SchemaReport lists what a policy run did.
type SchemaReport struct {
	Policy         string   `json:"policy"`
	CreatedTables  []string `json:"created_tables,omitempty"`
	AddedColumns   []string `json:"added_columns,omitempty"`
	DroppedTables  []string `json:"dropped_tables,omitempty"`
	ImportedFiles  []string `json:"imported_files,omitempty"`
	ValidatedCount int      `json:"validated_count,omitempty"`
}

func (m *schemaManager) apply(ctx context.Context, policy string, importFiles []string) (*SchemaReport, error) {
	report := &SchemaReport{Policy: policy}
	if len(m.entities) == 0 && policy != DDLCreate && policy != DDLCreateDrop {
		return report, nil
	}

	var err error
	switch policy {
	case DDLNone:
	case DDLValidate:
		err = m.validate(ctx, report)
	case DDLUpdate:
		err = m.update(ctx, report)
	case DDLCreate, DDLCreateDrop:
		if err = m.drop(ctx, report); err == nil {
			err = m.create(ctx, report)
		}
		if err == nil {
			err = m.runImports(ctx, importFiles, report)
		}
	default:
		err = fmt.Errorf("unknown ddl-auto policy %q", policy)
	}
	if err != nil {
		return report, err
	}

	m.logger.Info("Schema policy applied",
		"policy", policy,
		"entities", len(m.entities),
		"created", len(report.CreatedTables),
		"added_columns", len(report.AddedColumns),
		"dropped", len(report.DroppedTables),
	)
	return report, nil
}

func (m *schemaManager) validate(ctx context.Context, report *SchemaReport) error {
	var problems []string
	for _, e := range m.entities {
		table := m.db.Table(e.Type)
		existing, err := m.existingColumns(ctx, table.Name)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table.Name, err)
		}
		if len(existing) == 0 {
			problems = append(problems, "missing table "+table.Name)
			continue
		}
		for _, f := range table.Fields {
			if _, ok := existing[strings.ToLower(f.Name)]; !ok {
				problems = append(problems, fmt.Sprintf("missing column %s.%s", table.Name, f.Name))
			}
		}
		report.ValidatedCount++
	}
	if len(problems) > 0 {
		m.logger.Error("Schema validation failed", "problems", len(problems))
		return fmt.Errorf("%w: %s", ErrSchemaValidation, strings.Join(problems, "; "))
	}
	return nil
}

func (m *schemaManager) update(ctx context.Context, report *SchemaReport) error {
	for _, e := range m.entities {
		table := m.db.Table(e.Type)
		existing, err := m.existingColumns(ctx, table.Name)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table.Name, err)
		}
		if len(existing) == 0 {
			if err := m.createTable(ctx, e); err != nil {
				return err
			}
			report.CreatedTables = append(report.CreatedTables, table.Name)
			continue
		}
		for _, f := range table.Fields {
			if _, ok := existing[strings.ToLower(f.Name)]; ok {
				continue
			}
			_, err := m.db.NewAddColumn().
				Model(e.Instance).
				ColumnExpr("? ?", bun.Ident(f.Name), bun.Safe(columnDefinition(f))).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", table.Name, f.Name, err)
			}
			report.AddedColumns = append(report.AddedColumns, table.Name+"."+f.Name)
			m.logger.Info("Column added", "table", table.Name, "column", f.Name)
		}
	}
	return nil
}

func (m *schemaManager) create(ctx context.Context, report *SchemaReport) error {
	for _, e := range m.entities {
		if err := m.createTable(ctx, e); err != nil {
			return err
		}
		report.CreatedTables = append(report.CreatedTables, m.db.Table(e.Type).Name)
	}
	return nil
}

func (m *schemaManager) createTable(ctx context.Context, e Entity) error {
	name := m.db.Table(e.Type).Name
	_, err := m.db.NewCreateTable().
		Model(e.Instance).
		IfNotExists().
		WithForeignKeys().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	m.logger.Info("Table created", "table", name)
	return nil
}

// drop removes the mapped tables in reverse creation order.
func (m *schemaManager) drop(ctx context.Context, report *SchemaReport) error {
	for i := len(m.entities) - 1; i >= 0; i-- {
		e := m.entities[i]
		name := m.db.Table(e.Type).Name
		q := m.db.NewDropTable().Model(e.Instance).IfExists()
		if m.dialect == DialectPostgres {
			q = q.Cascade()
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
		report.DroppedTables = append(report.DroppedTables, name)
	}
	return nil
}

func (m *schemaManager) runImports(ctx context.Context, files []string, report *SchemaReport) error {
	if len(files) == 0 {
		return nil
	}
	runner := &importRunner{db: m.db, logger: m.logger}
	results, err := runner.run(ctx, files)
	for _, r := range results {
		if r.Success {
			report.ImportedFiles = append(report.ImportedFiles, r.File)
		}
	}
	return err
}

// existingColumns returns the lower-cased column names of table in the
// session's current schema. A missing table yields an empty set.
func (m *schemaManager) existingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	query, args, err := columnsQuery(m.dialect, table)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := m.sx.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, err
	}
	cols := make(map[string]struct{}, len(names))
	for _, n := range names {
		cols[strings.ToLower(n)] = struct{}{}
	}
	return cols, nil
}

func columnsQuery(dialect, table string) (string, []interface{}, error) {
	switch dialect {
	case DialectPostgres:
		return goqu.Dialect("postgres").
			From(goqu.S("information_schema").Table("columns")).
			Select(goqu.C("column_name").As("name")).
			Where(goqu.Ex{
				"table_schema": goqu.L("current_schema()"),
				"table_name":   table,
			}).
			Prepared(true).
			ToSQL()
	case DialectMySQL:
		return goqu.Dialect("mysql").
			From(goqu.S("information_schema").Table("columns")).
			Select(goqu.C("column_name").As("name")).
			Where(goqu.Ex{
				"table_schema": goqu.L("DATABASE()"),
				"table_name":   table,
			}).
			Prepared(true).
			ToSQL()
	case DialectSQLite:
		return "SELECT name FROM pragma_table_info(?)", []interface{}{table}, nil
	}
	return "", nil, fmt.Errorf("unsupported dialect %q", dialect)
}

// columnDefinition renders the type of an added column. NOT NULL is only
// kept when a default exists, otherwise existing rows would reject it.
func columnDefinition(f *schema.Field) string {
	def := f.CreateTableSQLType
	if f.SQLDefault != "" {
		def += " DEFAULT " + f.SQLDefault
		if f.NotNull {
			def += " NOT NULL"
		}
	}
	return def
}

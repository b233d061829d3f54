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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type testAccount struct {
	bun.BaseModel `bun:"table:test_accounts"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Name  string `bun:"name,notnull"`
	Email string `bun:"email"`
}

type testAudit struct {
	bun.BaseModel `bun:"table:test_audits"`

	ID      int64  `bun:"id,pk,autoincrement"`
	Message string `bun:"message"`
}

type logEntry struct {
	level  LogLevel
	msg    string
	fields []interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) SetLevel(LogLevel) {}

func (l *recordingLogger) Debug(msg string, fields ...interface{}) {
	l.add(LogLevelDebug, msg, fields)
}

func (l *recordingLogger) Info(msg string, fields ...interface{}) {
	l.add(LogLevelInfo, msg, fields)
}

func (l *recordingLogger) Warn(msg string, fields ...interface{}) {
	l.add(LogLevelWarn, msg, fields)
}

func (l *recordingLogger) Error(msg string, fields ...interface{}) {
	l.add(LogLevelError, msg, fields)
}

func (l *recordingLogger) add(level LogLevel, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) has(level LogLevel, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func sqlitePoolConfig(t *testing.T) PoolConfig {
	t.Helper()
	return PoolConfig{
		URL:               "sqlite:" + filepath.Join(t.TempDir(), "master.db"),
		Username:          "sa",
		MinIdle:           1,
		MaxPoolSize:       7,
		IdleTimeout:       time.Minute,
		ConnectionTimeout: 5 * time.Second,
	}
}

func newSQLitePool(t *testing.T) (*Pool, *recordingLogger) {
	t.Helper()
	log := &recordingLogger{}
	pool, err := NewPool(context.Background(), sqlitePoolConfig(t), WithPoolLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool, log
}

func testRegistry() *EntityRegistry {
	r := NewEntityRegistry()
	r.Register((*testAccount)(nil), 0)
	r.Register((*testAudit)(nil), 1)
	return r
}

func sqlitePersistenceConfig(ddlAuto string) PersistenceConfig {
	return PersistenceConfig{
		Dialect:        "org.hibernate.community.dialect.SQLiteDialect",
		Schema:         "master",
		DDLAuto:        ddlAuto,
		EntityPackages: []string{"github.com/egstep/fwk/database"},
	}
}

func newSQLiteContext(t *testing.T, pool *Pool, cfg PersistenceConfig) *PersistenceContext {
	t.Helper()
	pc, err := NewPersistenceContext(context.Background(), pool, cfg,
		WithEntityRegistry(testRegistry()),
		WithPersistenceLogger(&recordingLogger{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close(context.Background()) })
	return pc
}

func countRows(t *testing.T, pool *Pool, table string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.Sqlx().GetContext(context.Background(), &n, "SELECT count(*) FROM "+table))
	return n
}

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
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// Property keys of the persistence context.
const (
	PropDefaultSchema       = "hibernate.default_schema"
	PropHbm2ddlAuto         = "hibernate.hbm2ddl.auto"
	PropDDLAuto             = "hibernate.ddl-auto"
	PropDialect             = "hibernate.dialect"
	PropPhysicalNaming      = "hibernate.physical_naming_strategy"
	PropSecondLevelCache    = "hibernate.cache.use_second_level_cache"
	PropQueryCache          = "hibernate.cache.use_query_cache"
	PropShowSQL             = "hibernate.show_sql"
	PropValidationMode      = "javax.persistence.validation.mode"
	PhysicalNamingStrategy  = "org.springframework.boot.orm.jpa.hibernate.SpringPhysicalNamingStrategy"
	defaultValidationMode   = "none"
	disabledPropertyLiteral = "false"
)

// VendorSettings are the ORM adapter settings; DDL generation is always on.
type VendorSettings struct {
	Database    string `json:"database"`
	GenerateDDL bool   `json:"generate_ddl"`
	ShowSQL     bool   `json:"show_sql"`
}

// PersistenceContext binds bun to the pool and carries the mapped entities.
type PersistenceContext struct {
	name       string
	db         *bun.DB
	pool       *Pool
	dialect    string
	schemaName string
	ddlAuto    string
	entities   []Entity
	properties map[string]string
	vendor     VendorSettings
	report     *SchemaReport
	schema     *schemaManager
	logger     Logger

	closeOnce sync.Once
	closeErr  error
}

// PersistenceOption configures NewPersistenceContext.
type PersistenceOption func(*persistenceOptions)

type persistenceOptions struct {
	registry *EntityRegistry
	logger   Logger
}

// WithEntityRegistry selects entities from r instead of the default registry.
func WithEntityRegistry(r *EntityRegistry) PersistenceOption {
	return func(o *persistenceOptions) { o.registry = r }
}

// WithPersistenceLogger sets the logger used for schema and slow query
// messages.
func WithPersistenceLogger(logger Logger) PersistenceOption {
	return func(o *persistenceOptions) { o.logger = logger }
}

// NewPersistenceContext builds the persistence context on top of pool and
// applies the DDL policy. The pool stays owned by the caller.
func NewPersistenceContext(ctx context.Context, pool *Pool, cfg PersistenceConfig, opts ...PersistenceOption) (*PersistenceContext, error) {
	if pool == nil {
		return nil, errors.New("persistence context requires a pool")
	}
	o := persistenceOptions{registry: defaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	logger := orDefault(o.logger)

	dialectName := NormalizeDialect(cfg.Dialect)
	if dialectName == "" {
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
	if dialectName != pool.Dialect() {
		return nil, fmt.Errorf("%w: dialect %s, pool %s uses %s", ErrDialectMismatch, cfg.Dialect, pool.Name(), pool.Dialect())
	}
	ddlAuto := NormalizeDDLAuto(cfg.DDLAuto)
	if !validDDLAuto(ddlAuto) {
		return nil, fmt.Errorf("unknown ddl-auto policy %q", cfg.DDLAuto)
	}

	pc := &PersistenceContext{
		name:       EntityManagerFactoryName,
		pool:       pool,
		dialect:    dialectName,
		schemaName: cfg.Schema,
		ddlAuto:    ddlAuto,
		properties: buildProperties(cfg),
		vendor:     VendorSettings{Database: dialectName, GenerateDDL: true},
		logger:     logger,
	}
	logger.Info("Persistence context setup started", "name", pc.name, "dialect", cfg.Dialect, "ddl_auto", ddlAuto)

	if stmt := defaultSchemaStatement(dialectName, cfg.Schema); stmt != "" {
		if err := pool.AddSessionStatement(ctx, stmt); err != nil {
			logger.Error("Failed to apply default schema", "schema", cfg.Schema, "kind", errorKind(err), "error", err)
			return nil, fmt.Errorf("failed to apply default schema %s: %w", cfg.Schema, err)
		}
	}

	pc.db = bun.NewDB(pool.DB(), newDialect(dialectName))
	if cfg.SlowQueryThreshold > 0 {
		pc.db.AddQueryHook(&slowQueryHook{slowTime: cfg.SlowQueryThreshold, logger: logger})
	}

	pc.entities = o.registry.Select(cfg.EntityPackages)
	if len(pc.entities) == 0 {
		logger.Warn("No entities found", "packages", cfg.EntityPackages)
	} else {
		pc.db.RegisterModel(entityInstances(pc.entities)...)
	}

	pc.schema = &schemaManager{
		db:       pc.db,
		sx:       pool.Sqlx(),
		dialect:  dialectName,
		entities: pc.entities,
		logger:   logger,
	}
	report, err := pc.schema.apply(ctx, ddlAuto, cfg.ImportFiles)
	if err != nil {
		logger.Error("Schema policy failed", "policy", ddlAuto, "kind", errorKind(err), "error", err)
		return nil, fmt.Errorf("failed to apply ddl-auto %s: %w", ddlAuto, err)
	}
	pc.report = report

	logger.Info("Persistence context setup completed", "name", pc.name, "entities", len(pc.entities))
	return pc, nil
}

func buildProperties(cfg PersistenceConfig) map[string]string {
	return map[string]string{
		PropDefaultSchema:    cfg.Schema,
		PropHbm2ddlAuto:      cfg.DDLAuto,
		PropDDLAuto:          cfg.DDLAuto,
		PropDialect:          cfg.Dialect,
		PropPhysicalNaming:   PhysicalNamingStrategy,
		PropSecondLevelCache: disabledPropertyLiteral,
		PropQueryCache:       disabledPropertyLiteral,
		PropShowSQL:          disabledPropertyLiteral,
		PropValidationMode:   defaultValidationMode,
	}
}

func newDialect(name string) schema.Dialect {
	switch name {
	case DialectPostgres:
		return pgdialect.New()
	case DialectMySQL:
		return mysqldialect.New()
	default:
		return sqlitedialect.New()
	}
}

func defaultSchemaStatement(dialect, schemaName string) string {
	if schemaName == "" {
		return ""
	}
	switch dialect {
	case DialectPostgres:
		return "SET search_path TO " + pq.QuoteIdentifier(schemaName)
	case DialectMySQL:
		return "USE `" + schemaName + "`"
	}
	return ""
}

// Name returns EntityManagerFactoryName.
func (pc *PersistenceContext) Name() string { return pc.name }

// DB returns the bun handle over the pool.
func (pc *PersistenceContext) DB() *bun.DB { return pc.db }

// Pool is the data source the context is bound to.
func (pc *PersistenceContext) Pool() *Pool { return pc.pool }

func (pc *PersistenceContext) Dialect() string { return pc.dialect }

func (pc *PersistenceContext) Schema() string { return pc.schemaName }

func (pc *PersistenceContext) DDLAuto() string { return pc.ddlAuto }

// Properties returns a copy of the property map.
func (pc *PersistenceContext) Properties() map[string]string {
	out := make(map[string]string, len(pc.properties))
	for k, v := range pc.properties {
		out[k] = v
	}
	return out
}

func (pc *PersistenceContext) Vendor() VendorSettings { return pc.vendor }

// Entities returns the managed entities in registration order.
func (pc *PersistenceContext) Entities() []Entity {
	out := make([]Entity, len(pc.entities))
	copy(out, pc.entities)
	return out
}

// SchemaReport describes what the DDL policy did at startup.
func (pc *PersistenceContext) SchemaReport() *SchemaReport { return pc.report }

// IDB returns the transaction bound to ctx, or the database itself.
func (pc *PersistenceContext) IDB(ctx context.Context) bun.IDB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pc.db
}

// Close drops the mapped tables when the policy is create-drop. It does not
// close the pool.
func (pc *PersistenceContext) Close(ctx context.Context) error {
	pc.closeOnce.Do(func() {
		if pc.ddlAuto != DDLCreateDrop {
			return
		}
		if err := pc.schema.drop(ctx, &SchemaReport{Policy: DDLCreateDrop}); err != nil {
			pc.logger.Error("Failed to drop schema on close", "kind", errorKind(err), "error", err)
			pc.closeErr = err
			return
		}
		pc.logger.Info("Schema dropped on close", "entities", len(pc.entities))
	})
	return pc.closeErr
}

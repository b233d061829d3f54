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
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func init() {
	sqlx.BindDriver(sqliteshim.ShimName, sqlx.QUESTION)
}

// Pool is the master data source. Postgres URLs are served by pgxpool,
// everything else by database/sql; both are exposed as *sql.DB.
type Pool struct {
	name      string
	dialect   string
	url       string
	requested PoolSettings
	settings  PoolSettings
	session   *sessionStatements
	logger    Logger

	pgx *pgxpool.Pool
	db  *sql.DB
	sx  *sqlx.DB

	// keeper pins a shared in-memory sqlite database; it disappears with
	// its last connection.
	keeper *sql.Conn

	mu     sync.RWMutex
	closed bool
}

// PoolOption configures NewPool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger. The default is GetLogger().
func WithPoolLogger(logger Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithPoolName overrides the name used in logs and health reports.
func WithPoolName(name string) PoolOption {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

// NewPool provisions the pool described by cfg and pings it before
// returning. The sizing values of cfg are recorded but the pool always uses
// FixedMinIdle, FixedMaxPoolSize and FixedIdleTimeout.
func NewPool(ctx context.Context, cfg PoolConfig, opts ...PoolOption) (*Pool, error) {
	ds, err := parseDataSourceURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		name:    DataSourceName,
		dialect: ds.dialect,
		url:     RedactURL(cfg.URL),
		requested: PoolSettings{
			MinIdle:     cfg.MinIdle,
			MaxPoolSize: cfg.MaxPoolSize,
			IdleTimeout: cfg.IdleTimeout,
		},
		settings: PoolSettings{
			MinIdle:     FixedMinIdle,
			MaxPoolSize: FixedMaxPoolSize,
			IdleTimeout: FixedIdleTimeout,
		},
		session: newSessionStatements(sessionInitStatement(ds.dialect)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = orDefault(p.logger)

	p.logger.Info("Pool provisioning started", "name", p.name, "driver", p.dialect, "url", p.url)
	if p.requested != p.settings {
		p.logger.Warn("Configured pool sizing is overridden",
			"name", p.name,
			"requested_min_idle", p.requested.MinIdle,
			"requested_max_pool_size", p.requested.MaxPoolSize,
			"requested_idle_timeout", p.requested.IdleTimeout,
			"min_idle", p.settings.MinIdle,
			"max_pool_size", p.settings.MaxPoolSize,
			"idle_timeout", p.settings.IdleTimeout,
		)
	}

	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	switch ds.dialect {
	case DialectPostgres:
		err = p.openPgx(ctx, ds.dsn, cfg, timeout)
	case DialectMySQL:
		dsn := ds.dsn
		if dsn, err = withMySQLCredentials(dsn, cfg.Username, cfg.Password); err == nil {
			err = p.openSQL(ds.driverName, dsn)
		}
	default:
		err = p.openSQL(ds.driverName, ds.dsn)
	}
	if err != nil {
		p.logger.Error("Pool provisioning failed", "name", p.name, "kind", errorKind(err), "error", err)
		return nil, fmt.Errorf("failed to create %s pool: %w", p.name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.warmUp(pingCtx); err != nil {
		p.logger.Error("Pool connection test failed", "name", p.name, "kind", errorKind(err), "error", err)
		_ = p.Close()
		return nil, fmt.Errorf("failed to connect %s: %w", p.name, err)
	}
	if ds.memory {
		if p.keeper, err = p.db.Conn(pingCtx); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to connect %s: %w", p.name, err)
		}
	}

	p.logger.Info("Pool provisioning completed",
		"name", p.name,
		"driver", p.dialect,
		"time_zone", SessionTimeZone,
		"min_idle", p.settings.MinIdle,
		"max_pool_size", p.settings.MaxPoolSize,
		"idle_timeout", p.settings.IdleTimeout,
	)
	return p, nil
}

func (p *Pool) openPgx(ctx context.Context, dsn string, cfg PoolConfig, timeout time.Duration) error {
	pcfg, err := p.pgxConfig(dsn, cfg, timeout)
	if err != nil {
		return err
	}
	pp, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return err
	}
	p.pgx = pp
	p.db = stdlib.OpenDBFromPool(pp)
	p.sx = sqlx.NewDb(p.db, "pgx")
	return nil
}

func (p *Pool) pgxConfig(dsn string, cfg PoolConfig, timeout time.Duration) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if cfg.Username != "" {
		pcfg.ConnConfig.User = cfg.Username
	}
	if cfg.Password != "" {
		pcfg.ConnConfig.Password = cfg.Password
	}
	if pcfg.ConnConfig.ConnectTimeout <= 0 || pcfg.ConnConfig.ConnectTimeout > timeout {
		pcfg.ConnConfig.ConnectTimeout = timeout
	}
	pcfg.MinConns = int32(p.settings.MinIdle)
	pcfg.MaxConns = int32(p.settings.MaxPoolSize)
	pcfg.MaxConnIdleTime = p.settings.IdleTimeout

	session := p.session
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, stmt := range session.list() {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("session statement %q: %w", stmt, err)
			}
		}
		return nil
	}
	return pcfg, nil
}

func (p *Pool) openSQL(driverName, dsn string) error {
	connector, err := newSessionConnector(driverName, dsn, p.session)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(p.settings.MaxPoolSize)
	db.SetMaxIdleConns(p.settings.MaxPoolSize)
	db.SetConnMaxIdleTime(p.settings.IdleTimeout)
	p.db = db
	p.sx = sqlx.NewDb(db, driverName)
	return nil
}

// warmUp checks connectivity and opens the minimum idle connections.
func (p *Pool) warmUp(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return err
	}
	if p.pgx != nil {
		// pgxpool keeps MinConns itself.
		return nil
	}
	conns := make([]*sql.Conn, 0, p.settings.MinIdle)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < p.settings.MinIdle; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	return nil
}

// Name returns the pool name, "dsMaster" unless overridden.
func (p *Pool) Name() string { return p.name }

// Dialect is the normalised dialect inferred from the URL.
func (p *Pool) Dialect() string { return p.dialect }

// DB returns the underlying handle. Every connection it hands out has
// run the session statements.
func (p *Pool) DB() *sql.DB { return p.db }

// Sqlx returns a sqlx handle over the same pool for raw access.
func (p *Pool) Sqlx() *sqlx.DB { return p.sx }

// Settings is the sizing the pool actually uses.
func (p *Pool) Settings() PoolSettings { return p.settings }

// Requested is the sizing found in the configuration.
func (p *Pool) Requested() PoolSettings { return p.requested }

func (p *Pool) TimeZone() string { return SessionTimeZone }

// SessionInitSQL is the time zone statement run on every new connection.
// It is empty for sqlite.
func (p *Pool) SessionInitSQL() string { return sessionInitStatement(p.dialect) }

// SessionStatements lists every statement run on new connections.
func (p *Pool) SessionStatements() []string { return p.session.list() }

// AddSessionStatement appends stmt to the statements run on new connections
// and recycles the connections opened so far.
func (p *Pool) AddSessionStatement(ctx context.Context, stmt string) error {
	if !p.session.add(stmt) {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.pgx != nil {
		p.pgx.Reset()
		return p.db.PingContext(ctx)
	}
	p.db.SetMaxIdleConns(0)
	p.db.SetMaxIdleConns(p.settings.MaxPoolSize)
	return p.warmUp(ctx)
}

// Ping checks one connection. It returns ErrPoolClosed after Close.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.db.PingContext(ctx)
}

// Stats returns a snapshot of the pool counters. It is zero after Close.
func (p *Pool) Stats() *DBStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &DBStats{}
	}
	if p.pgx != nil {
		st := p.pgx.Stat()
		return &DBStats{
			MaxOpenConns:      int(st.MaxConns()),
			OpenConns:         int(st.TotalConns()),
			InUse:             int(st.AcquiredConns()),
			Idle:              int(st.IdleConns()),
			WaitCount:         st.EmptyAcquireCount(),
			WaitDuration:      st.AcquireDuration(),
			MaxIdleTimeClosed: st.MaxIdleDestroyCount(),
			MaxLifetimeClosed: st.MaxLifetimeDestroyCount(),
		}
	}
	stats := p.db.Stats()
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

// HealthCheck pings the pool and reports its state.
func (p *Pool) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Name:          p.name,
		Driver:        p.dialect,
		LastCheckTime: start,
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.Ping(ctxTimeout)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.LastError = err.Error()
	} else {
		status.Healthy = true
	}

	stats := p.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConns
	return status
}

// Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.keeper != nil {
		_ = p.keeper.Close()
	}
	if p.db != nil {
		err = p.db.Close()
	}
	if p.pgx != nil {
		p.pgx.Close()
	}
	if err != nil {
		p.logger.Error("Failed to close pool", "name", p.name, "error", err)
		return err
	}
	p.logger.Info("Pool closed", "name", p.name)
	return nil
}

func sessionInitStatement(dialect string) string {
	switch dialect {
	case DialectPostgres:
		return "set time zone '" + SessionTimeZone + "'"
	case DialectMySQL:
		return "SET time_zone = '" + SessionTimeZone + "'"
	default:
		return ""
	}
}

// sessionStatements is read whenever a physical connection is opened, which
// may happen on any goroutine.
type sessionStatements struct {
	mu    sync.RWMutex
	stmts []string
}

func newSessionStatements(stmts ...string) *sessionStatements {
	s := &sessionStatements{}
	for _, stmt := range stmts {
		s.add(stmt)
	}
	return s
}

func (s *sessionStatements) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.stmts))
	copy(out, s.stmts)
	return out
}

// add reports whether stmt was new.
func (s *sessionStatements) add(stmt string) bool {
	if stmt == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.stmts {
		if existing == stmt {
			return false
		}
	}
	s.stmts = append(s.stmts, stmt)
	return true
}

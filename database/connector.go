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
	"database/sql/driver"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// sessionConnector runs the session statements on every connection the
// wrapped connector opens.
type sessionConnector struct {
	base    driver.Connector
	session *sessionStatements
}

func newSessionConnector(driverName, dsn string, session *sessionStatements) (*sessionConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	drv := db.Driver()
	_ = db.Close()

	var base driver.Connector
	if dc, ok := drv.(driver.DriverContext); ok {
		if base, err = dc.OpenConnector(dsn); err != nil {
			return nil, err
		}
	} else {
		base = dsnConnector{drv: drv, dsn: dsn}
	}
	return &sessionConnector{base: base, session: session}, nil
}

func (c *sessionConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	for _, stmt := range c.session.list() {
		if err := execSessionStatement(ctx, conn, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("session statement %q: %w", stmt, err)
		}
	}
	return conn, nil
}

func (c *sessionConnector) Driver() driver.Driver { return c.base.Driver() }

// dsnConnector adapts drivers that do not implement driver.DriverContext.
type dsnConnector struct {
	drv driver.Driver
	dsn string
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }

func (c dsnConnector) Driver() driver.Driver { return c.drv }

func execSessionStatement(ctx context.Context, conn driver.Conn, stmt string) error {
	if ex, ok := conn.(driver.ExecerContext); ok {
		_, err := ex.ExecContext(ctx, stmt, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}

	var (
		st  driver.Stmt
		err error
	)
	if pc, ok := conn.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, stmt)
	} else {
		st, err = conn.Prepare(stmt)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	if sc, ok := st.(driver.StmtExecContext); ok {
		_, err = sc.ExecContext(ctx, nil)
		return err
	}
	_, err = st.Exec(nil) //nolint:staticcheck
	return err
}

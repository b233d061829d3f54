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
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ormTxKey struct{}

type poolTxKey struct{}

// txState is the physical transaction shared by everything joined to it.
type txState struct {
	id           string
	db           *sql.DB
	sqlTx        *sql.Tx
	bunTx        *bun.Tx
	rollbackOnly atomic.Bool
}

func newTxState(db *sql.DB, sqlTx *sql.Tx) *txState {
	return &txState{id: uuid.NewString(), db: db, sqlTx: sqlTx}
}

func txStateFromContext(ctx context.Context) (*txState, bool) {
	if s, ok := ctx.Value(ormTxKey{}).(*txState); ok {
		return s, true
	}
	s, ok := ctx.Value(poolTxKey{}).(*txState)
	return s, ok
}

// TxFromContext returns the ORM transaction bound to ctx.
func TxFromContext(ctx context.Context) (bun.Tx, bool) {
	if s, ok := ctx.Value(ormTxKey{}).(*txState); ok && s.bunTx != nil {
		return *s.bunTx, true
	}
	return bun.Tx{}, false
}

// SQLTxFromContext returns the raw transaction bound to ctx, whether it was
// started by the pool manager or belongs to the ORM transaction.
func SQLTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if s, ok := ctx.Value(poolTxKey{}).(*txState); ok {
		return s.sqlTx, true
	}
	if s, ok := ctx.Value(ormTxKey{}).(*txState); ok {
		return s.sqlTx, true
	}
	return nil, false
}

// TxStatus is one manager's view of a transaction. A status that did not
// start the physical transaction is a participant.
type TxStatus struct {
	manager   string
	newTx     bool
	completed bool
	state     *txState
}

func (s *TxStatus) Manager() string { return s.manager }

func (s *TxStatus) ID() string { return s.state.id }

// IsNewTransaction reports whether this status began the transaction
// rather than joined it.
func (s *TxStatus) IsNewTransaction() bool { return s.newTx }

func (s *TxStatus) IsCompleted() bool { return s.completed }

// IsRollbackOnly reports whether a participant asked for rollback.
func (s *TxStatus) IsRollbackOnly() bool { return s.state.rollbackOnly.Load() }

// SetRollbackOnly makes the eventual commit of the physical transaction
// roll back instead.
func (s *TxStatus) SetRollbackOnly() { s.state.rollbackOnly.Store(true) }

// TransactionManager begins, commits and rolls back one kind of transaction.
type TransactionManager interface {
	// Name identifies the manager in logs and errors.
	Name() string
	// Begin starts a transaction or joins the one carried by ctx.
	Begin(ctx context.Context, opts *sql.TxOptions) (context.Context, *TxStatus, error)
	Commit(ctx context.Context, status *TxStatus) error
	Rollback(ctx context.Context, status *TxStatus) error
}

// ORMTransactionManager runs bun transactions on the persistence context.
type ORMTransactionManager struct {
	db     *bun.DB
	logger Logger
}

// NewORMTransactionManager returns a manager running bun transactions on
// the persistence context.
func NewORMTransactionManager(pc *PersistenceContext) *ORMTransactionManager {
	return &ORMTransactionManager{db: pc.DB(), logger: pc.logger}
}

func (m *ORMTransactionManager) Name() string { return "orm" }

// Begin starts a bun transaction unless ctx already carries one.
func (m *ORMTransactionManager) Begin(ctx context.Context, opts *sql.TxOptions) (context.Context, *TxStatus, error) {
	if s, ok := ctx.Value(ormTxKey{}).(*txState); ok && s.db == m.db.DB {
		return ctx, &TxStatus{manager: m.Name(), state: s}, nil
	}
	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		return ctx, nil, err
	}
	s := newTxState(m.db.DB, tx.Tx)
	s.bunTx = &tx
	m.logger.Debug("Transaction started", "manager", m.Name(), "tx_id", s.id)
	return context.WithValue(ctx, ormTxKey{}, s), &TxStatus{manager: m.Name(), newTx: true, state: s}, nil
}

func (m *ORMTransactionManager) Commit(ctx context.Context, status *TxStatus) error {
	return completeCommit(m.Name(), status, m.logger, func() error { return status.state.bunTx.Commit() },
		func() error { return status.state.bunTx.Rollback() })
}

func (m *ORMTransactionManager) Rollback(ctx context.Context, status *TxStatus) error {
	return completeRollback(m.Name(), status, m.logger, func() error { return status.state.bunTx.Rollback() })
}

// PoolTransactionManager runs raw transactions on the pool. When the
// context already carries an ORM transaction on the same pool it joins it
// instead of opening a second connection.
type PoolTransactionManager struct {
	db     *sql.DB
	logger Logger
}

// NewPoolTransactionManager returns a manager over pool.
func NewPoolTransactionManager(pool *Pool) *PoolTransactionManager {
	return &PoolTransactionManager{db: pool.DB(), logger: pool.logger}
}

func (m *PoolTransactionManager) Name() string { return "pool" }

// Begin joins the transaction carried by ctx or starts one on the pool.
func (m *PoolTransactionManager) Begin(ctx context.Context, opts *sql.TxOptions) (context.Context, *TxStatus, error) {
	if s, ok := ctx.Value(ormTxKey{}).(*txState); ok && s.db == m.db {
		return ctx, &TxStatus{manager: m.Name(), state: s}, nil
	}
	if s, ok := ctx.Value(poolTxKey{}).(*txState); ok && s.db == m.db {
		return ctx, &TxStatus{manager: m.Name(), state: s}, nil
	}
	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		return ctx, nil, err
	}
	s := newTxState(m.db, tx)
	m.logger.Debug("Transaction started", "manager", m.Name(), "tx_id", s.id)
	return context.WithValue(ctx, poolTxKey{}, s), &TxStatus{manager: m.Name(), newTx: true, state: s}, nil
}

func (m *PoolTransactionManager) Commit(ctx context.Context, status *TxStatus) error {
	return completeCommit(m.Name(), status, m.logger, func() error { return status.state.sqlTx.Commit() },
		func() error { return status.state.sqlTx.Rollback() })
}

func (m *PoolTransactionManager) Rollback(ctx context.Context, status *TxStatus) error {
	return completeRollback(m.Name(), status, m.logger, func() error { return status.state.sqlTx.Rollback() })
}

func completeCommit(name string, status *TxStatus, logger Logger, commit, rollback func() error) error {
	if status == nil || status.completed {
		return ErrTransactionCompleted
	}
	status.completed = true
	if !status.newTx {
		return nil
	}
	if status.IsRollbackOnly() {
		if err := rollback(); err != nil {
			return err
		}
		logger.Debug("Transaction rolled back, marked rollback-only", "manager", name, "tx_id", status.ID())
		return ErrUnexpectedRollback
	}
	if err := commit(); err != nil {
		return err
	}
	logger.Debug("Transaction committed", "manager", name, "tx_id", status.ID())
	return nil
}

func completeRollback(name string, status *TxStatus, logger Logger, rollback func() error) error {
	if status == nil || status.completed {
		return ErrTransactionCompleted
	}
	status.completed = true
	if !status.newTx {
		status.SetRollbackOnly()
		return nil
	}
	if err := rollback(); err != nil {
		return err
	}
	logger.Debug("Transaction rolled back", "manager", name, "tx_id", status.ID())
	return nil
}

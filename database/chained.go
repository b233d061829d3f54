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
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// HeuristicOutcome reports what a partially failed commit left behind.
type HeuristicOutcome int

const (
	// OutcomeRolledBack means nothing was committed.
	OutcomeRolledBack HeuristicOutcome = iota + 1
	// OutcomeMixed means some managers committed and others did not.
	OutcomeMixed
)

func (o HeuristicOutcome) String() string {
	switch o {
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// HeuristicCompletionError reports a chained commit that did not complete
// uniformly.
type HeuristicCompletionError struct {
	Outcome HeuristicOutcome
	Manager string
	Err     error
}

// Error implements error.
func (e *HeuristicCompletionError) Error() string {
	return fmt.Sprintf("heuristic completion: outcome %s, commit of %s failed: %v", e.Outcome, e.Manager, e.Err)
}

func (e *HeuristicCompletionError) Unwrap() error { return e.Err }

// ChainedTransactionManager coordinates several managers as one unit. It
// is best effort: a commit failure after another manager committed cannot
// be undone and is reported as OutcomeMixed.
type ChainedTransactionManager struct {
	name     string
	managers []TransactionManager
	logger   Logger
}

// ChainedTransaction is owned by the goroutine that began it.
type ChainedTransaction struct {
	id        string
	statuses  []*TxStatus
	completed bool
}

// ID returns the transaction id shared by all participants.
func (t *ChainedTransaction) ID() string { return t.id }

// Statuses are ordered like the managers of the chain.
func (t *ChainedTransaction) Statuses() []*TxStatus {
	out := make([]*TxStatus, len(t.statuses))
	copy(out, t.statuses)
	return out
}

// NewChainedTransactionManager chains managers in begin order. Commit and
// rollback run over them in reverse.
func NewChainedTransactionManager(logger Logger, managers ...TransactionManager) *ChainedTransactionManager {
	return &ChainedTransactionManager{
		name:     TransactionManagerName,
		managers: managers,
		logger:   orDefault(logger),
	}
}

// NewTransactionCoordinator chains an ORM manager on pc with a raw manager
// on pool, in that order.
func NewTransactionCoordinator(pc *PersistenceContext, pool *Pool) (*ChainedTransactionManager, error) {
	if pc == nil || pool == nil {
		return nil, errors.New("transaction coordinator requires a persistence context and a pool")
	}
	if pc.Pool() != pool {
		return nil, fmt.Errorf("persistence context %s is not bound to pool %s", pc.Name(), pool.Name())
	}
	tm := NewChainedTransactionManager(pc.logger, NewORMTransactionManager(pc), NewPoolTransactionManager(pool))
	tm.logger.Info("Transaction manager created", "name", tm.name, "managers", tm.managerNames())
	return tm, nil
}

// Name returns the registered manager name.
func (c *ChainedTransactionManager) Name() string { return c.name }

// Managers returns a copy of the chained managers in begin order.
func (c *ChainedTransactionManager) Managers() []TransactionManager {
	out := make([]TransactionManager, len(c.managers))
	copy(out, c.managers)
	return out
}

func (c *ChainedTransactionManager) managerNames() []string {
	names := make([]string, len(c.managers))
	for i, m := range c.managers {
		names[i] = m.Name()
	}
	return names
}

// Begin starts every manager in order. The returned context carries the
// transactions and must be used for the work and for Commit or Rollback.
func (c *ChainedTransactionManager) Begin(ctx context.Context, opts *sql.TxOptions) (context.Context, *ChainedTransaction, error) {
	tx := &ChainedTransaction{id: uuid.NewString(), statuses: make([]*TxStatus, 0, len(c.managers))}
	txCtx := ctx
	for _, m := range c.managers {
		next, status, err := m.Begin(txCtx, opts)
		if err != nil {
			c.logger.Error("Failed to begin transaction", "tx_id", tx.id, "manager", m.Name(), "kind", errorKind(err), "error", err)
			if rbErr := c.rollbackFrom(txCtx, tx, len(tx.statuses)-1); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return ctx, nil, fmt.Errorf("begin %s transaction: %w", m.Name(), err)
		}
		txCtx = next
		tx.statuses = append(tx.statuses, status)
	}
	c.logger.Debug("Chained transaction started", "tx_id", tx.id)
	return txCtx, tx, nil
}

// Commit commits in reverse order of Begin. If a commit fails, the managers
// not yet committed are rolled back.
func (c *ChainedTransactionManager) Commit(ctx context.Context, tx *ChainedTransaction) error {
	if tx == nil || tx.completed {
		return ErrTransactionCompleted
	}
	tx.completed = true

	committed := false
	for i := len(tx.statuses) - 1; i >= 0; i-- {
		status := tx.statuses[i]
		m := c.managers[i]
		if err := m.Commit(ctx, status); err != nil {
			outcome := OutcomeRolledBack
			if committed {
				outcome = OutcomeMixed
			}
			c.logger.Error("Chained commit failed",
				"tx_id", tx.id,
				"manager", m.Name(),
				"outcome", outcome,
				"kind", errorKind(err),
				"error", err,
			)
			if rbErr := c.rollbackFrom(ctx, tx, i-1); rbErr != nil {
				c.logger.Error("Rollback after failed commit failed", "tx_id", tx.id, "error", rbErr)
				err = errors.Join(err, rbErr)
			}
			return &HeuristicCompletionError{Outcome: outcome, Manager: m.Name(), Err: err}
		}
		if status.IsNewTransaction() {
			committed = true
		}
	}
	c.logger.Debug("Chained transaction committed", "tx_id", tx.id)
	return nil
}

// Rollback rolls back every manager in reverse order, attempting all of
// them even when one fails.
func (c *ChainedTransactionManager) Rollback(ctx context.Context, tx *ChainedTransaction) error {
	if tx == nil || tx.completed {
		return ErrTransactionCompleted
	}
	tx.completed = true
	err := c.rollbackFrom(ctx, tx, len(tx.statuses)-1)
	if err != nil {
		c.logger.Error("Chained rollback failed", "tx_id", tx.id, "error", err)
		return err
	}
	c.logger.Debug("Chained transaction rolled back", "tx_id", tx.id)
	return nil
}

func (c *ChainedTransactionManager) rollbackFrom(ctx context.Context, tx *ChainedTransaction, from int) error {
	var errs []error
	for i := from; i >= 0; i-- {
		if err := c.managers[i].Rollback(ctx, tx.statuses[i]); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", c.managers[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Execute runs fn inside a chained transaction. fn's error or panic rolls
// everything back; otherwise the transaction is committed.
func (c *ChainedTransactionManager) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.ExecuteWithOptions(ctx, nil, fn)
}

// ExecuteWithOptions is Execute with explicit isolation and read-only
// options for a new transaction. They are ignored when ctx already
// carries one.
func (c *ChainedTransactionManager) ExecuteWithOptions(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) (err error) {
	txCtx, tx, err := c.Begin(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = c.Rollback(txCtx, tx)
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := c.Rollback(txCtx, tx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return c.Commit(txCtx, tx)
}

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

// Package fwk starts the master persistence stack: the dsMaster pool, the
// entityManagerFactory persistence context and the
// primaryTransactionManager coordinator.
package fwk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/egstep/fwk/database"
)

// Persistence owns the pool; the persistence context and the transaction
// manager only reference it.
type Persistence struct {
	Pool         *database.Pool
	Context      *database.PersistenceContext
	Transactions *database.ChainedTransactionManager

	logger    database.Logger
	closeOnce sync.Once
	closeErr  error
}

type Option func(*startOptions)

type startOptions struct {
	logger   database.Logger
	registry *database.EntityRegistry
}

func WithLogger(logger database.Logger) Option {
	return func(o *startOptions) { o.logger = logger }
}

// WithEntityRegistry replaces the default entity registry.
func WithEntityRegistry(r *database.EntityRegistry) Option {
	return func(o *startOptions) { o.registry = r }
}

// Start builds the pool, the persistence context and the transaction
// manager in that order. A failing step closes what was already built.
func Start(ctx context.Context, cfg database.Config, opts ...Option) (*Persistence, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = database.GetLogger()
	}

	pool, err := database.NewPool(ctx, cfg.Pool, database.WithPoolLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", database.DataSourceName, err)
	}

	pcOpts := []database.PersistenceOption{database.WithPersistenceLogger(o.logger)}
	if o.registry != nil {
		pcOpts = append(pcOpts, database.WithEntityRegistry(o.registry))
	}
	pc, err := database.NewPersistenceContext(ctx, pool, cfg.Persistence, pcOpts...)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%s: %w", database.EntityManagerFactoryName, err)
	}

	tm, err := database.NewTransactionCoordinator(pc, pool)
	if err != nil {
		_ = pc.Close(ctx)
		_ = pool.Close()
		return nil, fmt.Errorf("%s: %w", database.TransactionManagerName, err)
	}

	o.logger.Info("Persistence started",
		"data_source", pool.Name(),
		"entity_manager_factory", pc.Name(),
		"transaction_manager", tm.Name(),
	)
	return &Persistence{Pool: pool, Context: pc, Transactions: tm, logger: o.logger}, nil
}

// Execute runs fn in a chained transaction.
func (p *Persistence) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.Transactions.Execute(ctx, fn)
}

// Health reports the pool health under the dsMaster name.
func (p *Persistence) Health(ctx context.Context) *database.HealthStatus {
	return p.Pool.HealthCheck(ctx)
}

// Close tears down in reverse order of Start. It is idempotent.
func (p *Persistence) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.Context.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", database.EntityManagerFactoryName, err))
		}
		if err := p.Pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", database.DataSourceName, err))
		}
		p.closeErr = errors.Join(errs...)
		if p.closeErr != nil {
			_, kind := database.Classify(p.closeErr)
			p.logger.Error("Persistence closed with errors", "kind", kind, "error", p.closeErr)
		}
	})
	return p.closeErr
}

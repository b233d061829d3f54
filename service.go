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

package fwk

import (
	"context"

	"github.com/egstep/fwk/database"
	"github.com/egstep/fwk/repository"
)

// Service is a transactional facade over a repository. Writes join the
// transaction of ctx, or run in a new chained transaction otherwise.
type Service[T any] interface {
	Get(ctx context.Context, id any) (*T, error)

	All(ctx context.Context) ([]*T, error)

	List(ctx context.Context, filter *repository.Filter) ([]*T, error)

	Page(ctx context.Context, req *repository.PageRequest) (*repository.Page[T], error)

	// Save inserts one or more new entities.
	Save(ctx context.Context, model ...*T) error

	// SaveOrUpdate upserts entities on conflicts of conflictKeys.
	SaveOrUpdate(ctx context.Context, fields []string, conflictKeys []string, model ...*T) error

	Update(ctx context.Context, model *T) error

	Delete(ctx context.Context, id any) error

	Repository() repository.Repository[T]
}

type baseServiceImpl[T any] struct {
	repo repository.Repository[T]
	tm   *database.ChainedTransactionManager
}

// NewService returns a Service for T on the started persistence stack.
func NewService[T any](p *Persistence) (Service[T], error) {
	repo, err := repository.NewRepository[T](p.Context)
	if err != nil {
		return nil, err
	}
	return &baseServiceImpl[T]{repo: repo, tm: p.Transactions}, nil
}

func (s *baseServiceImpl[T]) Repository() repository.Repository[T] { return s.repo }

func (s *baseServiceImpl[T]) Get(ctx context.Context, id any) (*T, error) {
	return s.repo.GetOne(ctx, id)
}

func (s *baseServiceImpl[T]) All(ctx context.Context) ([]*T, error) {
	return s.repo.GetAll(ctx)
}

func (s *baseServiceImpl[T]) List(ctx context.Context, filter *repository.Filter) ([]*T, error) {
	return s.repo.List(ctx, filter)
}

func (s *baseServiceImpl[T]) Page(ctx context.Context, req *repository.PageRequest) (*repository.Page[T], error) {
	return s.repo.Page(ctx, req)
}

func (s *baseServiceImpl[T]) Save(ctx context.Context, model ...*T) error {
	return s.inTx(ctx, func(ctx context.Context) error { return s.repo.Create(ctx, model...) })
}

func (s *baseServiceImpl[T]) SaveOrUpdate(ctx context.Context, fields []string, conflictKeys []string, model ...*T) error {
	return s.inTx(ctx, func(ctx context.Context) error { return s.repo.Upsert(ctx, fields, conflictKeys, model...) })
}

func (s *baseServiceImpl[T]) Update(ctx context.Context, model *T) error {
	return s.inTx(ctx, func(ctx context.Context) error { return s.repo.Update(ctx, model) })
}

func (s *baseServiceImpl[T]) Delete(ctx context.Context, id any) error {
	return s.inTx(ctx, func(ctx context.Context) error { return s.repo.Delete(ctx, id) })
}

func (s *baseServiceImpl[T]) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := database.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return s.tm.Execute(ctx, fn)
}

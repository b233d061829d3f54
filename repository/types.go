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

package repository

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// CrudRepository defines basic CRUD operations for a generic entity type.
type CrudRepository[T any] interface {
	// GetOne loads by primary key. A missing row is sql.ErrNoRows.
	GetOne(ctx context.Context, id any) (*T, error)

	GetAll(ctx context.Context) ([]*T, error)

	// List returns the rows matching filter; nil matches all.
	List(ctx context.Context, filter *Filter) ([]*T, error)

	Count(ctx context.Context, filter *Filter) (int, error)

	Create(ctx context.Context, entity ...*T) error

	// Upsert inserts, or updates fields on a conflict over conflictKeys.
	Upsert(ctx context.Context, fields []string, conflictKeys []string, entity ...*T) error

	Update(ctx context.Context, entity *T) error

	Delete(ctx context.Context, id any) error
}

// PageQueryRepository loads one page with the total count.
type PageQueryRepository[T any] interface {
	Page(ctx context.Context, req *PageRequest) (*Page[T], error)
}

// Repository combines CRUD and pagination. The query builders it exposes
// are bound to the transaction of ctx, if any.
type Repository[T any] interface {
	CrudRepository[T]
	PageQueryRepository[T]
	Dialect() schema.Dialect
	IDB(ctx context.Context) bun.IDB
	NewSelect(ctx context.Context) *bun.SelectQuery
	NewInsert(ctx context.Context) *bun.InsertQuery
	NewUpdate(ctx context.Context) *bun.UpdateQuery
	NewDelete(ctx context.Context) *bun.DeleteQuery
}

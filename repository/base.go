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
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/egstep/fwk/database"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"
)

type baseRepositoryImpl[T any] struct {
	pc *database.PersistenceContext
	pk string
}

// NewRepository returns a repository for T bound to pc. T must be a bun
// model with a single-column primary key.
func NewRepository[T any](pc *database.PersistenceContext) (Repository[T], error) {
	table := pc.DB().Table(reflect.TypeOf((*T)(nil)).Elem())
	if len(table.PKs) != 1 {
		return nil, fmt.Errorf("repository for %s needs exactly one primary key column, found %d", table.Type.Name(), len(table.PKs))
	}
	return &baseRepositoryImpl[T]{pc: pc, pk: table.PKs[0].Name}, nil
}

func (r *baseRepositoryImpl[T]) Dialect() schema.Dialect { return r.pc.DB().Dialect() }

func (r *baseRepositoryImpl[T]) IDB(ctx context.Context) bun.IDB { return r.pc.IDB(ctx) }

func (r *baseRepositoryImpl[T]) NewSelect(ctx context.Context) *bun.SelectQuery {
	return r.IDB(ctx).NewSelect()
}

func (r *baseRepositoryImpl[T]) NewInsert(ctx context.Context) *bun.InsertQuery {
	return r.IDB(ctx).NewInsert()
}

func (r *baseRepositoryImpl[T]) NewUpdate(ctx context.Context) *bun.UpdateQuery {
	return r.IDB(ctx).NewUpdate()
}

func (r *baseRepositoryImpl[T]) NewDelete(ctx context.Context) *bun.DeleteQuery {
	return r.IDB(ctx).NewDelete()
}

func (r *baseRepositoryImpl[T]) GetOne(ctx context.Context, id any) (*T, error) {
	var entity T
	err := r.NewSelect(ctx).Model(&entity).Where("? = ?", bun.Ident(r.pk), id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *baseRepositoryImpl[T]) GetAll(ctx context.Context) ([]*T, error) {
	var entities []*T
	err := r.NewSelect(ctx).Model(&entities).Scan(ctx)
	return entities, err
}

func (r *baseRepositoryImpl[T]) List(ctx context.Context, filter *Filter) ([]*T, error) {
	var entities []*T
	query := applyFilter(r.NewSelect(ctx).Model(&entities), filter)
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return entities, nil
}

func (r *baseRepositoryImpl[T]) Count(ctx context.Context, filter *Filter) (int, error) {
	return applyFilter(r.NewSelect(ctx).Model((*T)(nil)), filter).Count(ctx)
}

func (r *baseRepositoryImpl[T]) Page(ctx context.Context, req *PageRequest) (*Page[T], error) {
	if req == nil {
		req = &PageRequest{}
	}
	n := req.normalized()

	total, err := r.Count(ctx, n.Filter)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return newPage[T](n, 0, nil), nil
	}
	var entities []*T
	err = applyFilter(r.NewSelect(ctx).Model(&entities), n.Filter).
		Offset(req.Offset()).
		Limit(n.PageSize).
		Order(n.Orders...).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return newPage(n, total, entities), nil
}

func (r *baseRepositoryImpl[T]) Create(ctx context.Context, entity ...*T) error {
	if len(entity) == 0 {
		return nil
	}
	entities := append([]*T(nil), entity...)
	_, err := r.NewInsert(ctx).Model(&entities).Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[T]) Update(ctx context.Context, entity *T) error {
	_, err := r.NewUpdate(ctx).Model(entity).WherePK().Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[T]) Delete(ctx context.Context, id any) error {
	_, err := r.NewDelete(ctx).Model((*T)(nil)).Where("? = ?", bun.Ident(r.pk), id).Exec(ctx)
	return err
}

// Upsert inserts entities and updates fields on a conflict of conflictKeys
// (the primary key when empty). MySQL resolves conflicts on any unique key.
func (r *baseRepositoryImpl[T]) Upsert(ctx context.Context, fields []string, conflictKeys []string, entity ...*T) error {
	if len(fields) == 0 {
		return errors.New("upsert fields cannot be empty")
	}
	if len(entity) == 0 {
		return nil
	}
	entities := append([]*T(nil), entity...)
	insert := r.NewInsert(ctx)

	db := r.pc.DB()
	switch {
	case db.HasFeature(feature.InsertOnConflict):
		if len(conflictKeys) == 0 {
			conflictKeys = []string{r.pk}
		}
		keys := make([]interface{}, 0, len(conflictKeys))
		for _, k := range conflictKeys {
			keys = append(keys, bun.Ident(k))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
		insert = insert.Model(&entities).On("CONFLICT ("+placeholders+") DO UPDATE", keys...)
		for _, f := range fields {
			insert = insert.Set("? = EXCLUDED.?", bun.Ident(f), bun.Ident(f))
		}
		_, err := insert.Exec(ctx)
		return err
	case db.HasFeature(feature.InsertOnDuplicateKey):
		insert = insert.Model(&entities).On("DUPLICATE KEY UPDATE")
		for _, f := range fields {
			insert = insert.Set("? = VALUES(?)", bun.Ident(f), bun.Ident(f))
		}
		_, err := insert.Exec(ctx)
		return err
	default:
		for _, e := range entities {
			if _, err := r.NewInsert(ctx).Model(e).Exec(ctx); err != nil {
				if _, updErr := r.NewUpdate(ctx).Model(e).WherePK().Exec(ctx); updErr != nil {
					return fmt.Errorf("upsert failed: insert: %v, update: %w", err, updErr)
				}
			}
		}
		return nil
	}
}

func applyFilter(q *bun.SelectQuery, filter *Filter) *bun.SelectQuery {
	if filter == nil || filter.Where == "" {
		return q
	}
	return q.Where(filter.Where, filter.Args...)
}

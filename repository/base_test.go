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
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/egstep/fwk/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type member struct {
	bun.BaseModel `bun:"table:members"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Name  string `bun:"name,notnull"`
	Grade int    `bun:"grade"`
}

type membership struct {
	bun.BaseModel `bun:"table:memberships"`

	MemberID int64  `bun:"member_id,pk"`
	Plan     string `bun:"plan,pk"`
}

func newContext(t *testing.T) *database.PersistenceContext {
	t.Helper()
	ctx := context.Background()
	pool, err := database.NewPool(ctx, database.PoolConfig{
		URL:               "sqlite:" + filepath.Join(t.TempDir(), "repo.db"),
		ConnectionTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	registry := database.NewEntityRegistry()
	registry.Register((*member)(nil), 0)
	registry.Register((*membership)(nil), 1)
	pc, err := database.NewPersistenceContext(ctx, pool, database.PersistenceConfig{
		Dialect:        "sqlite",
		DDLAuto:        database.DDLCreateDrop,
		EntityPackages: []string{"github.com/egstep/fwk/repository"},
	}, database.WithEntityRegistry(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close(context.Background()) })
	return pc
}

func newMemberRepository(t *testing.T) Repository[member] {
	t.Helper()
	repo, err := NewRepository[member](newContext(t))
	require.NoError(t, err)
	return repo
}

func seedMembers(t *testing.T, repo Repository[member], n int) {
	t.Helper()
	members := make([]*member, n)
	for i := range members {
		members[i] = &member{Name: fmt.Sprintf("member-%02d", i+1), Grade: i % 3}
	}
	require.NoError(t, repo.Create(context.Background(), members...))
}

func TestNewRepositoryRequiresSinglePrimaryKey(t *testing.T) {
	_, err := NewRepository[membership](newContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "membership")
}

func TestRepositoryCrud(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t)

	m := &member{Name: "kim", Grade: 1}
	require.NoError(t, repo.Create(ctx, m))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	id := all[0].ID

	got, err := repo.GetOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kim", got.Name)

	got.Grade = 2
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Grade)

	require.NoError(t, repo.Delete(ctx, id))
	_, err = repo.GetOne(ctx, id)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.NoError(t, repo.Create(ctx))
}

func TestRepositoryListAndCount(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t)
	seedMembers(t, repo, 9)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	filter := NewFilter("grade = ?", 0)
	n, err = repo.Count(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := repo.List(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, m := range list {
		assert.Equal(t, 0, m.Grade)
	}
}

func TestRepositoryPage(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t)
	seedMembers(t, repo, 23)

	page, err := repo.Page(ctx, NewPageRequest(3, 10, nil, "name ASC"))
	require.NoError(t, err)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 10, page.PageSize)
	assert.Equal(t, 23, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "member-21", page.Items[0].Name)

	page, err = repo.Page(ctx, NewPageRequest(1, 5, NewFilter("grade = ?", 2), "name DESC"))
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 5)

	page, err = repo.Page(ctx, NewPageRequest(1, 5, NewFilter("grade = ?", 99)))
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	page, err = repo.Page(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PageSize)
}

func TestRepositoryUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newMemberRepository(t)

	require.NoError(t, repo.Upsert(ctx, []string{"name"}, nil, &member{ID: 7, Name: "kim", Grade: 1}))
	require.NoError(t, repo.Upsert(ctx, []string{"name"}, nil, &member{ID: 7, Name: "kim jr", Grade: 2}))

	got, err := repo.GetOne(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "kim jr", got.Name)
	assert.Equal(t, 1, got.Grade)

	assert.Error(t, repo.Upsert(ctx, nil, nil, &member{ID: 8}))
	assert.NoError(t, repo.Upsert(ctx, []string{"name"}, nil))
}

func TestRepositoryUsesContextTransaction(t *testing.T) {
	pc := newContext(t)
	repo, err := NewRepository[member](pc)
	require.NoError(t, err)
	tm, err := database.NewTransactionCoordinator(pc, pc.Pool())
	require.NoError(t, err)

	rollback := fmt.Errorf("rollback")
	err = tm.Execute(context.Background(), func(ctx context.Context) error {
		if err := repo.Create(ctx, &member{Name: "temp"}); err != nil {
			return err
		}
		n, err := repo.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return rollback
	})
	assert.ErrorIs(t, err, rollback)

	n, err := repo.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPageRequestNormalization(t *testing.T) {
	assert.Equal(t, 0, NewPageRequest(0, 0, nil).Offset())
	assert.Equal(t, 20, NewPageRequest(3, 10, nil).Offset())
	assert.Equal(t, 1000, NewPageRequest(2, 5000, nil).Offset())
	assert.Equal(t, 10, (&PageRequest{PageSize: -1}).normalized().PageSize)
}

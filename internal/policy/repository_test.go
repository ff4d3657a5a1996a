package policy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auth-platform/rate-limiter-service/internal/config"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	db, err := Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewSQLRepository(context.Background(), db)
	require.NoError(t, err)
	return repo
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestSQLRepository_SaveCreatesThenUpdates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.Save(ctx, &ratelimit.Policy{APIKey: "k1", LimitCount: 3, WindowSeconds: 60})
	require.NoError(t, err)
	assert.True(t, created)

	first, err := repo.FindByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 3, first.LimitCount)
	assert.Equal(t, 60, first.WindowSeconds)

	update := &ratelimit.Policy{APIKey: "k1", LimitCount: 10, WindowSeconds: 30}
	created, err = repo.Save(ctx, update)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.FindByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.LimitCount)
	assert.Equal(t, 30, got.WindowSeconds)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "createdAt must survive updates")
	assert.True(t, update.CreatedAt.Equal(first.CreatedAt))
}

func TestSQLRepository_FindMissing(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.FindByAPIKey(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, ratelimit.IsNotFound(err))
}

func TestSQLRepository_ExistsAndDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, &ratelimit.Policy{APIKey: "k1", LimitCount: 1, WindowSeconds: 1})
	require.NoError(t, err)

	ok, err := repo.ExistsByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.DeleteByAPIKey(ctx, "k1"))

	ok, err = repo.ExistsByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting twice is not an error at this layer.
	require.NoError(t, repo.DeleteByAPIKey(ctx, "k1"))
}

func TestSQLRepository_ListNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := repo.Save(ctx, &ratelimit.Policy{
			APIKey:        fmt.Sprintf("key-%d", i),
			LimitCount:    i + 1,
			WindowSeconds: 60,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	page, total, err := repo.List(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, "key-4", page[0].APIKey)
	assert.Equal(t, "key-3", page[1].APIKey)

	page, _, err = repo.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "key-0", page[0].APIKey)

	page, total, err = repo.List(ctx, 9, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Empty(t, page)
}

func TestSQLRepository_ClosedDatabase(t *testing.T) {
	repo := newTestRepository(t)
	require.NoError(t, repo.db.Close())

	_, err := repo.ExistsByAPIKey(context.Background(), "k1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrRepositoryDown)
}

func TestOpen_SqliteMemorySharesOneConnection(t *testing.T) {
	db, err := Open(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)

	ctx := context.Background()
	repo, err := NewSQLRepository(ctx, db)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Save(ctx, &ratelimit.Policy{APIKey: fmt.Sprintf("k%d", i), LimitCount: 1, WindowSeconds: 1})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, total, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
}

func TestSQLRepository_CreateAfterConcurrentCreateUpdates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := repo.Save(ctx, &ratelimit.Policy{APIKey: "k1", LimitCount: 3, WindowSeconds: 60, CreatedAt: base})
	require.NoError(t, err)

	// The row already exists although this writer's lookup found none.
	tx, err := repo.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	p := &ratelimit.Policy{APIKey: "k1", LimitCount: 9, WindowSeconds: 30, UpdatedAt: time.Now().UTC()}
	created, err := repo.insertOrUpdate(ctx, tx, p)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.False(t, created)
	assert.True(t, p.CreatedAt.Equal(base))

	got, err := repo.FindByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.LimitCount)
	assert.Equal(t, 30, got.WindowSeconds)
	assert.True(t, got.CreatedAt.Equal(base))
}

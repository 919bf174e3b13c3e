package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/sagalog"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepository_SaveAndReplay(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	started := sagalog.NewEntry(ctx, "saga-1", "meal-order", sagalog.StatusStarted, "", `{"steps":2}`, nil)
	require.NoError(t, repo.Save(ctx, started))
	require.NoError(t, repo.Save(ctx, sagalog.NewEntry(ctx, "saga-1", "meal-order", sagalog.StatusStepDone, "orders.create", "", nil)))
	require.NoError(t, repo.Save(ctx, sagalog.NewEntry(ctx, "saga-1", "meal-order", sagalog.StatusFailed, "payments.charge",
		"", []string{"payments.charge: card declined"})))
	require.NoError(t, repo.Save(ctx, sagalog.NewEntry(ctx, "saga-2", "top-up", sagalog.StatusStarted, "", "", nil)))

	latest, err := repo.GetLatest(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusFailed, latest.Status)
	assert.Equal(t, "payments.charge", latest.CurrentStep)
	assert.Equal(t, []string{"payments.charge: card declined"}, latest.Errors())
	assert.Empty(t, latest.Payload)
	assert.WithinDuration(t, time.Now(), latest.UpdatedAt, time.Minute)

	all, err := repo.List(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, sagalog.StatusStarted, all[0].Status)
	assert.Equal(t, `{"steps":2}`, all[0].Payload)
	assert.Equal(t, "meal-order", all[0].SagaType)
	assert.Empty(t, all[0].Errors())
}

func TestRepository_NotFound(t *testing.T) {
	repo := openTestRepo(t)

	_, err := repo.GetLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.List(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_ConcurrentSaves(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Save(ctx, sagalog.NewEntry(ctx, "saga-c", "meal-order", sagalog.StatusStepDone, "menus.reserve", "", nil)))
		}()
	}
	wg.Wait()

	all, err := repo.List(ctx, "saga-c")
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

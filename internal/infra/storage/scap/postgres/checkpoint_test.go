package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/internal/infra/storage"
)

func setupCheckpointTest(t *testing.T) (context.Context, *checkpointStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewCheckpointStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, store, cleanup
}

func TestPGCheckpointStore_SaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	until := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCVE, until)))

	loaded, err := store.Load(ctx, scap.EntityTypeCVE)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, scap.EntityTypeCVE, loaded.EntityType())
	assert.True(t, until.Equal(loaded.Until()))
	assert.False(t, loaded.UpdatedAt().IsZero(), "UpdatedAt should be set")

	other, err := store.Load(ctx, scap.EntityTypeCPE)
	require.NoError(t, err)
	assert.Nil(t, other, "checkpoints are kept per entity type")
}

func TestPGCheckpointStore_LoadNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	loaded, err := store.Load(ctx, scap.EntityTypeCPE)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPGCheckpointStore_NeverRegresses(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCVE, later)))

	err := store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCVE, later.Add(-time.Hour)))
	require.ErrorIs(t, err, scap.ErrCheckpointRegression)

	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCVE, later)), "saving the same instant again is allowed")
	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCVE, later.Add(time.Hour))))

	loaded, err := store.Load(ctx, scap.EntityTypeCVE)
	require.NoError(t, err)
	assert.True(t, later.Add(time.Hour).Equal(loaded.Until()))
}

func TestPGCheckpointStore_Delete(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCPE, time.Now())))
	require.NoError(t, store.Delete(ctx, scap.EntityTypeCPE))
	require.NoError(t, store.Delete(ctx, scap.EntityTypeCPE), "deleting twice is fine")

	loaded, err := store.Load(ctx, scap.EntityTypeCPE)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPGCheckpointStore_CPEMatch(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupCheckpointTest(t)
	defer cleanup()

	until := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, scap.NewCheckpoint(scap.EntityTypeCPEMatch, until)))

	loaded, err := store.Load(ctx, scap.EntityTypeCPEMatch)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, until.Equal(loaded.Until()))
}

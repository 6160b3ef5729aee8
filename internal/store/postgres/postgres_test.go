package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/dosrun/internal/store"
)

// startPostgres starts a PostgreSQL container and returns its DSN.
// The test is skipped when Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("dosrun"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := startPostgres(t)
	db, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.EnsureSchema(ctx), "schema creation must be idempotent")

	keen, err := db.CreateGame(ctx, "Commander Keen", "keen.conf")
	require.NoError(t, err)
	_, err = db.CreateGame(ctx, "Doom", "doom.conf")
	require.NoError(t, err)

	found, err := db.ListGames(ctx, "KEEN")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, keen.ID, found[0].ID)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.IncrementRunTime(ctx, keen.ID, 2))
		}()
	}
	wg.Wait()
	got, err := db.FindGame(ctx, keen.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.RunTime)

	require.NoError(t, db.UpdateGame(ctx, keen.ID, store.GameUpdate{Title: "Keen", ConfigPath: "keen.conf", ResetRunTime: true}))
	got, err = db.FindGame(ctx, keen.ID)
	require.NoError(t, err)
	assert.Equal(t, "Keen", got.Title)
	assert.Zero(t, got.RunTime)

	n, err := db.DeleteGames(ctx, []int64{keen.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = db.FindGame(ctx, keen.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.UpsertSetting(ctx, store.Setting{Key: "theme", Value: "dark"}))
	require.NoError(t, db.UpsertSetting(ctx, store.Setting{Key: "theme", Value: "light"}))
	settings, err := db.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Setting{{Key: "theme", Value: "light"}}, settings)
}

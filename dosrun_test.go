package dosrun

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dosrun/internal/dosbox"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.InstallDir = t.TempDir()
	cfg.DOSBox.EnsureBaseConfig = false
	cfg.Log.Slog.Level = "error"
	return cfg
}

func TestNewCreatesDefaultDatabase(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.FileExists(t, filepath.Join(cfg.InstallDir, "db.sqlite"))
	ids, err := app.ListRunning()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStartWithoutInterpreterLeavesNothingRunning(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx := context.Background()
	g, err := app.Store().CreateGame(ctx, "Keen", "games/keen/KEEN.conf")
	require.NoError(t, err)

	err = app.Start(ctx, g.ID)
	assert.ErrorIs(t, err, dosbox.ErrExecutableMissing)
	ids, err := app.ListRunning()
	require.NoError(t, err)
	assert.Empty(t, ids)

	// the failed launch released the reservation
	err = app.Start(ctx, g.ID)
	assert.ErrorIs(t, err, dosbox.ErrExecutableMissing)
}

func TestHandlerServesCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.BasePath = "/api"
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/games", "application/json",
		strings.NewReader(`{"title":"Doom","config_path":"games/doom/DOOM.conf"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/running")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsBadHistorySink(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Sinks = []string{"kafka://broker:9092"}
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServeAndClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, app.Serve(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, app.Close(ctx))
}

func TestServeReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig(t)
	cfg.Server.Listen = ln.Addr().String()
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	err = app.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ln.Addr().String())
	assert.Empty(t, app.Addr())
}

func TestServeListensOnBoundAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NoError(t, app.Serve(context.Background()))
	require.NotEqual(t, "127.0.0.1:0", app.Addr())

	resp, err := http.Get("http://" + app.Addr() + cfg.Server.BasePath + "/running")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

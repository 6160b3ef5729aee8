package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dosrun/internal/dosbox"
	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/manager"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/store"
	"github.com/loykin/dosrun/internal/store/sqlite"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	running []int64
	errs    map[int64]error
}

func (f *fakeSupervisor) Start(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return err
	}
	f.running = append(f.running, id)
	return nil
}

func (f *fakeSupervisor) ListRunning() ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.running...), nil
}

type fakeDOSBox struct {
	configs map[int64]string
	runErr  error
	lastRun []string
}

func (f *fakeDOSBox) ReadGameConfig(g store.Game) (string, error) {
	text, ok := f.configs[g.ID]
	if !ok {
		return "", errors.New("read game config: no such file")
	}
	return text, nil
}

func (f *fakeDOSBox) WriteGameConfig(g store.Game, text string) error {
	f.configs[g.ID] = text
	return nil
}

func (f *fakeDOSBox) GenerateGameConfig(exePath string) (string, error) {
	return strings.TrimSuffix(exePath, filepath.Ext(exePath)) + ".conf", nil
}

func (f *fakeDOSBox) Run(_ context.Context, args ...string) (string, error) {
	f.lastRun = args
	if f.runErr != nil {
		return "", f.runErr
	}
	return "DOSBox version 0.74-3\n", nil
}

type fixture struct {
	h      http.Handler
	router *Router
	sup    *fakeSupervisor
	db     *sqlite.DB
	box    *fakeDOSBox
	bus    *events.Bus
	base   string
}

func setupRouter(t *testing.T, basePath string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	base := t.TempDir()
	f := &fixture{
		sup:  &fakeSupervisor{errs: map[int64]error{}},
		db:   db,
		box:  &fakeDOSBox{configs: map[int64]string{}},
		bus:  events.NewBus(8),
		base: base,
	}
	f.router = NewRouter(Options{
		Supervisor: f.sup,
		Games:      db,
		DOSBox:     f.box,
		Paths:      &paths.Resolver{Base: base},
		Events:     f.bus,
		Resources: func() map[int64]metrics.Usage {
			return map[int64]metrics.Usage{
				9: {GameID: 9, PID: 90, CPUPercent: 1.5},
				3: {GameID: 3, PID: 30, MemoryMB: 12},
			}
		},
		Metrics:  true,
		BasePath: basePath,
	})
	f.h = f.router.Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStartAccepted(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodPost, "/api/games/7/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, f.h, http.MethodGet, "/api/running", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[runningResp](t, rec); len(got.IDs) != 1 || got.IDs[0] != 7 {
		t.Fatalf("running = %v", got.IDs)
	}
}

func TestStartErrorStatuses(t *testing.T) {
	f := setupRouter(t, "")
	f.sup.errs[1] = fmt.Errorf("game 1: %w", manager.ErrAlreadyRunning)
	f.sup.errs[2] = fmt.Errorf("game 2: %w", store.ErrNotFound)
	f.sup.errs[3] = &process.StartError{Path: "dosbox", Class: process.ErrExecutableNotFound, Err: errors.New("no such file")}
	f.sup.errs[4] = fmt.Errorf("%w: /opt/dosbox", dosbox.ErrExecutableMissing)

	cases := []struct {
		path string
		code int
		tag  string
	}{
		{"/games/1/start", http.StatusConflict, "already_running"},
		{"/games/2/start", http.StatusNotFound, "not_found"},
		{"/games/3/start", http.StatusInternalServerError, "spawn"},
		{"/games/4/start", http.StatusInternalServerError, "dosbox_missing"},
		{"/games/abc/start", http.StatusBadRequest, "invalid_request"},
	}
	for _, c := range cases {
		rec := doReq(t, f.h, http.MethodPost, c.path, nil)
		if rec.Code != c.code {
			t.Fatalf("%s: expected %d, got %d", c.path, c.code, rec.Code)
		}
		if got := decode[errorResp](t, rec); got.Code != c.tag {
			t.Fatalf("%s: code = %q want %q", c.path, got.Code, c.tag)
		}
	}
}

func TestRunningEmptyIsArray(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.h, http.MethodGet, "/running", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ids":`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestResourcesSorted(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.h, http.MethodGet, "/running/resources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[[]metrics.Usage](t, rec)
	if len(got) != 2 || got[0].GameID != 3 || got[1].GameID != 9 {
		t.Fatalf("usage = %+v", got)
	}
}

func TestGameLifecyclePublishesCatalogChanges(t *testing.T) {
	f := setupRouter(t, "")
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	rec := doReq(t, f.h, http.MethodPost, "/games", gameReq{Title: "Commander Keen", ConfigPath: "games/keen/KEEN.conf"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	g := decode[store.Game](t, rec)
	expectReason(t, ch, ReasonCreate)

	rec = doReq(t, f.h, http.MethodPut, fmt.Sprintf("/games/%d", g.ID), gameReq{Title: "Keen 4", ConfigPath: "games/keen/KEEN4.conf"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	expectReason(t, ch, ReasonUpdate)

	rec = doReq(t, f.h, http.MethodGet, "/games?search=keen", nil)
	games := decode[[]store.Game](t, rec)
	if len(games) != 1 || games[0].Title != "Keen 4" {
		t.Fatalf("search = %+v", games)
	}

	rec = doReq(t, f.h, http.MethodDelete, "/games", deleteReq{IDs: []int64{g.ID}})
	if rec.Code != http.StatusOK || decode[deleteResp](t, rec).Deleted != 1 {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	expectReason(t, ch, ReasonDelete)

	rec = doReq(t, f.h, http.MethodPut, fmt.Sprintf("/games/%d", g.ID), gameReq{Title: "gone", ConfigPath: "x.conf"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update missing: expected 404, got %d", rec.Code)
	}
}

func expectReason(t *testing.T, ch <-chan events.Event, reason string) {
	t.Helper()
	select {
	case e := <-ch:
		cc, ok := e.(events.CatalogChanged)
		if !ok || cc.Reason != reason {
			t.Fatalf("event = %#v want reason %q", e, reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event", reason)
	}
}

func TestCreateGameValidation(t *testing.T) {
	f := setupRouter(t, "")
	cases := []gameReq{
		{Title: "", ConfigPath: "a.conf"},
		{Title: "x", ConfigPath: ""},
		{Title: "x", ConfigPath: "../outside.conf"},
	}
	for _, c := range cases {
		rec := doReq(t, f.h, http.MethodPost, "/games", c)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%+v: expected 400, got %d", c, rec.Code)
		}
	}
}

func TestCreateGameStoresInstallRelativePath(t *testing.T) {
	f := setupRouter(t, "")
	abs := filepath.Join(f.base, "games", "doom", "DOOM.conf")
	rec := doReq(t, f.h, http.MethodPost, "/games", gameReq{Title: "Doom", ConfigPath: abs})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[store.Game](t, rec).ConfigPath; got != "games/doom/DOOM.conf" {
		t.Fatalf("config path = %q", got)
	}
}

func TestDeleteRequiresIDs(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.h, http.MethodDelete, "/games", deleteReq{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGameConfigReadWrite(t *testing.T) {
	f := setupRouter(t, "")
	g, err := f.db.CreateGame(context.Background(), "Lemmings", "lemmings.conf")
	if err != nil {
		t.Fatal(err)
	}
	path := fmt.Sprintf("/games/%d/config", g.ID)

	rec := doReq(t, f.h, http.MethodGet, path, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing config: expected 500, got %d", rec.Code)
	}
	rec = doReq(t, f.h, http.MethodPut, path, configText{Text: "[autoexec]\nLEMMINGS"})
	if rec.Code != http.StatusOK {
		t.Fatalf("write: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, f.h, http.MethodGet, path, nil)
	if got := decode[configText](t, rec).Text; got != "[autoexec]\nLEMMINGS" {
		t.Fatalf("text = %q", got)
	}
	if rec := doReq(t, f.h, http.MethodGet, "/games/999/config", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown game: expected 404, got %d", rec.Code)
	}
}

func TestGenerateConfigAndRelativePath(t *testing.T) {
	f := setupRouter(t, "")
	exe := filepath.Join(f.base, "games", "pop", "PRINCE.EXE")
	rec := doReq(t, f.h, http.MethodPost, "/games/config", generateReq{ExePath: exe})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[pathResp](t, rec); !got.Relative || got.Path != "games/pop/PRINCE.conf" {
		t.Fatalf("generated = %+v", got)
	}
	if rec := doReq(t, f.h, http.MethodPost, "/games/config", generateReq{ExePath: "../x.exe"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal: expected 400, got %d", rec.Code)
	}

	outside := filepath.Join(filepath.Dir(f.base), "elsewhere.conf")
	rec = doReq(t, f.h, http.MethodPost, "/paths/relative", pathReq{Path: outside})
	if got := decode[pathResp](t, rec); got.Relative || got.Path != outside {
		t.Fatalf("outside = %+v", got)
	}
	if rec := doReq(t, f.h, http.MethodPost, "/paths/relative", pathReq{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty: expected 400, got %d", rec.Code)
	}
}

func TestSettings(t *testing.T) {
	f := setupRouter(t, "")
	if rec := doReq(t, f.h, http.MethodPut, "/settings/theme", settingReq{Value: "dark"}); rec.Code != http.StatusOK {
		t.Fatalf("upsert: %d", rec.Code)
	}
	rec := doReq(t, f.h, http.MethodGet, "/settings", nil)
	got := decode[[]store.Setting](t, rec)
	if len(got) != 1 || got[0] != (store.Setting{Key: "theme", Value: "dark"}) {
		t.Fatalf("settings = %+v", got)
	}
}

func TestRunDOSBox(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/dosbox", dosboxReq{Args: []string{"-version"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("run: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(decode[dosboxResp](t, rec).Stdout, "DOSBox") {
		t.Fatalf("stdout: %s", rec.Body.String())
	}
	if len(f.box.lastRun) != 1 || f.box.lastRun[0] != "-version" {
		t.Fatalf("args = %v", f.box.lastRun)
	}

	f.box.runErr = &dosbox.RunError{ExitStatus: "exit status 1", Stderr: "bad option"}
	rec = doReq(t, f.h, http.MethodPost, "/dosbox", dosboxReq{Args: []string{"-nope"}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodGet, "/api/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := setupRouter(t, "")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	if err := f.bus.Publish(ctx, events.RunningSetChanged{IDs: []int64{7}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if name != "" && data != "" {
			break
		}
	}
	if name != events.KindRunningSetChanged {
		t.Fatalf("event name = %q", name)
	}
	if data != `{"ids":[7]}` {
		t.Fatalf("data = %q", data)
	}
}

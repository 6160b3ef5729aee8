package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dosrun/internal/dosbox"
	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/manager"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/registry"
	"github.com/loykin/dosrun/internal/store"
)

// Router provides embeddable HTTP handlers for the game launcher.
// Endpoints (relative to basePath):
//
//	POST   /games/:id/start      launch a game
//	GET    /running              ids of running games
//	GET    /running/resources    last sampled CPU and memory per running game
//	GET    /events               server-sent event stream
//	GET    /games                query: search=...
//	POST   /games                body: {"title","config_path"}
//	PUT    /games/:id            body: {"title","config_path","reset_run_time"}
//	DELETE /games                body: {"ids":[...]}
//	GET    /games/:id/config     DOSBox config text
//	PUT    /games/:id/config     body: {"text"}
//	POST   /games/config         body: {"exe_path"}, writes a starter config
//	POST   /paths/relative       body: {"path"}
//	GET    /settings
//	PUT    /settings/:key        body: {"value"}
//	POST   /dosbox               body: {"args":[...]}
//	GET    /metrics              when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup       Supervisor
	games     Games
	dosbox    DOSBox
	paths     *paths.Resolver
	bus       *events.Bus
	resources func() map[int64]metrics.Usage
	metrics   bool
	basePath  string
	logger    *slog.Logger
}

// Supervisor starts games and reports which are running.
type Supervisor interface {
	Start(ctx context.Context, id int64) error
	ListRunning() ([]int64, error)
}

// Games is the catalog part of the store used by the HTTP API.
type Games interface {
	FindGame(ctx context.Context, id int64) (store.Game, error)
	ListGames(ctx context.Context, search string) ([]store.Game, error)
	CreateGame(ctx context.Context, title, configPath string) (store.Game, error)
	UpdateGame(ctx context.Context, id int64, u store.GameUpdate) error
	DeleteGames(ctx context.Context, ids []int64) (int64, error)
	ListSettings(ctx context.Context) ([]store.Setting, error)
	UpsertSetting(ctx context.Context, s store.Setting) error
}

// DOSBox edits game configs and runs the interpreter for one-off commands.
type DOSBox interface {
	ReadGameConfig(g store.Game) (string, error)
	WriteGameConfig(g store.Game, text string) error
	GenerateGameConfig(exePath string) (string, error)
	Run(ctx context.Context, args ...string) (string, error)
}

type Options struct {
	Supervisor Supervisor
	Games      Games
	DOSBox     DOSBox
	Paths      *paths.Resolver
	Events     *events.Bus
	// Resources returns the latest resource samples; nil disables the endpoint.
	Resources func() map[int64]metrics.Usage
	Metrics   bool
	BasePath  string
	Logger    *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/games, /api/running, ...
func NewRouter(o Options) *Router {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		sup:       o.Supervisor,
		games:     o.Games,
		dosbox:    o.DOSBox,
		paths:     o.Paths,
		bus:       o.Events,
		resources: o.Resources,
		metrics:   o.Metrics,
		basePath:  sanitizeBase(o.BasePath),
		logger:    l,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/games/:id/start", r.handleStart)
	group.GET("/running", r.handleRunning)
	group.GET("/running/resources", r.handleResources)
	group.GET("/events", r.handleEvents)

	group.GET("/games", r.handleListGames)
	group.POST("/games", r.handleCreateGame)
	group.PUT("/games/:id", r.handleUpdateGame)
	group.DELETE("/games", r.handleDeleteGames)
	group.GET("/games/:id/config", r.handleReadConfig)
	group.PUT("/games/:id/config", r.handleWriteConfig)
	group.POST("/games/config", r.handleGenerateConfig)
	group.POST("/paths/relative", r.handleRelativePath)
	group.GET("/settings", r.handleListSettings)
	group.PUT("/settings/:key", r.handleUpsertSetting)
	group.POST("/dosbox", r.handleRunDOSBox)

	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and starts serving r in the background. A bind
// failure is returned to the caller. Stop the server with Shutdown or Close.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events streams for as long as the client listens
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	// Code is a stable machine-readable error class.
	Code string `json:"code,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type runningResp struct {
	IDs []int64 `json:"ids"`
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid game id", Code: "invalid_request"})
		return
	}
	if err := r.sup.Start(c.Request.Context(), id); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleRunning(c *gin.Context) {
	ids, err := r.sup.ListRunning()
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runningResp{IDs: ids})
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled", Code: "not_found"})
		return
	}
	latest := r.resources()
	out := make([]metrics.Usage, 0, len(latest))
	for _, u := range latest {
		out = append(out, u)
	}
	sortUsage(out)
	writeJSON(c, http.StatusOK, out)
}

// writeError maps domain errors onto HTTP statuses.
func (r *Router) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, status, errorResp{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var se *process.StartError
	var re *dosbox.RunError
	switch {
	case errors.Is(err, manager.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrNegativeRunTime):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, paths.ErrResolve):
		return http.StatusInternalServerError, "path"
	case errors.Is(err, dosbox.ErrExecutableMissing):
		return http.StatusInternalServerError, "dosbox_missing"
	case errors.As(err, &se):
		return http.StatusInternalServerError, "spawn"
	case errors.As(err, &re):
		return http.StatusBadGateway, "dosbox_failed"
	case errors.Is(err, registry.ErrPoisoned):
		return http.StatusServiceUnavailable, "registry_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

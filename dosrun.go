// Package dosrun wires the game launcher together: catalog store, DOSBox
// interpreter, supervisor, history sinks and the HTTP API.
package dosrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/dosrun/internal/config"
	"github.com/loykin/dosrun/internal/dosbox"
	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/history"
	hfactory "github.com/loykin/dosrun/internal/history/factory"
	"github.com/loykin/dosrun/internal/manager"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/retention"
	"github.com/loykin/dosrun/internal/server"
	"github.com/loykin/dosrun/internal/store"
	sfactory "github.com/loykin/dosrun/internal/store/factory"
)

type Config = config.Config

// LoadConfig reads a TOML config file; an empty path yields defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App is a fully wired launcher.
type App struct {
	cfg     *Config
	logger  *slog.Logger
	paths   *paths.Resolver
	store   store.Store
	dosbox  *dosbox.Interpreter
	bus     *events.Bus
	manager *manager.Manager
	router  *server.Router

	sinks     []history.Sink
	retention *retention.Job
	sampler   *metrics.ResourceSampler
	http      *http.Server
}

// New builds an App from cfg. Nothing runs in the background until Serve.
func New(ctx context.Context, cfg *Config) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("dosrun: nil config")
	}
	l := cfg.Log.NewSlogger()
	a := &App{cfg: cfg, logger: l, bus: events.NewBus(64)}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	if a.paths, err = paths.NewResolver(cfg.InstallDir); err != nil {
		return nil, err
	}
	l.Info("install directory resolved", "dir", a.paths.Base)

	if a.store, err = sfactory.Open(ctx, cfg.Store.DSN, a.paths); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.dosbox = dosbox.New(a.paths, cfg.DOSBox.Executable, l)
	if a.dosbox.Env, err = cfg.GameEnv(); err != nil {
		return nil, err
	}
	if cfg.DOSBox.EnsureBaseConfig {
		if p, berr := a.dosbox.EnsureBaseConfig(ctx); berr != nil {
			l.Warn("base config unavailable", "error", berr)
		} else {
			l.Debug("base config ready", "path", p)
		}
	}

	a.manager = manager.New(manager.Options{
		Catalog:  a.store,
		Commands: a.dosbox,
		Starter:  process.NewLauncher(cfg.Log, l),
		Events:   a.bus,
		Logger:   l,
	})

	var purgers []history.Purger
	for _, sdsn := range cfg.History.Sinks {
		s, serr := hfactory.NewSinkFromDSN(sdsn)
		if serr != nil {
			return nil, fmt.Errorf("history sink: %w", serr)
		}
		a.sinks = append(a.sinks, s)
		if p, ok := s.(history.Purger); ok {
			purgers = append(purgers, p)
		}
	}
	a.manager.SetHistorySinks(a.sinks...)
	if a.retention, err = retention.New(cfg.History.Retention, purgers, l); err != nil {
		return nil, err
	}

	var resources func() map[int64]metrics.Usage
	if cfg.Metrics.Enabled {
		if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, a.manager.RunningPIDs)
		if err = a.sampler.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		resources = a.sampler.Latest
	}

	a.router = server.NewRouter(server.Options{
		Supervisor: a.manager,
		Games:      a.store,
		DOSBox:     a.dosbox,
		Paths:      a.paths,
		Events:     a.bus,
		Resources:  resources,
		Metrics:    cfg.Metrics.Enabled,
		BasePath:   cfg.Server.BasePath,
		Logger:     l,
	})
	return a, nil
}

// Start launches game id; see manager.Manager.Start.
func (a *App) Start(ctx context.Context, id int64) error { return a.manager.Start(ctx, id) }

// ListRunning returns the ids of running games in ascending order.
func (a *App) ListRunning() ([]int64, error) { return a.manager.ListRunning() }

// Subscribe returns a channel of launcher events and its cancel function.
func (a *App) Subscribe() (<-chan events.Event, func()) { return a.bus.Subscribe() }

// Store exposes the catalog.
func (a *App) Store() store.Store { return a.store }

// Handler returns the HTTP API for embedding in another server.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Serve starts background jobs and the HTTP server on the configured address.
func (a *App) Serve(ctx context.Context) error {
	if err := a.retention.Start(); err != nil {
		return err
	}
	if a.sampler != nil {
		a.sampler.Start(ctx)
	}
	srv, err := server.NewServer(a.cfg.Server.Listen, a.router)
	if err != nil {
		return err
	}
	a.http = srv
	a.logger.Info("http api listening", "addr", srv.Addr, "base_path", a.cfg.Server.BasePath)
	return nil
}

// Addr returns the address the HTTP API is bound to, or "" before Serve.
func (a *App) Addr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr
}

// Close stops the HTTP server and background jobs, waits for running games
// to be booked (or ctx to end) and releases the store and history sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.retention.Stop()
	if a.sampler != nil {
		a.sampler.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("closing while games are still running", "error", ctx.Err())
	}

	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for _, s := range a.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

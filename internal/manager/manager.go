// Package manager supervises running games: it admits at most one launch per
// game, tracks running processes and books their run time when they exit.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/history"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/registry"
	"github.com/loykin/dosrun/internal/store"
)

var (
	ErrAlreadyRunning  = errors.New("game already started")
	ErrRunTimeOverflow = errors.New("run time does not fit the stored counter")
	ErrEntryMissing    = errors.New("running entry missing from registry")
)

// Catalog is the part of the game store the supervisor needs.
type Catalog interface {
	FindGame(ctx context.Context, id int64) (store.Game, error)
	IncrementRunTime(ctx context.Context, id int64, seconds int64) error
}

// CommandBuilder turns a stored game into a launchable command.
type CommandBuilder interface {
	GameCommand(g store.Game) (process.Command, error)
}

// Starter launches a command without waiting for it.
type Starter interface {
	Launch(c process.Command) (process.Handle, error)
}

type Options struct {
	Registry *registry.Registry
	Catalog  Catalog
	Commands CommandBuilder
	Starter  Starter
	Events   events.Sink
	Logger   *slog.Logger
	// Now is the clock used to measure run time; defaults to time.Now.
	Now func() time.Time
}

// Manager starts games and watches them until they exit.
type Manager struct {
	reg      *registry.Registry
	catalog  Catalog
	commands CommandBuilder
	starter  Starter
	events   events.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	histSinks []history.Sink

	wg sync.WaitGroup
}

func New(o Options) *Manager {
	m := &Manager{
		reg:      o.Registry,
		catalog:  o.Catalog,
		commands: o.Commands,
		starter:  o.Starter,
		events:   o.Events,
		logger:   o.Logger,
		now:      o.Now,
	}
	if m.reg == nil {
		m.reg = registry.New()
	}
	if m.events == nil {
		m.events = events.SinkFunc(func(context.Context, events.Event) error { return events.ErrNoSubscribers })
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// Start launches game id unless it is already running. It returns once the
// process has started; the run is finished in the background.
//
// Errors: ErrAlreadyRunning, store.ErrNotFound, paths.ErrResolve,
// dosbox.ErrExecutableMissing, *process.StartError or registry.ErrPoisoned.
func (m *Manager) Start(ctx context.Context, id int64) error {
	admitted, err := m.reg.TryInsert(registry.Entry{GameID: id, Pending: true})
	if err != nil {
		return err
	}
	if !admitted {
		metrics.IncLaunch(metrics.ResultBusy)
		return fmt.Errorf("game %d: %w", id, ErrAlreadyRunning)
	}

	h, err := m.launch(ctx, id)
	if err != nil {
		// The reservation was never visible as running, so nothing is published.
		if _, rerr := m.reg.Remove(id); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if errors.Is(err, store.ErrNotFound) {
			metrics.IncLaunch(metrics.ResultMissing)
		} else {
			metrics.IncLaunch(metrics.ResultFailed)
		}
		m.logger.Warn("game launch failed", "game_id", id, "error", err)
		return err
	}

	entry := registry.Entry{GameID: id, PID: h.PID(), StartedAt: h.StartedAt()}
	pubCtx := context.WithoutCancel(ctx)
	change, err := m.reg.Insert(entry)
	if err != nil {
		// The process runs but cannot be tracked; reap it so it does not linger as a zombie.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			exit := h.Wait()
			m.logger.Warn("untracked game exited", "game_id", id, "pid", entry.PID, "status", exit.Status)
		}()
		m.bookkeepingFailed(pubCtx, id, "track", err)
		return err
	}

	metrics.IncLaunch(metrics.ResultOK)
	metrics.SetRunning(len(change.Keys))
	m.logger.Info("game started", "game_id", id, "pid", entry.PID)
	m.publish(pubCtx, events.RunningSetChanged{IDs: change.Keys})

	m.wg.Add(1)
	go m.watch(entry, h)
	return nil
}

func (m *Manager) launch(ctx context.Context, id int64) (process.Handle, error) {
	g, err := m.catalog.FindGame(ctx, id)
	if err != nil {
		return nil, err
	}
	cmd, err := m.commands.GameCommand(g)
	if err != nil {
		return nil, err
	}
	return m.starter.Launch(cmd)
}

// ListRunning returns the ids of all running games in ascending order.
func (m *Manager) ListRunning() ([]int64, error) {
	return m.reg.Keys()
}

// RunningPIDs maps every running game to its process id.
func (m *Manager) RunningPIDs() map[int64]int {
	entries, err := m.reg.Running()
	if err != nil {
		m.logger.Error("registry unavailable", "error", err)
		return nil
	}
	out := make(map[int64]int, len(entries))
	for _, e := range entries {
		out[e.GameID] = e.PID
	}
	return out
}

// Wait blocks until every started game has exited and been booked.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	err := m.events.Publish(ctx, e)
	switch {
	case err == nil:
	case errors.Is(err, events.ErrSubscriberFull):
		metrics.IncEventDropped(e.Kind())
		m.logger.Warn("event dropped by a slow subscriber", "type", e.Kind(), "error", err)
	case errors.Is(err, events.ErrNoSubscribers):
		m.logger.Debug("event not delivered", "type", e.Kind(), "error", err)
	default:
		m.logger.Error("event publish failed", "type", e.Kind(), "error", err)
	}
}

func (m *Manager) bookkeepingFailed(ctx context.Context, id int64, stage string, err error) {
	metrics.IncBookkeepingFailure(stage)
	m.logger.Error("run bookkeeping failed", "game_id", id, "stage", stage, "error", err)
	m.publish(ctx, events.RunFailed{
		GameID:  id,
		Failure: events.BookkeepingFailed,
		Message: err.Error(),
	})
}

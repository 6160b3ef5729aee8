package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/history"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/store"
)

type fakeCatalog struct {
	mu        sync.Mutex
	games     map[int64]store.Game
	runTime   map[int64]int64
	incrCalls int
	incrErr   error
}

func newCatalog(ids ...int64) *fakeCatalog {
	c := &fakeCatalog{games: make(map[int64]store.Game), runTime: make(map[int64]int64)}
	for _, id := range ids {
		c.games[id] = store.Game{ID: id, Title: fmt.Sprintf("game %d", id), ConfigPath: fmt.Sprintf("games/%d.conf", id)}
	}
	return c
}

func (c *fakeCatalog) FindGame(_ context.Context, id int64) (store.Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.games[id]
	if !ok {
		return store.Game{}, fmt.Errorf("game %d: %w", id, store.ErrNotFound)
	}
	return g, nil
}

func (c *fakeCatalog) IncrementRunTime(_ context.Context, id int64, seconds int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incrCalls++
	if c.incrErr != nil {
		return c.incrErr
	}
	c.runTime[id] += seconds
	return nil
}

func (c *fakeCatalog) total(id int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runTime[id]
}

func (c *fakeCatalog) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrCalls
}

type fakeCommands struct{}

func (fakeCommands) GameCommand(g store.Game) (process.Command, error) {
	return process.Command{Path: "dosbox", Args: []string{g.ConfigPath}, LogName: fmt.Sprintf("game-%d", g.ID)}, nil
}

type fakeHandle struct {
	pid     int
	started time.Time
	exit    chan process.Exit
}

func (h *fakeHandle) PID() int             { return h.pid }
func (h *fakeHandle) StartedAt() time.Time { return h.started }
func (h *fakeHandle) Wait() process.Exit   { return <-h.exit }

// fakeStarter hands out handles whose exit is controlled by the test.
type fakeStarter struct {
	mu       sync.Mutex
	pid      int
	started  time.Time
	err      error
	launched []process.Command
	handles  []*fakeHandle
}

func (s *fakeStarter) Launch(c process.Command) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = append(s.launched, c)
	if s.err != nil {
		return nil, s.err
	}
	h := &fakeHandle{pid: s.pid, started: s.started, exit: make(chan process.Exit, 1)}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeStarter) launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launched)
}

func (s *fakeStarter) finish(i int, e process.Exit) {
	s.mu.Lock()
	h := s.handles[i]
	s.mu.Unlock()
	h.exit <- e
}

// recorder keeps every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sessionSink struct {
	mu       sync.Mutex
	sessions []history.Session
	err      error
}

func (s *sessionSink) Send(_ context.Context, ss history.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, ss)
	return s.err
}

func (s *sessionSink) all() []history.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Session(nil), s.sessions...)
}

func strPtr(s string) *string { return &s }

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Wire names of the event kinds.
const (
	KindRunningSetChanged = "running_games_changed"
	KindCatalogChanged    = "games_changed"
	KindRunFailed         = "run_failed"
)

// Event is one of RunningSetChanged, CatalogChanged or RunFailed.
// The set is closed: the unexported method keeps other packages from adding
// variants, so a type switch over the three is exhaustive.
type Event interface {
	Kind() string
	event()
}

// RunningSetChanged carries the ids of all running games at publication time.
type RunningSetChanged struct {
	IDs []int64 `json:"ids"`
}

// CatalogChanged tells observers that stored games changed and derived views
// (such as total run time) should be refreshed.
type CatalogChanged struct {
	Reason string `json:"reason"`
}

// FailureKind separates a failing game from failing bookkeeping around it.
type FailureKind string

const (
	// ProcessFailed: the game's own process exited with a failure status.
	ProcessFailed FailureKind = "process"
	// BookkeepingFailed: the game ran, but tracking or persisting the run failed.
	BookkeepingFailed FailureKind = "bookkeeping"
)

// RunFailed reports a failed run of GameID.
type RunFailed struct {
	GameID     int64       `json:"game_id"`
	Failure    FailureKind `json:"failure"`
	ExitStatus string      `json:"exit_status,omitempty"`
	Stderr     *string     `json:"stderr"`
	Message    string      `json:"message,omitempty"`
}

func (RunningSetChanged) Kind() string { return KindRunningSetChanged }
func (CatalogChanged) Kind() string    { return KindCatalogChanged }
func (RunFailed) Kind() string         { return KindRunFailed }

func (RunningSetChanged) event() {}
func (CatalogChanged) event()    {}
func (RunFailed) event()         {}

// Marshal encodes e as {"type": <kind>, "data": <payload>}.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}{Type: e.Kind(), Data: e})
}

var (
	// ErrNoSubscribers is returned by Bus.Publish when nobody is listening.
	ErrNoSubscribers = errors.New("events: no subscribers")
	// ErrSubscriberFull is returned by Bus.Publish when at least one
	// subscriber missed the event. The others still received it.
	ErrSubscriberFull = errors.New("events: subscriber buffer full")
)

// Sink receives events. Publish is best-effort: a failed delivery is
// reported to the caller but never retried.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus fans events out to in-process subscribers.
// A subscriber whose buffer is full misses the event rather than blocking
// the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	dropped atomic.Int64
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Bus{subs: make(map[int]chan Event), bufSize: bufSize}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}
	var missed int
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropped.Add(int64(missed))
		return fmt.Errorf("%w: %d of %d subscribers", ErrSubscriberFull, missed, len(b.subs))
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

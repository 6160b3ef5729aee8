package history

import (
	"context"
	"time"
)

// Session is one completed run of a game.
type Session struct {
	GameID     int64     `json:"game_id"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Seconds    int64     `json:"seconds"`
	ExitStatus string    `json:"exit_status"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for finished sessions (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, s Session) error
}

// Purger is implemented by sinks that can drop old sessions.
type Purger interface {
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)
}

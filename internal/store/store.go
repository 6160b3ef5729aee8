package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a game or setting does not exist.
var ErrNotFound = errors.New("not found")

// ErrNegativeRunTime rejects increments that would lower a game's run time.
var ErrNegativeRunTime = errors.New("run time increment must not be negative")

// Game is a launchable DOSBox configuration.
// RunTime is the accumulated play time in seconds.
type Game struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	ConfigPath string `json:"config_path"`
	RunTime    int64  `json:"run_time"`
}

// Setting is a key/value pair of user preferences.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GameUpdate carries the editable fields of a game.
type GameUpdate struct {
	Title        string `json:"title"`
	ConfigPath   string `json:"config_path"`
	ResetRunTime bool   `json:"reset_run_time"`
}

// Store persists the game catalog and settings.
type Store interface {
	EnsureSchema(ctx context.Context) error

	FindGame(ctx context.Context, id int64) (Game, error)
	// IncrementRunTime adds seconds to the stored run time in a single
	// statement, so concurrent writers never lose an update.
	IncrementRunTime(ctx context.Context, id int64, seconds int64) error
	ListGames(ctx context.Context, search string) ([]Game, error)
	CreateGame(ctx context.Context, title, configPath string) (Game, error)
	UpdateGame(ctx context.Context, id int64, u GameUpdate) error
	DeleteGames(ctx context.Context, ids []int64) (int64, error)

	ListSettings(ctx context.Context) ([]Setting, error)
	UpsertSetting(ctx context.Context, s Setting) error

	Close() error
}

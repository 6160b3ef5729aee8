package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Game is a catalog entry as returned by the daemon.
type Game struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	ConfigPath string `json:"config_path"`
	RunTime    int64  `json:"run_time"`
}

// GameRequest creates or updates a game.
type GameRequest struct {
	Title        string `json:"title"`
	ConfigPath   string `json:"config_path"`
	ResetRunTime bool   `json:"reset_run_time,omitempty"`
}

// Setting is a stored key/value preference.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PathResult is a path as the daemon would store it.
type PathResult struct {
	Path     string `json:"path"`
	Relative bool   `json:"relative"`
}

// Usage is the last resource sample of a running game.
type Usage struct {
	GameID     int64     `json:"game_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Event is one server-sent event. Data holds the raw JSON payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes reported by the daemon.
const (
	CodeAlreadyRunning = "already_running"
	CodeNotFound       = "not_found"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

// IsAlreadyRunning reports whether err is a rejected start of a running game.
func IsAlreadyRunning(err error) bool { return hasCode(err, CodeAlreadyRunning) }

// IsNotFound reports whether err refers to an unknown game.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

func hasCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

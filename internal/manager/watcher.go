package manager

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loykin/dosrun/internal/events"
	"github.com/loykin/dosrun/internal/history"
	"github.com/loykin/dosrun/internal/metrics"
	"github.com/loykin/dosrun/internal/process"
	"github.com/loykin/dosrun/internal/registry"
)

// MaxRunSeconds is the largest run time a single session may add.
const MaxRunSeconds = math.MaxInt32

const historyTimeout = 5 * time.Second

// watch waits for the game to exit, removes it from the registry, books the
// elapsed time and reports the outcome. Every step runs even if an earlier
// one failed.
func (m *Manager) watch(entry registry.Entry, h process.Handle) {
	defer m.wg.Done()
	ctx := context.Background()
	id := entry.GameID

	exit := h.Wait()
	ended := m.now()

	seconds, elapsedErr := elapsedSeconds(entry.StartedAt, ended)
	if elapsedErr != nil {
		m.bookkeepingFailed(ctx, id, "elapsed", elapsedErr)
	}

	change, err := m.reg.Remove(id)
	removed := err == nil
	if err != nil {
		m.bookkeepingFailed(ctx, id, "remove", err)
	} else if !change.Existed {
		m.bookkeepingFailed(ctx, id, "remove", fmt.Errorf("game %d: %w", id, ErrEntryMissing))
	}

	if elapsedErr == nil {
		if err := m.catalog.IncrementRunTime(ctx, id, seconds); err != nil {
			m.bookkeepingFailed(ctx, id, "persist", fmt.Errorf("add %ds to game %d: %w", seconds, id, err))
		}
	}

	if removed {
		metrics.SetRunning(len(change.Keys))
		m.publish(ctx, events.RunningSetChanged{IDs: change.Keys})
	}
	m.publish(ctx, events.CatalogChanged{Reason: "run_game"})

	metrics.IncExit(exit.Success)
	if elapsedErr == nil {
		metrics.ObserveRunSeconds(float64(seconds))
	}
	if exit.Success {
		m.logger.Info("game exited", "game_id", id, "pid", entry.PID, "seconds", seconds)
	} else {
		m.logger.Warn("game failed", "game_id", id, "pid", entry.PID, "status", exit.Status, "seconds", seconds)
		m.publish(ctx, events.RunFailed{
			GameID:     id,
			Failure:    events.ProcessFailed,
			ExitStatus: exit.Status,
			Stderr:     exit.Stderr,
		})
	}

	m.recordSession(ctx, entry, ended, seconds, exit)
}

// elapsedSeconds returns the whole seconds between start and end. Clocks that
// step backwards count as zero.
func elapsedSeconds(start, end time.Time) (int64, error) {
	d := end.Sub(start)
	if d < 0 {
		return 0, nil
	}
	s := int64(d / time.Second)
	if s > MaxRunSeconds {
		return 0, fmt.Errorf("%ds: %w", s, ErrRunTimeOverflow)
	}
	return s, nil
}

func (m *Manager) recordSession(ctx context.Context, entry registry.Entry, ended time.Time, seconds int64, exit process.Exit) {
	m.mu.RLock()
	sinks := append([]history.Sink(nil), m.histSinks...)
	m.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	s := history.Session{
		GameID:     entry.GameID,
		PID:        entry.PID,
		StartedAt:  entry.StartedAt,
		EndedAt:    ended,
		Seconds:    seconds,
		ExitStatus: exit.Status,
		Success:    exit.Success,
	}
	if !exit.Success {
		switch {
		case exit.Err != nil:
			s.Error = exit.Err.Error()
		case exit.Stderr != nil:
			s.Error = *exit.Stderr
		}
	}
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	for _, sink := range sinks {
		if err := sink.Send(ctx, s); err != nil {
			m.logger.Warn("history sink failed", "game_id", entry.GameID, "error", err)
		}
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/dosrun/internal/history"
)

// Sink writes sessions to a SQLite database.
type Sink struct {
	db *sql.DB
}

var (
	_ history.Sink   = (*Sink)(nil)
	_ history.Purger = (*Sink)(nil)
)

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS game_sessions(
			game_id INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			seconds INTEGER NOT NULL,
			exit_status TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_ended ON game_sessions(ended_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, ss history.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_sessions(game_id, pid, started_at, ended_at, seconds, exit_status, success, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		ss.GameID, ss.PID, ss.StartedAt.UTC(), ss.EndedAt.UTC(), ss.Seconds, ss.ExitStatus, ss.Success, nullable(ss.Error))
	return err
}

func (s *Sink) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM game_sessions WHERE ended_at < ?;`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sessions returns the sessions recorded for gameID, oldest first.
func (s *Sink) Sessions(ctx context.Context, gameID int64) ([]history.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, pid, started_at, ended_at, seconds, exit_status, success, COALESCE(error, '')
		FROM game_sessions WHERE game_id=? ORDER BY ended_at;`, gameID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]history.Session, 0)
	for rows.Next() {
		var ss history.Session
		if err := rows.Scan(&ss.GameID, &ss.PID, &ss.StartedAt, &ss.EndedAt, &ss.Seconds, &ss.ExitStatus, &ss.Success, &ss.Error); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/dosrun/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			config_path TEXT NOT NULL,
			run_time INTEGER NOT NULL DEFAULT 0 CHECK (run_time >= 0)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_games_title ON games(title);`,
		`CREATE TABLE IF NOT EXISTS settings(
			key TEXT PRIMARY KEY NOT NULL,
			value TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) FindGame(ctx context.Context, id int64) (store.Game, error) {
	var g store.Game
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, config_path, run_time FROM games WHERE id=?;`, id).
		Scan(&g.ID, &g.Title, &g.ConfigPath, &g.RunTime)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Game{}, fmt.Errorf("game %d: %w", id, store.ErrNotFound)
	}
	return g, err
}

func (s *DB) IncrementRunTime(ctx context.Context, id int64, seconds int64) error {
	if seconds < 0 {
		return store.ErrNegativeRunTime
	}
	res, err := s.db.ExecContext(ctx, `UPDATE games SET run_time = run_time + ? WHERE id=?;`, seconds, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *DB) ListGames(ctx context.Context, search string) ([]store.Game, error) {
	q := `SELECT id, title, config_path, run_time FROM games`
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		q += ` WHERE title LIKE '%' || ? || '%'`
		args = append(args, search)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY title, id;`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanGames(rows)
}

func (s *DB) CreateGame(ctx context.Context, title, configPath string) (store.Game, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO games(title, config_path, run_time) VALUES(?, ?, 0);`, title, configPath)
	if err != nil {
		return store.Game{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Game{}, err
	}
	return store.Game{ID: id, Title: title, ConfigPath: configPath}, nil
}

func (s *DB) UpdateGame(ctx context.Context, id int64, u store.GameUpdate) error {
	q := `UPDATE games SET title=?, config_path=? WHERE id=?;`
	if u.ResetRunTime {
		q = `UPDATE games SET title=?, config_path=?, run_time=0 WHERE id=?;`
	}
	res, err := s.db.ExecContext(ctx, q, u.Title, u.ConfigPath, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *DB) DeleteGames(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// #nosec G202 -- only placeholders are concatenated
	res, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id IN (`+marks+`);`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) ListSettings(ctx context.Context) ([]store.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Setting, 0)
	for rows.Next() {
		var st store.Setting
		if err := rows.Scan(&st.Key, &st.Value); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *DB) UpsertSetting(ctx context.Context, st store.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, st.Key, st.Value)
	return err
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("game %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func scanGames(rows *sql.Rows) ([]store.Game, error) {
	out := make([]store.Game, 0)
	for rows.Next() {
		var g store.Game
		if err := rows.Scan(&g.ID, &g.Title, &g.ConfigPath, &g.RunTime); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

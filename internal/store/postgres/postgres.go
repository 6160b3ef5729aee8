package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/dosrun/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx database/sql driver.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games(
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			config_path TEXT NOT NULL,
			run_time BIGINT NOT NULL DEFAULT 0 CHECK (run_time >= 0)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_games_title ON games(title);`,
		`CREATE TABLE IF NOT EXISTS settings(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) FindGame(ctx context.Context, id int64) (store.Game, error) {
	var g store.Game
	err := p.db.QueryRowContext(ctx,
		`SELECT id, title, config_path, run_time FROM games WHERE id=$1`, id).
		Scan(&g.ID, &g.Title, &g.ConfigPath, &g.RunTime)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Game{}, fmt.Errorf("game %d: %w", id, store.ErrNotFound)
	}
	return g, err
}

func (p *DB) IncrementRunTime(ctx context.Context, id int64, seconds int64) error {
	if seconds < 0 {
		return store.ErrNegativeRunTime
	}
	res, err := p.db.ExecContext(ctx, `UPDATE games SET run_time = run_time + $1 WHERE id=$2`, seconds, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (p *DB) ListGames(ctx context.Context, search string) ([]store.Game, error) {
	q := `SELECT id, title, config_path, run_time FROM games`
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		q += ` WHERE title ILIKE '%' || $1 || '%'`
		args = append(args, search)
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY title, id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (p *DB) CreateGame(ctx context.Context, title, configPath string) (store.Game, error) {
	g := store.Game{Title: title, ConfigPath: configPath}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO games(title, config_path, run_time) VALUES($1, $2, 0) RETURNING id`,
		title, configPath).Scan(&g.ID)
	return g, err
}

func (p *DB) UpdateGame(ctx context.Context, id int64, u store.GameUpdate) error {
	q := `UPDATE games SET title=$1, config_path=$2 WHERE id=$3`
	if u.ResetRunTime {
		q = `UPDATE games SET title=$1, config_path=$2, run_time=0 WHERE id=$3`
	}
	res, err := p.db.ExecContext(ctx, q, u.Title, u.ConfigPath, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (p *DB) DeleteGames(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM games WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) ListSettings(ctx context.Context) ([]store.Setting, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
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

func (p *DB) UpsertSetting(ctx context.Context, st store.Setting) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES($1, $2)
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`, st.Key, st.Value)
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

package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/dosrun/internal/history"
)

const DefaultTable = "game_sessions"

// Config selects the ClickHouse server and table. Addr is host:port of the
// native protocol endpoint.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends sessions to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

var _ history.Sink = (*Sink)(nil)

func New(cfg Config) (*Sink, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			game_id Int64,
			pid Int64,
			started_at DateTime64(3),
			ended_at DateTime64(3),
			seconds Int64,
			exit_status String,
			success Bool,
			error String
		) ENGINE = MergeTree()
		ORDER BY (ended_at, game_id)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, ss history.Session) error {
	query := fmt.Sprintf(`INSERT INTO %s (game_id, pid, started_at, ended_at, seconds, exit_status, success, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		ss.GameID,
		int64(ss.PID),
		ss.StartedAt.UTC(),
		ss.EndedAt.UTC(),
		ss.Seconds,
		ss.ExitStatus,
		ss.Success,
		ss.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many sessions are stored for gameID.
func (s *Sink) Count(ctx context.Context, gameID int64) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE game_id = ?", s.table), gameID).Scan(&n)
	return n, err
}

// Package factory opens the game catalog named by the store.dsn setting.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/dosrun/internal/paths"
	"github.com/loykin/dosrun/internal/store"
	pg "github.com/loykin/dosrun/internal/store/postgres"
	sq "github.com/loykin/dosrun/internal/store/sqlite"
)

const sqliteScheme = "sqlite://"

// Open returns a catalog with its schema in place.
//
//   - "" opens db.sqlite in the install directory.
//   - "postgres://..." or "postgresql://..." opens PostgreSQL.
//   - "sqlite://<path>" or a bare path opens SQLite. A relative path is
//     taken from the install directory, ":memory:" stays in memory.
func Open(ctx context.Context, dsn string, r *paths.Resolver) (store.Store, error) {
	s, err := NewFromDSN(dsn, r)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// NewFromDSN selects the store implementation for dsn without touching the
// schema. See Open for the accepted forms.
func NewFromDSN(dsn string, r *paths.Resolver) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, sqliteScheme) {
		d = d[len(sqliteScheme):]
	}
	p, err := sqlitePath(d, r)
	if err != nil {
		return nil, err
	}
	return sq.New(p)
}

func sqlitePath(p string, r *paths.Resolver) (string, error) {
	switch {
	case p == "":
		return r.Database()
	case p == ":memory:" || strings.HasPrefix(p, "file:"):
		return p, nil
	default:
		return r.Resolve(p)
	}
}

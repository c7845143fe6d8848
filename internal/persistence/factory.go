package persistence

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty is in-memory, postgres:// or
// postgresql:// is Postgres through pgx, sqlite:// or file: is SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL)
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	}
}

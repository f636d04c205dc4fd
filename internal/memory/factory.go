package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// NewStore picks the transcript backend from a DSN. An empty DSN keeps
// transcripts in process memory; postgres:// and postgresql:// URLs use pgx.
func NewStore(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("DATABASE_URL scheme %q is not supported", u.Scheme)
	}
}

// Backend names the storage behind s for status reporting.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}

package manifeststore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps manifests in a single table, fronted by a small read
// cache.
type PostgresStore struct {
	db    *sql.DB
	owned bool
	cache *lru.Cache[string, []byte]

	schemaOnce sync.Once
	schemaErr  error
}

// NewPostgres opens dsn with the pgx driver.
func NewPostgres(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping manifest db: %w", err)
	}
	s, err := NewPostgresDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresDB wraps an existing handle. Close leaves db open.
func NewPostgresDB(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	cache, err := lru.New[string, []byte](16)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, cache: cache}, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS bundle_manifests (
    key TEXT PRIMARY KEY,
    content BYTEA NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	if raw, ok := s.cache.Get(key); ok {
		return append([]byte(nil), raw...), true, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	var content []byte
	err = s.db.QueryRowContext(ctx, `SELECT content FROM bundle_manifests WHERE key=$1`, key).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.cache.Add(key, content)
	return append([]byte(nil), content...), true, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, raw []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if raw == nil {
		raw = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO bundle_manifests (key, content, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key)
DO UPDATE SET content=EXCLUDED.content, updated_at=EXCLUDED.updated_at
`, key, raw, time.Now())
	if err != nil {
		s.cache.Remove(key)
		return err
	}
	s.cache.Add(key, append([]byte(nil), raw...))
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

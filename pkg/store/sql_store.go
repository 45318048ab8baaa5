package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// SQLStore implements Store using database/sql, the same way the teacher's
// SQLLedger supports both Postgres and SQLite through the standard driver
// interface (pkg/store/ledger/sql_ledger.go) rather than a bespoke client per
// backend.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-opened *sql.DB. Callers select the driver
// ("postgres" via github.com/lib/pq, or "sqlite" via modernc.org/sqlite).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlStoreSchema = `
CREATE TABLE IF NOT EXISTS kernel_blobs (
	hash TEXT PRIMARY KEY,
	content BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kernel_nodes (
	hash TEXT PRIMARY KEY,
	content BLOB NOT NULL
);
`

// Init creates the backing tables if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlStoreSchema)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) PutBlob(ctx context.Context, b []byte) (canonical.Hash, error) {
	h := canonical.HashBytes(b)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kernel_blobs (hash, content) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`,
		h.String(), b)
	if err != nil {
		return h, fmt.Errorf("store: put blob: %w", err)
	}
	return h, nil
}

func (s *SQLStore) GetBlob(ctx context.Context, h canonical.Hash) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM kernel_blobs WHERE hash = $1`, h.String()).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get blob: %w", err)
	}
	return content, nil
}

func (s *SQLStore) HasBlob(ctx context.Context, h canonical.Hash) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM kernel_blobs WHERE hash = $1)`, h.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has blob: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) PutNode(ctx context.Context, v any) (canonical.Hash, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return canonical.Hash{}, err
	}
	h := canonical.HashBytes(b)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kernel_nodes (hash, content) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`,
		h.String(), b)
	if err != nil {
		return h, fmt.Errorf("store: put node: %w", err)
	}
	return h, nil
}

func (s *SQLStore) GetNode(ctx context.Context, h canonical.Hash, out any) error {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM kernel_nodes WHERE hash = $1`, h.String()).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: get node: %w", err)
	}
	return canonical.Decode(content, out)
}

func (s *SQLStore) HasNode(ctx context.Context, h canonical.Hash) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM kernel_nodes WHERE hash = $1)`, h.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has node: %w", err)
	}
	return exists, nil
}

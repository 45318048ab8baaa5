package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// SQLJournal persists records via database/sql, following the same
// driver-agnostic pattern as pkg/store.SQLStore.
type SQLJournal struct {
	db *sql.DB
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

const sqlJournalSchema = `
CREATE TABLE IF NOT EXISTS kernel_journal (
	seq BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

func (j *SQLJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, sqlJournalSchema); err != nil {
		return fmt.Errorf("journal: init schema: %w", err)
	}
	return nil
}

func (j *SQLJournal) Append(ctx context.Context, kind Kind, v any) (uint64, error) {
	payload, err := canonical.Encode(v)
	if err != nil {
		return 0, fmt.Errorf("journal: encode payload: %w", err)
	}
	payloadHash := canonical.HashBytes(payload)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	var prevHashStr string
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM kernel_journal ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&lastSeq, &prevHashStr); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("journal: read last record: %w", err)
	}

	var prev canonical.Hash
	if prevHashStr != "" {
		prev, err = canonical.ParseHash(prevHashStr)
		if err != nil {
			return 0, fmt.Errorf("journal: parse previous hash: %w", err)
		}
	}
	seq := lastSeq + 1

	hash, err := canonical.HashValue(recordPreimage{
		Seq:          seq,
		Kind:         string(kind),
		PayloadHash:  payloadHash.String(),
		PreviousHash: prev.String(),
	})
	if err != nil {
		return 0, fmt.Errorf("journal: chain hash: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kernel_journal (seq, kind, payload, payload_hash, previous_hash, hash) VALUES ($1, $2, $3, $4, $5, $6)`,
		seq, string(kind), payload, payloadHash.String(), prev.String(), hash.String())
	if err != nil {
		return 0, fmt.Errorf("journal: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: commit: %w", err)
	}
	return seq, nil
}

func (j *SQLJournal) scanRecord(row interface {
	Scan(dest ...any) error
}) (Record, error) {
	var seq uint64
	var kind, payloadHashStr, prevHashStr, hashStr string
	var payload []byte
	if err := row.Scan(&seq, &kind, &payload, &payloadHashStr, &prevHashStr, &hashStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("journal: scan record: %w", err)
	}
	payloadHash, err := canonical.ParseHash(payloadHashStr)
	if err != nil {
		return Record{}, err
	}
	prevHash, err := canonical.ParseHash(prevHashStr)
	if err != nil {
		return Record{}, err
	}
	hash, err := canonical.ParseHash(hashStr)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Seq:          seq,
		Kind:         Kind(kind),
		Payload:      payload,
		PayloadHash:  payloadHash,
		PreviousHash: prevHash,
		Hash:         hash,
	}, nil
}

func (j *SQLJournal) Get(ctx context.Context, seq uint64) (Record, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT seq, kind, payload, payload_hash, previous_hash, hash FROM kernel_journal WHERE seq = $1`, seq)
	return j.scanRecord(row)
}

func (j *SQLJournal) Range(ctx context.Context, start, end uint64) ([]Record, error) {
	if start == 0 || start > end {
		return nil, ErrInvalidRange
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, kind, payload, payload_hash, previous_hash, hash FROM kernel_journal WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("journal: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := j.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: range iterate: %w", err)
	}
	return out, nil
}

func (j *SQLJournal) LastSeq() uint64 {
	var seq uint64
	_ = j.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM kernel_journal`).Scan(&seq)
	return seq
}

func (j *SQLJournal) ChainHash() canonical.Hash {
	var hashStr string
	row := j.db.QueryRow(`SELECT hash FROM kernel_journal ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&hashStr); err != nil {
		return canonical.Hash{}
	}
	h, _ := canonical.ParseHash(hashStr)
	return h
}

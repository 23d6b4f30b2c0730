package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

const manifestSchema = `
CREATE TABLE IF NOT EXISTS execution_manifests (
	seq BIGINT PRIMARY KEY,
	execution_id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	manifest_hash TEXT NOT NULL,
	document TEXT NOT NULL
);
`

// SQLBackend keeps the full manifest as a JSON document next to the columns
// used for lookup.
type SQLBackend struct {
	db *sql.DB
}

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (s *SQLBackend) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, manifestSchema)
	return err
}

func (s *SQLBackend) Put(ctx context.Context, seq int64, m contracts.ExecutionManifest) (string, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_manifests WHERE execution_id = $1`, m.ExecutionID).Scan(&exists)
	if err != nil {
		return "", err
	}
	if exists > 0 {
		return "", fmt.Errorf("%w: %s", ErrExists, m.ExecutionID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_manifests (seq, execution_id, timestamp, manifest_hash, document) VALUES ($1, $2, $3, $4, $5)`,
		seq, m.ExecutionID, contracts.FormatTimestamp(m.Timestamp), m.ManifestHash, string(doc),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert manifest: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("execution_manifests/%d", seq), nil
}

func (s *SQLBackend) Get(ctx context.Context, id string) (contracts.ExecutionManifest, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM execution_manifests WHERE execution_id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ExecutionManifest{}, ErrNotFound
		}
		return contracts.ExecutionManifest{}, err
	}
	var m contracts.ExecutionManifest
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return contracts.ExecutionManifest{}, fmt.Errorf("manifest %s is unreadable: %w", id, err)
	}
	return m, nil
}

func (s *SQLBackend) List(ctx context.Context) ([]contracts.ExecutionManifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id, document FROM execution_manifests ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ExecutionManifest
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var m contracts.ExecutionManifest
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("manifest %s is unreadable: %w", id, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLBackend) Close() error { return nil }

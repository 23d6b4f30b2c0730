package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq BIGINT PRIMARY KEY,
	record_id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	outcome TEXT NOT NULL,
	token_id TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL
);
`

// SQLBackend stores one row per record. It works with SQLite and Postgres.
type SQLBackend struct {
	db *sql.DB
}

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Init creates the table if needed.
func (s *SQLBackend) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

// Append inserts rec inside a transaction; the primary key on seq rejects a
// second writer racing for the same position.
func (s *SQLBackend) Append(ctx context.Context, seq int64, rec contracts.AuditRecord) error {
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO audit_records (seq, record_id, timestamp, action, actor, outcome, token_id, previous_hash, record_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		seq, rec.RecordID, contracts.FormatTimestamp(rec.Timestamp), string(action),
		rec.Actor, string(rec.Outcome), rec.TokenID, rec.PreviousHash, rec.RecordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit record: %w", err)
	}
	return nil
}

func (s *SQLBackend) Load(ctx context.Context) ([]contracts.AuditRecord, error) {
	query := `SELECT record_id, timestamp, action, actor, outcome, token_id, previous_hash, record_hash FROM audit_records ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []contracts.AuditRecord
	for rows.Next() {
		var (
			rec     contracts.AuditRecord
			ts      string
			action  string
			outcome string
		)
		if err := rows.Scan(&rec.RecordID, &ts, &action, &rec.Actor, &outcome, &rec.TokenID, &rec.PreviousHash, &rec.RecordHash); err != nil {
			return records, err
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return records, &CorruptRecordError{Index: len(records), Err: err}
		}
		if err := json.Unmarshal([]byte(action), &rec.Action); err != nil {
			return records, &CorruptRecordError{Index: len(records), Err: err}
		}
		rec.Outcome = contracts.Outcome(outcome)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (s *SQLBackend) Close() error { return nil }

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteAuditSink appends audit records to a local SQLite database. Suitable
// for single-node deployments where the audit trail must survive restarts
// without a message broker.
type SQLiteAuditSink struct {
	db *sql.DB
}

// NewSQLiteAuditSink opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteAuditSink(path string) (*SQLiteAuditSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		run_id     TEXT NOT NULL,
		item_id    TEXT DEFAULT '',
		at         DATETIME NOT NULL,
		payload    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_records(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_records(at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &SQLiteAuditSink{db: db}, nil
}

// Append inserts the record.
func (s *SQLiteAuditSink) Append(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, kind, run_id, item_id, at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.RunID, rec.ItemID, rec.At, string(rec.Payload))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// CountByKind returns record counts per kind for a run.
func (s *SQLiteAuditSink) CountByKind(ctx context.Context, runID string) (map[AuditKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM audit_records WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[AuditKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[AuditKind(kind)] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteAuditSink) Close() error {
	return s.db.Close()
}

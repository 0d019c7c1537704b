package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// DBSink writes audit records to the audit_log table
type DBSink struct {
	db *sql.DB
}

// NewDBSink creates a database-backed audit sink
func NewDBSink(db *sql.DB) *DBSink {
	return &DBSink{db: db}
}

// Emit inserts one audit record
func (s *DBSink) Emit(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (time, request_id, user_id, email, action, resource, provider, decision, reason, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.Time, nullStr(rec.RequestID), rec.UserID, nullStr(rec.Email), rec.Action,
		nullStr(rec.Resource), nullStr(rec.Provider), string(rec.Decision),
		nullStr(rec.Reason), nullStr(rec.IPAddress), nullStr(rec.UserAgent))
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller
func (s *DBSink) Close() error { return nil }

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

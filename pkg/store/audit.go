package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuditLog appends to the audit_log table. Entries are write-only from the
// pipeline's point of view; failures are reported but must not abort the
// operation being audited.
type AuditLog struct {
	db     Querier
	logger zerolog.Logger
	now    func() time.Time
}

func NewAuditLog(db Querier, logger zerolog.Logger) *AuditLog {
	return &AuditLog{
		db:     db,
		logger: logger.With().Str("component", "audit_log").Logger(),
		now:    time.Now,
	}
}

func (a *AuditLog) Append(ctx context.Context, entry AuditEntry) error {
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = a.now().UTC()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_log (table_name, record_id, operation, changed_by, old_values, new_values, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TableName, entry.RecordID, entry.Operation, entry.ChangedBy,
		entry.OldValues, entry.NewValues, entry.ChangedAt)
	if err != nil {
		return fmt.Errorf("appending audit entry for %s/%s: %w", entry.TableName, entry.RecordID, err)
	}
	return nil
}

// TryAppend audits best-effort, logging instead of failing.
func (a *AuditLog) TryAppend(ctx context.Context, entry AuditEntry) {
	if err := a.Append(ctx, entry); err != nil {
		a.logger.Warn().Err(err).
			Str("table", entry.TableName).
			Str("record_id", entry.RecordID).
			Str("operation", entry.Operation).
			Msg("audit append failed")
	}
}

package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Document processing statuses.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusCompleted  = "completed"
	DocStatusFailed     = "failed"
)

// Declared document types.
const (
	DocTypeServiceManual        = "service_manual"
	DocTypePartsCatalog         = "parts_catalog"
	DocTypeTechnicalBulletin    = "technical_bulletin"
	DocTypeUserManual           = "user_manual"
	DocTypeInstallationGuide    = "installation_guide"
	DocTypeTroubleshootingGuide = "troubleshooting_guide"
	DocTypeCPMDDatabase         = "cpmd_database"
)

// Pipeline error record statuses.
const (
	ErrorStatusPending  = "pending"
	ErrorStatusRetrying = "retrying"
	ErrorStatusResolved = "resolved"
	ErrorStatusFailed   = "failed"
)

// JSONMap stores a free-form mapping in a jsonb column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// StringSlice stores a list of strings in a jsonb column.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", src)
	}
}

// Document is the unit of work moving through the pipeline.
type Document struct {
	ID               string         `db:"id"`
	Filename         string         `db:"filename"`
	FileHash         string         `db:"file_hash"`
	FileSizeBytes    int64          `db:"file_size_bytes"`
	DocumentType     string         `db:"document_type"`
	Manufacturer     sql.NullString `db:"manufacturer"`
	Series           sql.NullString `db:"series"`
	Models           StringSlice    `db:"models"`
	Version          sql.NullString `db:"version"`
	Language         sql.NullString `db:"language"`
	ProcessingStatus string         `db:"processing_status"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// StageStatusRow is one row per (document, stage).
type StageStatusRow struct {
	DocumentID      string         `db:"document_id"`
	StageName       string         `db:"stage_name"`
	Status          string         `db:"status"`
	ProgressPercent float64        `db:"progress_percent"`
	Attempt         int            `db:"attempt"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	LastErrorID     sql.NullString `db:"last_error_id"`
}

// PipelineError is the durable error record for one failed stage attempt.
type PipelineError struct {
	ErrorID         string         `db:"error_id"`
	DocumentID      string         `db:"document_id"`
	StageName       string         `db:"stage_name"`
	ErrorType       string         `db:"error_type"`
	ErrorCategory   string         `db:"error_category"`
	ErrorMessage    string         `db:"error_message"`
	StackTrace      string         `db:"stack_trace"`
	Context         JSONMap        `db:"context"`
	RetryCount      int            `db:"retry_count"`
	MaxRetries      int            `db:"max_retries"`
	Status          string         `db:"status"`
	IsTransient     bool           `db:"is_transient"`
	CorrelationID   string         `db:"correlation_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`
	ResolvedAt      sql.NullTime   `db:"resolved_at"`
	ResolvedBy      sql.NullString `db:"resolved_by"`
	ResolutionNotes sql.NullString `db:"resolution_notes"`
}

// AuditEntry is one append-only audit_log row.
type AuditEntry struct {
	TableName string    `db:"table_name"`
	RecordID  string    `db:"record_id"`
	Operation string    `db:"operation"`
	ChangedBy string    `db:"changed_by"`
	OldValues JSONMap   `db:"old_values"`
	NewValues JSONMap   `db:"new_values"`
	ChangedAt time.Time `db:"changed_at"`
}

// Package stages holds the built-in stage processors: the upload stage
// that does the ingest bookkeeping, and delegating processors for the
// stages whose heavy lifting lives in external services.
package stages

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/pipeline"
	"github.com/techdocs/docpipe/pkg/store"
)

// DocumentStore is the slice of the documents repository the upload stage
// needs.
type DocumentStore interface {
	GetByHash(ctx context.Context, fileHash string) (*store.Document, error)
	Insert(ctx context.Context, doc *store.Document) error
	UpdateProcessingStatus(ctx context.Context, id, status string) error
}

// Auditor records document mutations without failing the mutation.
type Auditor interface {
	TryAppend(ctx context.Context, entry store.AuditEntry)
}

// Upload is the first canonical stage. It hashes the source file, detects
// re-uploads of identical content, registers the documents row, and fills
// the processing context for downstream stages. Parsing and OCR happen in
// later stages; upload only does the ingest envelope.
type Upload struct {
	docs           DocumentStore
	audit          Auditor
	logger         zerolog.Logger
	forceReprocess bool
}

func NewUpload(docs DocumentStore, audit Auditor, logger zerolog.Logger, forceReprocess bool) *Upload {
	return &Upload{
		docs:           docs,
		audit:          audit,
		logger:         logger.With().Str("component", "upload_stage").Logger(),
		forceReprocess: forceReprocess,
	}
}

func (u *Upload) Name() string             { return pipeline.StageUpload }
func (u *Upload) RequiredInputs() []string { return []string{"file_path"} }
func (u *Upload) Outputs() []string        { return []string{"file_hash", "file_size"} }

func (u *Upload) ResourceProfile() pipeline.ResourceProfile {
	return pipeline.ResourceProfile{ParallelSafe: true}
}

func (u *Upload) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (pipeline.ProcessingResult, error) {
	if pctx.FilePath == "" {
		return pipeline.ProcessingResult{}, errs.Validation("upload requires a file path")
	}

	fileHash, fileSize, err := hashFile(pctx.FilePath)
	if err != nil {
		return pipeline.ProcessingResult{}, err
	}

	existing, err := u.docs.GetByHash(ctx, fileHash)
	if err != nil {
		return pipeline.ProcessingResult{}, err
	}
	if existing != nil && existing.ID != pctx.DocumentID {
		if !u.forceReprocess {
			return pipeline.ProcessingResult{}, errs.Newf(errs.CategoryValidation,
				"file already ingested as document %s (hash %s)", existing.ID, fileHash)
		}
		u.logger.Warn().
			Str("document_id", pctx.DocumentID).
			Str("duplicate_of", existing.ID).
			Str("file_hash", fileHash).
			Msg("duplicate content accepted, force reprocess enabled")
	}

	if pctx.DocumentID == "" {
		pctx.DocumentID = uuid.NewString()
	}

	doc := &store.Document{
		ID:               pctx.DocumentID,
		Filename:         filepath.Base(pctx.FilePath),
		FileHash:         fileHash,
		FileSizeBytes:    fileSize,
		DocumentType:     pctx.DocumentType,
		ProcessingStatus: store.DocStatusProcessing,
	}
	if pctx.Manufacturer != "" {
		doc.Manufacturer = sql.NullString{String: pctx.Manufacturer, Valid: true}
	}
	if pctx.Series != "" {
		doc.Series = sql.NullString{String: pctx.Series, Valid: true}
	}
	if pctx.Version != "" {
		doc.Version = sql.NullString{String: pctx.Version, Valid: true}
	}
	if pctx.Language != "" {
		doc.Language = sql.NullString{String: pctx.Language, Valid: true}
	}
	if pctx.Model != "" {
		doc.Models = store.StringSlice{pctx.Model}
	}

	if err := u.docs.Insert(ctx, doc); err != nil {
		return pipeline.ProcessingResult{}, err
	}

	u.audit.TryAppend(ctx, store.AuditEntry{
		TableName: "documents",
		RecordID:  doc.ID,
		Operation: "INSERT",
		ChangedBy: "upload_stage",
		NewValues: store.JSONMap{
			"filename":        doc.Filename,
			"file_hash":       doc.FileHash,
			"file_size_bytes": doc.FileSizeBytes,
			"document_type":   doc.DocumentType,
		},
	})

	pctx.FileHash = fileHash
	pctx.FileSize = fileSize

	u.logger.Info().
		Str("document_id", doc.ID).
		Str("file_hash", fileHash).
		Int64("file_size_bytes", fileSize).
		Msg("document registered")

	return pipeline.ProcessingResult{
		Success: true,
		Data: map[string]interface{}{
			"file_hash": fileHash,
			"file_size": fileSize,
		},
	}, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, errs.Newf(errs.CategoryNotFound, "source file %s does not exist", path)
		}
		return "", 0, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing source file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

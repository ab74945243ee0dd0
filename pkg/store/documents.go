package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/techdocs/docpipe/pkg/errs"
)

// Documents is the repository for the documents table.
type Documents struct {
	db  Querier
	now func() time.Time
}

func NewDocuments(db Querier) *Documents {
	return &Documents{db: db, now: time.Now}
}

const documentColumns = `
id, filename, file_hash, file_size_bytes, document_type, manufacturer,
series, models, version, language, processing_status, created_at, updated_at`

func (d *Documents) GetByID(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := d.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.CategoryNotFound, "document %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}
	return &doc, nil
}

// GetByHash finds a previously ingested file by content hash. A nil result
// with nil error means no duplicate exists.
func (d *Documents) GetByHash(ctx context.Context, fileHash string) (*Document, error) {
	var doc Document
	err := d.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE file_hash = $1 ORDER BY created_at DESC LIMIT 1`, fileHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up document by hash: %w", err)
	}
	return &doc, nil
}

func (d *Documents) Insert(ctx context.Context, doc *Document) error {
	now := d.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		doc.ID, doc.Filename, doc.FileHash, doc.FileSizeBytes, doc.DocumentType,
		doc.Manufacturer, doc.Series, doc.Models, doc.Version, doc.Language,
		doc.ProcessingStatus, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

func (d *Documents) UpdateProcessingStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE documents SET processing_status = $1, updated_at = $2 WHERE id = $3`,
		status, d.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating document %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.Newf(errs.CategoryNotFound, "document %s not found", id)
	}
	return nil
}

// UpdateMetadata sets the declared-metadata columns extracted or corrected
// after ingest.
func (d *Documents) UpdateMetadata(ctx context.Context, id string, manufacturer, series, version, language sql.NullString, models StringSlice) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE documents
		 SET manufacturer = $1, series = $2, version = $3, language = $4, models = $5, updated_at = $6
		 WHERE id = $7`,
		manufacturer, series, version, language, models, d.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating document %s metadata: %w", id, err)
	}
	return nil
}

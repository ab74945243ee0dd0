package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techdocs/docpipe/pkg/errs"
)

func documentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "filename", "file_hash", "file_size_bytes", "document_type", "processing_status"})
}

func TestGetByHash(t *testing.T) {
	db, mock := newMockDB(t)
	docs := NewDocuments(db)

	mock.ExpectQuery(`FROM documents WHERE file_hash`).
		WithArgs("abc123").
		WillReturnRows(documentRows().AddRow("doc-1", "manual.pdf", "abc123", 1024, DocTypeServiceManual, DocStatusCompleted))

	doc, err := docs.GetByHash(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "doc-1", doc.ID)

	// No duplicate is a nil result, not an error.
	mock.ExpectQuery(`FROM documents WHERE file_hash`).
		WithArgs("nothere").
		WillReturnRows(documentRows())
	doc, err = docs.GetByHash(context.Background(), "nothere")
	require.NoError(t, err)
	assert.Nil(t, doc)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	docs := NewDocuments(db)

	mock.ExpectQuery(`FROM documents WHERE id`).
		WithArgs("missing").
		WillReturnRows(documentRows())

	_, err := docs.GetByID(context.Background(), "missing")
	require.Error(t, err)

	var coreErr *errs.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, errs.CategoryNotFound, coreErr.Category)
}

func TestUpdateProcessingStatus(t *testing.T) {
	db, mock := newMockDB(t)
	docs := NewDocuments(db)

	mock.ExpectExec(`UPDATE documents SET processing_status`).
		WithArgs(DocStatusProcessing, sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, docs.UpdateProcessingStatus(context.Background(), "doc-1", DocStatusProcessing))

	mock.ExpectExec(`UPDATE documents SET processing_status`).
		WithArgs(DocStatusFailed, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, docs.UpdateProcessingStatus(context.Background(), "ghost", DocStatusFailed))

	assert.NoError(t, mock.ExpectationsWereMet())
}

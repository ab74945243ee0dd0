package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/logging"
	"github.com/techdocs/docpipe/pkg/pipeline"
	"github.com/techdocs/docpipe/pkg/store"
)

type fakeDocs struct {
	byHash   map[string]*store.Document
	inserted []*store.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{byHash: map[string]*store.Document{}}
}

func (f *fakeDocs) GetByHash(_ context.Context, fileHash string) (*store.Document, error) {
	return f.byHash[fileHash], nil
}

func (f *fakeDocs) Insert(_ context.Context, doc *store.Document) error {
	f.inserted = append(f.inserted, doc)
	return nil
}

func (f *fakeDocs) UpdateProcessingStatus(context.Context, string, string) error { return nil }

type fakeAudit struct {
	entries []store.AuditEntry
}

func (f *fakeAudit) TryAppend(_ context.Context, entry store.AuditEntry) {
	f.entries = append(f.entries, entry)
}

func writeTempPDF(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manual.pdf")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestUploadRegistersDocument(t *testing.T) {
	docs := newFakeDocs()
	audit := &fakeAudit{}
	upload := NewUpload(docs, audit, logging.NewTest(), false)

	content := []byte("%PDF-1.7 test payload")
	path := writeTempPDF(t, content)
	pctx := &pipeline.ProcessingContext{
		DocumentID:   "doc-1",
		FilePath:     path,
		DocumentType: store.DocTypeServiceManual,
		Manufacturer: "Acme",
		Model:        "X100",
	}

	result, err := upload.Process(context.Background(), pctx)
	require.NoError(t, err)
	require.True(t, result.Success)

	sum := sha256.Sum256(content)
	wantHash := hex.EncodeToString(sum[:])

	assert.Equal(t, wantHash, pctx.FileHash)
	assert.Equal(t, int64(len(content)), pctx.FileSize)
	assert.Equal(t, wantHash, result.Data["file_hash"])

	require.Len(t, docs.inserted, 1)
	doc := docs.inserted[0]
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "manual.pdf", doc.Filename)
	assert.Equal(t, store.DocStatusProcessing, doc.ProcessingStatus)
	assert.Equal(t, "Acme", doc.Manufacturer.String)
	assert.Equal(t, store.StringSlice{"X100"}, doc.Models)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "documents", audit.entries[0].TableName)
	assert.Equal(t, "INSERT", audit.entries[0].Operation)
	assert.Equal(t, "doc-1", audit.entries[0].RecordID)
}

func TestUploadRejectsDuplicateContent(t *testing.T) {
	docs := newFakeDocs()
	content := []byte("duplicate payload")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	docs.byHash[hash] = &store.Document{ID: "doc-original", FileHash: hash}

	upload := NewUpload(docs, &fakeAudit{}, logging.NewTest(), false)
	path := writeTempPDF(t, content)

	_, err := upload.Process(context.Background(), &pipeline.ProcessingContext{
		DocumentID: "doc-2",
		FilePath:   path,
	})
	require.Error(t, err)

	var coreErr *errs.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, errs.CategoryValidation, coreErr.Category)
	assert.Contains(t, err.Error(), "doc-original")
	assert.Empty(t, docs.inserted)
}

func TestUploadForceReprocessAcceptsDuplicate(t *testing.T) {
	docs := newFakeDocs()
	content := []byte("duplicate payload")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	docs.byHash[hash] = &store.Document{ID: "doc-original", FileHash: hash}

	upload := NewUpload(docs, &fakeAudit{}, logging.NewTest(), true)
	path := writeTempPDF(t, content)

	result, err := upload.Process(context.Background(), &pipeline.ProcessingContext{
		DocumentID: "doc-2",
		FilePath:   path,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, docs.inserted, 1)
	assert.Equal(t, "doc-2", docs.inserted[0].ID)
}

func TestUploadMissingFile(t *testing.T) {
	upload := NewUpload(newFakeDocs(), &fakeAudit{}, logging.NewTest(), false)

	_, err := upload.Process(context.Background(), &pipeline.ProcessingContext{
		DocumentID: "doc-1",
		FilePath:   "/nonexistent/manual.pdf",
	})
	require.Error(t, err)

	var coreErr *errs.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, errs.CategoryNotFound, coreErr.Category)
}

func TestUploadAssignsDocumentID(t *testing.T) {
	docs := newFakeDocs()
	upload := NewUpload(docs, &fakeAudit{}, logging.NewTest(), false)
	path := writeTempPDF(t, []byte("content"))

	pctx := &pipeline.ProcessingContext{FilePath: path}
	_, err := upload.Process(context.Background(), pctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pctx.DocumentID)
}

func TestRegisterExternalsCoversAllStages(t *testing.T) {
	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(NewUpload(newFakeDocs(), &fakeAudit{}, logging.NewTest(), false)))
	require.NoError(t, RegisterExternals(registry, logging.NewTest(), nil))

	assert.Equal(t, pipeline.CanonicalStages(), registry.Names())
}

func TestExternalHandlerOverride(t *testing.T) {
	registry := pipeline.NewRegistry()
	called := false
	handlers := map[string]Handler{
		pipeline.StageEmbedding: func(_ context.Context, pctx *pipeline.ProcessingContext) (map[string]interface{}, error) {
			called = true
			return map[string]interface{}{"vectors": 42}, nil
		},
	}
	require.NoError(t, RegisterExternals(registry, logging.NewTest(), handlers))

	p, ok := registry.Get(pipeline.StageEmbedding)
	require.True(t, ok)

	result, err := p.Process(context.Background(), &pipeline.ProcessingContext{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, result.Success)
	assert.Equal(t, 42, result.Data["vectors"])
}

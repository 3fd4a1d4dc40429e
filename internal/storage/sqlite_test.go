package storage

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newDocument(rel string, content string) *Document {
	return &Document{
		RelativePath: rel,
		ContentHash:  sha256.Sum256([]byte(content)),
		DocumentType: "PDF",
		SizeBytes:    int64(len(content)),
		ModTime:      time.Now().Add(-time.Hour).Truncate(time.Second),
		UnitCount:    3,
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	v, err := SchemaVersion(context.Background(), storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestNewSQLiteStorage_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	first, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, first.UpsertDocument(context.Background(), newDocument("a.pdf", "a")))
	require.NoError(t, first.Close())

	// reopening applies no migrations twice and keeps data
	second, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	doc, err := second.GetDocument(context.Background(), "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", doc.RelativePath)
}

func TestUpsertDocument(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := newDocument("philosophy/plato.pdf", "v1")
	require.NoError(t, storage.UpsertDocument(ctx, doc))
	assert.Greater(t, doc.ID, int64(0))
	firstID := doc.ID

	got, err := storage.GetDocument(ctx, "philosophy/plato.pdf")
	require.NoError(t, err)
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.Equal(t, "PDF", got.DocumentType)
	assert.Equal(t, 3, got.UnitCount)

	// upsert on the same path updates in place
	updated := newDocument("philosophy/plato.pdf", "v2")
	updated.ChunkCount = 12
	require.NoError(t, storage.UpsertDocument(ctx, updated))
	assert.Equal(t, firstID, updated.ID)

	got, err = storage.GetDocument(ctx, "philosophy/plato.pdf")
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum256([]byte("v2")), got.ContentHash)
	assert.Equal(t, 12, got.ChunkCount)

	docs, err := storage.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestGetDocument_NotFound(t *testing.T) {
	storage := setupTestDB(t)
	_, err := storage.GetDocument(context.Background(), "missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDocumentCascadesChunks(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := newDocument("a.epub", "a")
	require.NoError(t, storage.UpsertDocument(ctx, doc))
	require.NoError(t, storage.ReplaceChunks(ctx, doc.ID, []*Chunk{
		{Ordinal: 0, Content: "one", ContentHash: sha256.Sum256([]byte("one"))},
		{Ordinal: 1, Content: "two", ContentHash: sha256.Sum256([]byte("two"))},
	}))

	require.NoError(t, storage.DeleteDocument(ctx, "a.epub"))

	chunks, err := storage.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, storage.DeleteDocument(ctx, "a.epub"), ErrNotFound)
}

func TestReplaceChunks(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := newDocument("b.pdf", "b")
	require.NoError(t, storage.UpsertDocument(ctx, doc))

	first := []*Chunk{
		{Ordinal: 0, UnitNumber: 1, Content: "alpha", TokenCount: 2},
		{Ordinal: 1, UnitNumber: 1, Content: "beta", TokenCount: 1},
		{Ordinal: 2, UnitNumber: 2, Content: "gamma", TokenCount: 2},
	}
	require.NoError(t, storage.ReplaceChunks(ctx, doc.ID, first))
	for _, c := range first {
		assert.Greater(t, c.ID, int64(0))
		assert.Equal(t, doc.ID, c.DocumentID)
	}

	second := []*Chunk{{Ordinal: 0, UnitNumber: 1, Content: "delta"}}
	require.NoError(t, storage.ReplaceChunks(ctx, doc.ID, second))

	chunks, err := storage.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "delta", chunks[0].Content)
}

func TestTransactionRollback(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)

	doc := newDocument("c.docx", "c")
	require.NoError(t, tx.UpsertDocument(ctx, doc))
	require.NoError(t, tx.ReplaceChunks(ctx, doc.ID, []*Chunk{{Ordinal: 0, Content: "x"}}))

	got, err := tx.GetDocument(ctx, "c.docx")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	require.NoError(t, tx.Rollback())

	_, err = storage.GetDocument(ctx, "c.docx")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tx.BeginTx(ctx)
	assert.Error(t, err)
}

func TestTransactionCommit(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	doc := newDocument("d.pdf", "d")
	require.NoError(t, tx.UpsertDocument(ctx, doc))
	require.NoError(t, tx.Commit())

	_, err = storage.GetDocument(ctx, "d.pdf")
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	stats, err := storage.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Nil(t, stats.LastIndexedAt)

	pdf := newDocument("a.pdf", "aaaa")
	epub := newDocument("b.epub", "bb")
	epub.DocumentType = "EPUB Book"
	require.NoError(t, storage.UpsertDocument(ctx, pdf))
	require.NoError(t, storage.UpsertDocument(ctx, epub))
	require.NoError(t, storage.ReplaceChunks(ctx, pdf.ID, []*Chunk{{Ordinal: 0, Content: "x"}, {Ordinal: 1, Content: "y"}}))

	stats, err = storage.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, int64(6), stats.TotalBytes)
	assert.Equal(t, map[string]int{"PDF": 1, "EPUB Book": 1}, stats.ByType)
	assert.NotNil(t, stats.LastIndexedAt)
}

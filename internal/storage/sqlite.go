package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets status readers run while an indexing run writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Document operations

const documentColumns = `
	id, relative_path, content_hash, document_type, size_bytes, mod_time,
	unit_count, chunk_count, indexed_at, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(sc scanner) (*Document, error) {
	var doc Document
	var hash []byte
	var modTime sql.NullTime
	err := sc.Scan(
		&doc.ID, &doc.RelativePath, &hash, &doc.DocumentType, &doc.SizeBytes, &modTime,
		&doc.UnitCount, &doc.ChunkCount, &doc.IndexedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	copy(doc.ContentHash[:], hash)
	if modTime.Valid {
		doc.ModTime = modTime.Time
	}
	return &doc, nil
}

// upsertDocumentWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertDocumentWithQuerier(ctx context.Context, q querier, doc *Document) error {
	query := `
		INSERT INTO documents (relative_path, content_hash, document_type, size_bytes, mod_time,
		                       unit_count, chunk_count, indexed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relative_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			document_type = excluded.document_type,
			size_bytes = excluded.size_bytes,
			mod_time = excluded.mod_time,
			unit_count = excluded.unit_count,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = now
	}
	err := q.QueryRowContext(ctx, query,
		doc.RelativePath, doc.ContentHash[:], doc.DocumentType, doc.SizeBytes, doc.ModTime,
		doc.UnitCount, doc.ChunkCount, doc.IndexedAt, now, now).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	doc.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertDocument(ctx context.Context, doc *Document) error {
	return s.upsertDocumentWithQuerier(ctx, s.querier(), doc)
}

// getDocumentWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getDocumentWithQuerier(ctx context.Context, q querier, relPath string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE relative_path = ?`
	doc, err := scanDocument(q.QueryRowContext(ctx, query, relPath))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteStorage) GetDocument(ctx context.Context, relPath string) (*Document, error) {
	return s.getDocumentWithQuerier(ctx, s.querier(), relPath)
}

// listDocumentsWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) listDocumentsWithQuerier(ctx context.Context, q querier) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY relative_path`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	docs := make([]*Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStorage) ListDocuments(ctx context.Context) ([]*Document, error) {
	return s.listDocumentsWithQuerier(ctx, s.querier())
}

// deleteDocumentWithQuerier removes a document; its chunks go with it via ON DELETE CASCADE
func (s *SQLiteStorage) deleteDocumentWithQuerier(ctx context.Context, q querier, relPath string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM documents WHERE relative_path = ?`, relPath)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteDocument(ctx context.Context, relPath string) error {
	return s.deleteDocumentWithQuerier(ctx, s.querier(), relPath)
}

// Chunk operations

// replaceChunksWithQuerier drops every chunk of the document and inserts the new set
func (s *SQLiteStorage) replaceChunksWithQuerier(ctx context.Context, q querier, documentID int64, chunks []*Chunk) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	query := `
		INSERT INTO chunks (document_id, ordinal, unit_number, content, content_hash, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	now := time.Now()
	for _, chunk := range chunks {
		chunk.DocumentID = documentID
		err := q.QueryRowContext(ctx, query,
			documentID, chunk.Ordinal, chunk.UnitNumber, chunk.Content,
			chunk.ContentHash[:], chunk.TokenCount, now).Scan(&chunk.ID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.Ordinal, err)
		}
		chunk.CreatedAt = now
	}
	return nil
}

func (s *SQLiteStorage) ReplaceChunks(ctx context.Context, documentID int64, chunks []*Chunk) error {
	return s.replaceChunksWithQuerier(ctx, s.querier(), documentID, chunks)
}

// listChunksWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) listChunksWithQuerier(ctx context.Context, q querier, documentID int64) ([]*Chunk, error) {
	query := `
		SELECT id, document_id, ordinal, unit_number, content, content_hash, token_count, created_at
		FROM chunks
		WHERE document_id = ?
		ORDER BY ordinal
	`
	rows, err := q.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*Chunk, 0)
	for rows.Next() {
		var chunk Chunk
		var hash []byte
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Ordinal, &chunk.UnitNumber,
			&chunk.Content, &hash, &chunk.TokenCount, &chunk.CreatedAt); err != nil {
			return nil, err
		}
		copy(chunk.ContentHash[:], hash)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) ListChunks(ctx context.Context, documentID int64) ([]*Chunk, error) {
	return s.listChunksWithQuerier(ctx, s.querier(), documentID)
}

// Status operations

func (s *SQLiteStorage) getStatsWithQuerier(ctx context.Context, q querier) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}

	var totalBytes sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*), SUM(size_bytes) FROM documents").Scan(&stats.Documents, &totalBytes)
	if err != nil {
		return nil, err
	}
	stats.TotalBytes = totalBytes.Int64

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.Chunks); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, "SELECT document_type, COUNT(*) FROM documents GROUP BY document_type")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var docType string
		var n int
		if err := rows.Scan(&docType, &n); err != nil {
			return nil, err
		}
		stats.ByType[docType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Documents > 0 {
		var last time.Time
		err := q.QueryRowContext(ctx, "SELECT indexed_at FROM documents ORDER BY indexed_at DESC LIMIT 1").Scan(&last)
		if err != nil {
			return nil, err
		}
		stats.LastIndexedAt = &last
	}

	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return stats, nil
}

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	return s.getStatsWithQuerier(ctx, s.querier())
}

// Transaction implementations route every call through the tx querier

func (t *sqliteTx) UpsertDocument(ctx context.Context, doc *Document) error {
	return t.storage.upsertDocumentWithQuerier(ctx, t.querier(), doc)
}

func (t *sqliteTx) GetDocument(ctx context.Context, relPath string) (*Document, error) {
	return t.storage.getDocumentWithQuerier(ctx, t.querier(), relPath)
}

func (t *sqliteTx) ListDocuments(ctx context.Context) ([]*Document, error) {
	return t.storage.listDocumentsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DeleteDocument(ctx context.Context, relPath string) error {
	return t.storage.deleteDocumentWithQuerier(ctx, t.querier(), relPath)
}

func (t *sqliteTx) ReplaceChunks(ctx context.Context, documentID int64, chunks []*Chunk) error {
	return t.storage.replaceChunksWithQuerier(ctx, t.querier(), documentID, chunks)
}

func (t *sqliteTx) ListChunks(ctx context.Context, documentID int64) ([]*Chunk, error) {
	return t.storage.listChunksWithQuerier(ctx, t.querier(), documentID)
}

func (t *sqliteTx) GetStats(ctx context.Context) (*Stats, error) {
	return t.storage.getStatsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}

package storage

import (
	"context"
	"time"
)

// Storage defines the interface for persisting the document index
type Storage interface {
	// Document operations
	UpsertDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, relPath string) (*Document, error)
	ListDocuments(ctx context.Context) ([]*Document, error)
	DeleteDocument(ctx context.Context, relPath string) error

	// Chunk operations
	ReplaceChunks(ctx context.Context, documentID int64, chunks []*Chunk) error
	ListChunks(ctx context.Context, documentID int64) ([]*Chunk, error)

	// Status operations
	GetStats(ctx context.Context) (*Stats, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Storage
	Commit() error
	Rollback() error
}

// Document is the index entry for one source document
type Document struct {
	ID           int64
	RelativePath string
	ContentHash  [32]byte
	DocumentType string
	SizeBytes    int64
	ModTime      time.Time
	UnitCount    int
	ChunkCount   int
	IndexedAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is a stored slice of document text
type Chunk struct {
	ID          int64
	DocumentID  int64
	Ordinal     int
	UnitNumber  int
	Content     string
	ContentHash [32]byte
	TokenCount  int
	CreatedAt   time.Time
}

// Stats summarizes the index
type Stats struct {
	Documents     int
	Chunks        int
	TotalBytes    int64
	ByType        map[string]int
	LastIndexedAt *time.Time
	IndexSizeMB   float64
}

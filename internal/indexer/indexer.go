package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/librarian/internal/chunker"
	"github.com/dshills/librarian/internal/loader"
	"github.com/dshills/librarian/internal/status"
	"github.com/dshills/librarian/internal/storage"
	"github.com/dshills/librarian/internal/supervisor"
)

const (
	// DefaultMaxFileSizeMB is the largest document accepted for indexing.
	DefaultMaxFileSizeMB = 500

	// DefaultRescaleInterval is how often sync hashing asks the Scaler
	// whether to grow or shrink its pool. Each question samples host CPU.
	DefaultRescaleInterval = 10 * time.Second
)

// ErrTooLarge is returned for documents over the size limit
var ErrTooLarge = errors.New("file too large")

// Document is a file under the books directory that may need indexing
type Document struct {
	Path         string
	RelativePath string
	Size         int64
}

// Runner executes one extraction job
type Runner interface {
	Run(ctx context.Context, job supervisor.JobSpec) (*supervisor.Result, error)
}

// Repairer rewrites a damaged document in place and returns the backup path
type Repairer interface {
	Repair(ctx context.Context, path, relPath string) (string, error)
}

// Scaler sizes the hashing worker pool
type Scaler interface {
	OptimalWorkers() int
	ShouldScaleUp(current, queueDepth int) bool
	ShouldScaleDown(current int) bool
}

// Config contains configuration for the indexer
type Config struct {
	BooksDir      string
	OriginalsDir  string // never indexed
	ExportPath    string // book_index.json, empty to disable
	MaxFileSizeMB int64  // default: 500
}

// Indexer owns the set of index entries and turns documents into chunks
type Indexer struct {
	cfg      Config
	storage  storage.Storage
	runner   Runner
	status   *status.Store
	chunker  *chunker.Chunker
	repairer Repairer
	scaler   Scaler
	rescale  time.Duration
	supports func(path string) bool
	logger   *slog.Logger
}

// Option configures an Indexer
type Option func(*Indexer)

// WithRepairer enables the one-shot PDF repair path
func WithRepairer(r Repairer) Option {
	return func(idx *Indexer) { idx.repairer = r }
}

// WithScaler sizes sync hashing from host load
func WithScaler(s Scaler) Option {
	return func(idx *Indexer) { idx.scaler = s }
}

// WithRescaleInterval overrides DefaultRescaleInterval. Zero re-evaluates
// after every wave.
func WithRescaleInterval(d time.Duration) Option {
	return func(idx *Indexer) {
		if d >= 0 {
			idx.rescale = d
		}
	}
}

// WithChunker replaces the default chunker
func WithChunker(c *chunker.Chunker) Option {
	return func(idx *Indexer) { idx.chunker = c }
}

// WithMatcher decides which files are documents
func WithMatcher(supports func(path string) bool) Option {
	return func(idx *Indexer) { idx.supports = supports }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(idx *Indexer) { idx.logger = l }
}

// New creates a new Indexer instance
func New(cfg Config, store storage.Storage, runner Runner, st *status.Store, opts ...Option) *Indexer {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	idx := &Indexer{
		cfg:      cfg,
		storage:  store,
		runner:   runner,
		status:   st,
		chunker:  chunker.New(),
		rescale:  DefaultRescaleInterval,
		supports: hasDocumentExtension,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func hasDocumentExtension(path string) bool {
	return slices.Contains(loader.DefaultExtensions, strings.ToLower(filepath.Ext(path)))
}

// BooksDir returns the document root
func (idx *Indexer) BooksDir() string {
	return idx.cfg.BooksDir
}

// Supports reports whether path is an indexable document. Files inside the
// originals directory never are.
func (idx *Indexer) Supports(path string) bool {
	if idx.inOriginals(path) {
		return false
	}
	return idx.supports(path)
}

func (idx *Indexer) inOriginals(path string) bool {
	if idx.cfg.OriginalsDir == "" {
		return false
	}
	rel, err := filepath.Rel(idx.cfg.OriginalsDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Skip reports whether a directory is excluded from walking and watching
func (idx *Indexer) Skip(dir string) bool {
	if dir == idx.cfg.BooksDir {
		return false
	}
	return strings.HasPrefix(filepath.Base(dir), ".") || idx.inOriginals(dir)
}

// Rel returns path relative to the books directory
func (idx *Indexer) Rel(path string) (string, error) {
	rel, err := filepath.Rel(idx.cfg.BooksDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Document builds a Document for path
func (idx *Indexer) Document(path string) (Document, error) {
	rel, err := idx.Rel(path)
	if err != nil {
		return Document{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	return Document{Path: path, RelativePath: rel, Size: info.Size()}, nil
}

// Hash computes the SHA-256 of a file
func (idx *Indexer) Hash(path string) ([32]byte, error) {
	hash, _, _, err := computeFileHash(path)
	return hash, err
}

// Lookup returns the index entry for relPath, or nil when it is not indexed
func (idx *Indexer) Lookup(ctx context.Context, relPath string) (*storage.Document, error) {
	doc, err := idx.storage.GetDocument(ctx, relPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

// Upsert stores an index entry and its chunks in one transaction
func (idx *Indexer) Upsert(ctx context.Context, relPath string, entry *storage.Document, chunks []*chunker.Chunk) error {
	entry.RelativePath = relPath
	entry.ChunkCount = len(chunks)

	tx, err := idx.storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.UpsertDocument(ctx, entry); err != nil {
		return err
	}

	stored := make([]*storage.Chunk, 0, len(chunks))
	for _, c := range chunks {
		stored = append(stored, &storage.Chunk{
			Ordinal:     c.Ordinal,
			UnitNumber:  c.UnitNumber,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
		})
	}
	if err := tx.ReplaceChunks(ctx, entry.ID, stored); err != nil {
		return fmt.Errorf("failed to store chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	idx.export(ctx)
	return nil
}

// Remove deletes the index entry for relPath. It reports whether an entry
// existed.
func (idx *Indexer) Remove(ctx context.Context, relPath string) (bool, error) {
	err := idx.storage.DeleteDocument(ctx, relPath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := idx.status.ClearFailure(relPath); err != nil {
		idx.logger.Warn("failed to clear failure record", "file", relPath, "error", err)
	}
	idx.export(ctx)
	return true, nil
}

// RemoveMissing drops entries whose file no longer exists
func (idx *Indexer) RemoveMissing(ctx context.Context) ([]string, error) {
	docs, err := idx.storage.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, doc := range docs {
		path := filepath.Join(idx.cfg.BooksDir, filepath.FromSlash(doc.RelativePath))
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		ok, err := idx.Remove(ctx, doc.RelativePath)
		if err != nil {
			return removed, err
		}
		if ok {
			idx.logger.Info("removed missing document", "file", doc.RelativePath)
			removed = append(removed, doc.RelativePath)
		}
	}
	return removed, nil
}

// Walk lists every document under the books directory in lexical order
func (idx *Indexer) Walk() ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(idx.cfg.BooksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if idx.Skip(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !idx.Supports(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := idx.Rel(path)
		if err != nil {
			return err
		}
		docs = append(docs, Document{Path: path, RelativePath: rel, Size: info.Size()})
		return nil
	})
	return docs, err
}

// FindNewOrModified returns documents that are not indexed or whose content
// hash changed, in walk order
func (idx *Indexer) FindNewOrModified(ctx context.Context) ([]Document, error) {
	docs, err := idx.Walk()
	if err != nil {
		return nil, fmt.Errorf("failed to discover documents: %w", err)
	}

	hashes, err := idx.hashAll(ctx, docs)
	if err != nil {
		return nil, err
	}

	var changed []Document
	for i, doc := range docs {
		if hashes[i] == nil {
			continue
		}
		entry, err := idx.Lookup(ctx, doc.RelativePath)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.ContentHash != *hashes[i] {
			changed = append(changed, doc)
		}
	}
	return changed, nil
}

// hashAll hashes docs in waves. The pool size is re-evaluated between waves.
// Unreadable files get a nil hash.
func (idx *Indexer) hashAll(ctx context.Context, docs []Document) ([]*[32]byte, error) {
	hashes := make([]*[32]byte, len(docs))

	workers := 1
	if idx.scaler != nil {
		workers = idx.scaler.OptimalWorkers()
	}
	lastScaled := time.Now()

	for next := 0; next < len(docs); {
		end := min(next+workers*4, len(docs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := next; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				hash, err := idx.Hash(docs[i].Path)
				if err != nil {
					idx.logger.Warn("failed to hash document", "file", docs[i].RelativePath, "error", err)
					return nil
				}
				hashes[i] = &hash
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		next = end

		if idx.scaler == nil || time.Since(lastScaled) < idx.rescale {
			continue
		}
		lastScaled = time.Now()
		switch {
		case idx.scaler.ShouldScaleUp(workers, len(docs)-next):
			workers++
		case idx.scaler.ShouldScaleDown(workers):
			workers--
		}
	}
	return hashes, nil
}

// ProcessDocument extracts, chunks and stores one document. Failures are
// recorded in the status store and returned.
func (idx *Indexer) ProcessDocument(ctx context.Context, doc Document) error {
	log := idx.logger.With("file", doc.RelativePath)

	if sizeMB := float64(doc.Size) / (1 << 20); sizeMB > float64(idx.cfg.MaxFileSizeMB) {
		err := fmt.Errorf("%w: %.1f MB", ErrTooLarge, sizeMB)
		idx.recordFailure(doc, err, false)
		return err
	}

	res, err := idx.runner.Run(ctx, supervisor.NewJobSpec(doc.Path, doc.RelativePath, doc.Size))
	if err != nil {
		log.Warn("extraction failed", "error", err)
		if res, err = idx.handleFailure(ctx, doc, err); err != nil {
			return err
		}
	}

	idx.progress(doc, status.StageChunking, len(res.Units), 0)
	chunks, err := idx.chunker.ChunkUnits(res.Units)
	if err != nil {
		idx.recordFailure(doc, err, false)
		return err
	}
	if len(chunks) == 0 {
		idx.recordFailure(doc, loader.ErrNoContent, false)
		return loader.ErrNoContent
	}

	hash, modTime, size, err := computeFileHash(doc.Path)
	if err != nil {
		idx.recordFailure(doc, err, false)
		return fmt.Errorf("failed to hash %s: %w", doc.RelativePath, err)
	}

	entry := &storage.Document{
		ContentHash:  hash,
		DocumentType: loader.DocumentType(doc.Path),
		SizeBytes:    size,
		ModTime:      modTime,
		UnitCount:    len(res.Units),
		IndexedAt:    time.Now(),
	}
	if err := idx.Upsert(ctx, doc.RelativePath, entry, chunks); err != nil {
		idx.recordFailure(doc, err, false)
		return err
	}

	if _, err := idx.status.ClearFailure(doc.RelativePath); err != nil {
		log.Warn("failed to clear failure record", "error", err)
	}
	idx.progress(doc, status.StageCompleted, len(res.Units), len(chunks))

	log.Info("document indexed", "units", len(res.Units), "chunks", len(chunks),
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return nil
}

// handleFailure repairs a failed PDF once and retries it. Anything else is
// recorded as failed.
func (idx *Indexer) handleFailure(ctx context.Context, doc Document, jobErr error) (*supervisor.Result, error) {
	if !idx.repairable(doc, jobErr) {
		idx.recordFailure(doc, jobErr, false)
		return nil, jobErr
	}

	if rec, ok := idx.status.Failure(doc.RelativePath); ok && rec.Cleaned {
		idx.logger.Info("document already cleaned, not repairing again", "file", doc.RelativePath)
		idx.recordFailure(doc, jobErr, true)
		return nil, jobErr
	}

	backup, err := idx.repairer.Repair(ctx, doc.Path, doc.RelativePath)
	if err != nil {
		idx.logger.Warn("repair failed", "file", doc.RelativePath, "error", err)
		idx.recordFailure(doc, jobErr, false)
		return nil, jobErr
	}
	if err := idx.status.MarkCleaned(doc.RelativePath, backup); err != nil {
		idx.logger.Warn("failed to mark document cleaned", "file", doc.RelativePath, "error", err)
	}

	if info, err := os.Stat(doc.Path); err == nil {
		doc.Size = info.Size()
	}
	res, err := idx.runner.Run(ctx, supervisor.NewJobSpec(doc.Path, doc.RelativePath, doc.Size))
	if err != nil {
		idx.logger.Warn("retry after repair failed", "file", doc.RelativePath, "error", err)
		idx.recordFailure(doc, err, true)
		return nil, err
	}
	return res, nil
}

func (idx *Indexer) repairable(doc Document, err error) bool {
	if idx.repairer == nil || !loader.IsPDF(doc.Path) {
		return false
	}
	var jobErr *supervisor.JobError
	if !errors.As(err, &jobErr) {
		return false
	}
	switch jobErr.Kind {
	case supervisor.KindLoader, supervisor.KindTimeout, supervisor.KindStalled:
		return true
	}
	return false
}

// recordFailure also drops the job's progress snapshot so a killed worker's
// last reading does not outlive it.
func (idx *Indexer) recordFailure(doc Document, err error, cleaned bool) {
	if _, rerr := idx.status.RecordFailure(doc.RelativePath, err.Error(), cleaned, doc.Size); rerr != nil {
		idx.logger.Warn("failed to record failure", "file", doc.RelativePath, "error", rerr)
	}
	if cerr := idx.status.ClearProgress(); cerr != nil {
		idx.logger.Warn("failed to clear progress", "error", cerr)
	}
}

func (idx *Indexer) progress(doc Document, stage status.Stage, units, chunks int) {
	err := idx.status.UpdateProgress(status.Progress{
		Stage:           stage,
		CurrentFile:     doc.RelativePath,
		CurrentUnit:     units,
		TotalUnits:      units,
		ChunksGenerated: chunks,
	})
	if err != nil {
		idx.logger.Warn("failed to write progress", "error", err)
	}
}

// RetryResult summarizes a retry of failed documents
type RetryResult struct {
	Retried   int
	Succeeded int
	Skipped   int
	Missing   []string
}

// RetryFailed re-processes failed documents with fewer than maxRetries
// attempts. Records whose file is gone are cleared.
func (idx *Indexer) RetryFailed(ctx context.Context, maxRetries int) (*RetryResult, error) {
	failures, err := idx.status.ListFailures()
	if err != nil {
		return nil, err
	}

	res := &RetryResult{}
	for _, rec := range failures {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if rec.Attempts >= maxRetries {
			res.Skipped++
			continue
		}
		path := filepath.Join(idx.cfg.BooksDir, filepath.FromSlash(rec.RelativePath))
		doc, err := idx.Document(path)
		if errors.Is(err, fs.ErrNotExist) {
			res.Missing = append(res.Missing, rec.RelativePath)
			_, _ = idx.status.ClearFailure(rec.RelativePath)
			continue
		}
		if err != nil {
			return res, err
		}

		res.Retried++
		if err := idx.ProcessDocument(ctx, doc); err == nil {
			res.Succeeded++
		}
	}
	return res, nil
}

// LibraryStats summarizes the index and failure records
type LibraryStats struct {
	Documents     int            `json:"total_documents"`
	Chunks        int            `json:"total_chunks"`
	TotalMB       float64        `json:"total_size_mb"`
	IndexSizeMB   float64        `json:"index_size_mb"`
	ByType        map[string]int `json:"document_types"`
	Failed        int            `json:"failed_documents"`
	Cleaned       int            `json:"cleaned_documents"`
	LastIndexedAt *time.Time     `json:"last_indexed_at,omitempty"`
}

// Stats returns library statistics
func (idx *Indexer) Stats(ctx context.Context) (*LibraryStats, error) {
	st, err := idx.storage.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := idx.status.ListFailures()
	if err != nil {
		return nil, err
	}

	stats := &LibraryStats{
		Documents:     st.Documents,
		Chunks:        st.Chunks,
		TotalMB:       float64(st.TotalBytes) / (1 << 20),
		IndexSizeMB:   st.IndexSizeMB,
		ByType:        st.ByType,
		Failed:        len(failures),
		LastIndexedAt: st.LastIndexedAt,
	}
	for _, rec := range failures {
		if rec.Cleaned {
			stats.Cleaned++
		}
	}
	return stats, nil
}

// exportEntry is one document in book_index.json
type exportEntry struct {
	Hash         string    `json:"hash"`
	Chunks       int       `json:"chunks"`
	Pages        int       `json:"pages"`
	DocumentType string    `json:"document_type"`
	SizeBytes    int64     `json:"size_bytes"`
	IndexedAt    time.Time `json:"indexed_at"`
}

// Export rewrites the JSON snapshot of the index
func (idx *Indexer) Export(ctx context.Context) error {
	if idx.cfg.ExportPath == "" {
		return nil
	}
	docs, err := idx.storage.ListDocuments(ctx)
	if err != nil {
		return err
	}
	out := make(map[string]exportEntry, len(docs))
	for _, doc := range docs {
		out[doc.RelativePath] = exportEntry{
			Hash:         hex.EncodeToString(doc.ContentHash[:]),
			Chunks:       doc.ChunkCount,
			Pages:        doc.UnitCount,
			DocumentType: doc.DocumentType,
			SizeBytes:    doc.SizeBytes,
			IndexedAt:    doc.IndexedAt,
		}
	}
	return status.WriteJSON(idx.cfg.ExportPath, out)
}

func (idx *Indexer) export(ctx context.Context) {
	if err := idx.Export(ctx); err != nil {
		idx.logger.Warn("failed to export index", "path", idx.cfg.ExportPath, "error", err)
	}
}

// computeFileHash computes SHA-256 hash of a file
func computeFileHash(filePath string) ([32]byte, time.Time, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return [32]byte{}, time.Time{}, 0, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return [32]byte{}, time.Time{}, 0, err
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return [32]byte{}, time.Time{}, 0, err
	}

	var result [32]byte
	copy(result[:], hash.Sum(nil))

	return result, info.ModTime(), info.Size(), nil
}

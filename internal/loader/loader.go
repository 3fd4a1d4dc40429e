package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupported is returned for file types without a registered loader
	ErrUnsupported = errors.New("unsupported document type")
	// ErrNoContent is returned when a loader extracts no text
	ErrNoContent = errors.New("no content extracted")
)

// Unit is one page or section of extracted text
type Unit struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ProgressFunc is called as units are extracted. unit is 1-based; total is
// zero when unknown.
type ProgressFunc func(unit, total, chunks int)

// Loader extracts text units from a document
type Loader interface {
	Load(ctx context.Context, path string, progress ProgressFunc) ([]Unit, error)
}

// Extensions recognized by default
var DefaultExtensions = []string{".pdf", ".docx", ".doc", ".epub"}

// DocumentType returns a human-readable type for path
func DocumentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "PDF"
	case ".docx", ".doc":
		return "Word Document"
	case ".epub":
		return "EPUB Book"
	default:
		return "Document"
	}
}

// IsPDF reports whether path names a PDF file
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// Registry maps file extensions to loaders
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register adds or replaces the loader for ext (".pdf" or "pdf")
func (r *Registry) Register(ext string, l Loader) {
	r.loaders[normalizeExt(ext)] = l
}

// Supports reports whether path has a registered loader
func (r *Registry) Supports(path string) bool {
	_, ok := r.loaders[normalizeExt(filepath.Ext(path))]
	return ok
}

// Extensions returns the registered extensions in sorted order
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Load dispatches to the loader registered for path's extension
func (r *Registry) Load(ctx context.Context, path string, progress ProgressFunc) ([]Unit, error) {
	ext := normalizeExt(filepath.Ext(path))
	l, ok := r.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}
	if progress == nil {
		progress = func(int, int, int) {}
	}
	return l.Load(ctx, path, progress)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	units []Unit
	err   error
	calls int
}

func (s *stubLoader) Load(ctx context.Context, path string, progress ProgressFunc) ([]Unit, error) {
	s.calls++
	for i := range s.units {
		progress(i+1, len(s.units), 0)
	}
	return s.units, s.err
}

func TestDocumentType(t *testing.T) {
	tests := map[string]string{
		"a/b/book.pdf": "PDF",
		"book.PDF":     "PDF",
		"notes.docx":   "Word Document",
		"old.doc":      "Word Document",
		"novel.epub":   "EPUB Book",
		"readme.txt":   "Document",
		"no-extension": "Document",
	}
	for path, want := range tests {
		assert.Equal(t, want, DocumentType(path), path)
	}
	assert.True(t, IsPDF("x/Y.Pdf"))
	assert.False(t, IsPDF("x.epub"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	stub := &stubLoader{units: []Unit{{Number: 1, Text: "hello"}}}
	r.Register("pdf", stub)
	r.Register(".EPUB", stub)

	assert.True(t, r.Supports("/books/a.pdf"))
	assert.True(t, r.Supports("/books/a.epub"))
	assert.False(t, r.Supports("/books/a.txt"))
	assert.Equal(t, []string{".epub", ".pdf"}, r.Extensions())

	var seen []int
	units, err := r.Load(context.Background(), "/books/a.pdf", func(unit, total, chunks int) {
		seen = append(seen, unit)
	})
	require.NoError(t, err)
	assert.Len(t, units, 1)
	assert.Equal(t, []int{1}, seen)

	// nil progress is allowed
	_, err = r.Load(context.Background(), "/books/a.pdf", nil)
	require.NoError(t, err)

	_, err = r.Load(context.Background(), "/books/a.txt", nil)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestExecLoaderSplitsFormFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.epub")
	require.NoError(t, os.WriteFile(path, []byte("first section\fsecond section\f  \f"), 0o644))

	l, err := NewExecLoader(Spec{Command: []string{"cat", "{input}"}})
	require.NoError(t, err)

	var progress [][2]int
	units, err := l.Load(context.Background(), path, func(unit, total, chunks int) {
		progress = append(progress, [2]int{unit, total})
	})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, Unit{Number: 1, Text: "first section"}, units[0])
	assert.Equal(t, Unit{Number: 2, Text: "second section"}, units[1])
	assert.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, progress)
}

func TestExecLoaderPaged(t *testing.T) {
	l, err := NewExecLoader(Spec{
		Command:     []string{"sh", "-c", "echo text of page {page}"},
		PageCount:   []string{"sh", "-c", "printf 'Title: x\\nPages:          3\\n'"},
		PagePattern: `(?m)^Pages:\s+(\d+)`,
	})
	require.NoError(t, err)

	var pages []int
	units, err := l.Load(context.Background(), "/ignored.pdf", func(unit, total, chunks int) {
		assert.Equal(t, 3, total)
		pages = append(pages, unit)
	})
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "text of page 2", units[1].Text)
	assert.Equal(t, []int{1, 2, 3}, pages)
}

func TestExecLoaderErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewExecLoader(Spec{})
	assert.Error(t, err)

	_, err = NewExecLoader(Spec{Command: []string{"true"}, PageCount: []string{"true"}, PagePattern: "("})
	assert.Error(t, err)

	empty, err := NewExecLoader(Spec{Command: []string{"true"}})
	require.NoError(t, err)
	_, err = empty.Load(ctx, "/x.doc", func(int, int, int) {})
	assert.ErrorIs(t, err, ErrNoContent)

	failing, err := NewExecLoader(Spec{Command: []string{"sh", "-c", "echo broken xref >&2; exit 3"}})
	require.NoError(t, err)
	_, err = failing.Load(ctx, "/x.doc", func(int, int, int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken xref")

	noPages, err := NewExecLoader(Spec{Command: []string{"true"}, PageCount: []string{"echo", "nothing"}, PagePattern: `Pages:\s+(\d+)`})
	require.NoError(t, err)
	_, err = noPages.Load(ctx, "/x.pdf", func(int, int, int) {})
	assert.ErrorContains(t, err, "page count")
}

func TestNewRegistryFromSpecs(t *testing.T) {
	r, err := NewRegistryFromSpecs(DefaultSpecs())
	require.NoError(t, err)
	for _, ext := range DefaultExtensions {
		assert.True(t, r.Supports("book"+ext), ext)
	}

	_, err = NewRegistryFromSpecs(map[string]Spec{".pdf": {}})
	assert.Error(t, err)
}

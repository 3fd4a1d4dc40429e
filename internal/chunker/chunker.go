package chunker

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/dshills/librarian/internal/loader"
)

const (
	// DefaultChunkSize is the target maximum chunk length in characters
	DefaultChunkSize = 1200

	// DefaultChunkOverlap is how many trailing characters a chunk shares with the next
	DefaultChunkOverlap = 150

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4
)

// DefaultSeparators are tried in order, from paragraph breaks down to single characters
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunk is one piece of document text ready for storage
type Chunk struct {
	Ordinal     int
	UnitNumber  int
	Content     string
	ContentHash [32]byte
	TokenCount  int
}

// ComputeTokenCount estimates the token count of the content
func (c *Chunk) ComputeTokenCount() {
	c.TokenCount = EstimateTokenCount(c.Content)
}

// ComputeContentHash sets ContentHash to the SHA-256 of the content
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = ComputeChunkHash(c.Content)
}

// Chunker splits extracted text into overlapping chunks
type Chunker struct {
	size       int
	overlap    int
	separators []string
	splitter   textsplitter.RecursiveCharacter
}

// Option configures a Chunker
type Option func(*Chunker)

// WithSize overrides the chunk size and overlap
func WithSize(size, overlap int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
		if overlap >= 0 && overlap < c.size {
			c.overlap = overlap
		}
	}
}

// WithSeparators overrides DefaultSeparators
func WithSeparators(separators ...string) Option {
	return func(c *Chunker) {
		if len(separators) > 0 {
			c.separators = separators
		}
	}
}

// New creates a new Chunker instance
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:       DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 8
	}
	c.splitter = textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
		textsplitter.WithSeparators(c.separators),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	return c
}

// ChunkUnits splits every unit and numbers the chunks across the document
func (c *Chunker) ChunkUnits(units []loader.Unit) ([]*Chunk, error) {
	chunks := make([]*Chunk, 0, len(units))
	for _, u := range units {
		texts, err := c.SplitText(u.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split unit %d: %w", u.Number, err)
		}
		for _, text := range texts {
			chunk := &Chunk{
				Ordinal:    len(chunks),
				UnitNumber: u.Number,
				Content:    text,
			}
			chunk.ComputeTokenCount()
			chunk.ComputeContentHash()
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// SplitText splits text at the coarsest separator that keeps pieces under
// the chunk size, recursing into finer separators for oversized pieces.
// Blank pieces are dropped.
func (c *Chunker) SplitText(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	pieces, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	out := pieces[:0]
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// ComputeChunkHash computes the SHA-256 hash for a chunk's content
func ComputeChunkHash(content string) [32]byte {
	return sha256.Sum256([]byte(content))
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return len(text) / TokensPerChar
}

// Package chunker divides extracted document text into overlapping chunks.
//
// # Basic Usage
//
//	c := chunker.New()
//	chunks, err := c.ChunkUnits(units)
//
//	for _, chunk := range chunks {
//	    fmt.Printf("chunk %d from page %d: %d tokens\n",
//	        chunk.Ordinal, chunk.UnitNumber, chunk.TokenCount)
//	}
//
// # Chunking Strategy
//
// Splitting is done by langchaingo's recursive character splitter with
// lengths counted in runes. Text is split at the coarsest separator present
// (paragraph break, line break, sentence end, space, then single characters). Pieces shorter
// than the chunk size are merged back together up to 1200 characters; longer
// pieces are split again with the next separator. Consecutive chunks share up
// to 150 trailing characters so a passage cut at a boundary is still found
// whole in one of them.
//
// # Content Hashing
//
// Each chunk carries the SHA-256 of its content and an estimated token count
// (chars/4).
package chunker

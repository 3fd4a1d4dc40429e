// Package indexer keeps the document index in step with the books directory.
//
// # Basic Usage
//
//	idx := indexer.New(indexer.Config{
//	    BooksDir:     "/library/books",
//	    OriginalsDir: "/library/books/originals",
//	    ExportPath:   "/library/db/book_index.json",
//	}, store, supervisor, statusStore)
//
//	docs, _ := idx.FindNewOrModified(ctx)
//	for _, doc := range docs {
//	    if err := idx.ProcessDocument(ctx, doc); err != nil {
//	        // already recorded in failed_pdfs.json
//	    }
//	}
//
// # Change Detection
//
// Documents are compared by SHA-256 of their content, never by mtime, so a
// copied or touched file with the same bytes is not re-indexed. Hashing runs
// on a small errgroup pool; when a Scaler is configured the pool size is
// re-evaluated between waves from host CPU and memory load.
//
// # Processing
//
// ProcessDocument runs the extraction job through the Runner (normally a
// supervisor.Supervisor), chunks the returned units, and stores the entry and
// its chunks in one transaction. Failed PDFs are repaired once and retried
// once; a document already marked cleaned is never repaired again. Every
// failure ends up as a record in the status store and every mutation
// rewrites the book_index.json export.
package indexer

// Package storage provides SQLite-based persistence for the document index.
//
// The storage layer manages:
//   - Document index entries (relative path, SHA-256 content hash, type, size)
//   - Text chunks extracted from each document
//
// # Database Schema
//
// Tables:
//   - schema_version: applied migrations (semantic versions)
//   - documents: one row per indexed document, unique by relative path
//   - chunks: ordered text chunks, removed with their document (ON DELETE CASCADE)
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage(filepath.Join(dbDir, "library.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	doc := &storage.Document{RelativePath: "philosophy/plato.pdf", ContentHash: hash}
//	if err := db.UpsertDocument(ctx, doc); err != nil {
//	    return err
//	}
//
// # Transactions
//
// Replacing a document's chunks and updating its entry happen in one
// transaction so readers never see a document with half its chunks:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	if err := tx.UpsertDocument(ctx, doc); err != nil {
//	    return err
//	}
//	if err := tx.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// Both *sql.DB and *sql.Tx satisfy an internal querier interface, so every
// operation has a single implementation shared by SQLiteStorage and the
// transaction wrapper.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_cgo tag switches to github.com/mattn/go-sqlite3.
//
// # Concurrency
//
// The connection pool is limited to a single connection and the database
// runs in WAL mode, so status readers in other processes are not blocked by
// an indexing run.
package storage

// Package store implements the Artifact Store (spec §4.A): a durable,
// content-addressed memory of executable artifacts with a tag index, a
// namespace head map, and a cosine-similarity vector index, backed by
// SQLite (modernc.org/sqlite, no cgo).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"codeforge/internal/artifact"
	"codeforge/internal/errs"
	"codeforge/internal/logging"

	"go.uber.org/zap"
)

// schemaVersion is stored in the database's PRAGMA user_version; a
// mismatch on load is reported as errs.ErrStorageIncompatible.
const schemaVersion = 1

// Store is the Artifact Store. All exported methods are safe for
// concurrent use: multiple readers, single writer per artifact id,
// namespace-head promotion is a single atomic upsert that does not
// compare against an expected previous head.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu sync.RWMutex // guards the in-process vector cache below

	// vecCache mirrors the `vectors` table so find_similar can score
	// candidates without a full table scan through database/sql per
	// call; every put() updates it before returning (read-your-writes).
	vecCache map[string]vecEntry
}

type vecEntry struct {
	embedding []float32
	kind      artifact.Kind
	tags      []string
}

// Open opens (creating if needed) the SQLite-backed store at path and
// runs schema migrations. A version mismatch returns errs.ErrStorageIncompatible.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	log := logging.For(logger, logging.CategoryStore)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w: %w", path, errs.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline at the connection level

	s := &Store{db: db, log: log, vecCache: make(map[string]vecEntry)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.warmVecCache(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection so the Auto-Fix Cache (spec §4.G)
// can add its `fixes` table alongside the Artifact Store's own tables in
// the same SQLite file, instead of opening a second file/connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w: %w", errs.ErrStorageUnavailable, err)
	}
	if version != 0 && version != schemaVersion {
		return fmt.Errorf("store: on-disk schema version %d != %d: %w", version, schemaVersion, errs.ErrStorageIncompatible)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			namespace TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			tag TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			PRIMARY KEY (tag, artifact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			artifact_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			tags TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS namespace_heads (
			namespace TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w: %w", errs.ErrStorageUnavailable, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w: %w", errs.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) warmVecCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT artifact_id, kind, tags, embedding FROM vectors")
	if err != nil {
		return fmt.Errorf("store: warm vector cache: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id, kind, tagsJSON string
		var blob []byte
		if err := rows.Scan(&id, &kind, &tagsJSON, &blob); err != nil {
			return err
		}
		var tags []string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		s.vecCache[id] = vecEntry{embedding: decodeEmbedding(blob), kind: artifact.Kind(kind), tags: tags}
	}
	return rows.Err()
}

func now() time.Time { return time.Now().UTC() }

// Package store persists document metadata in Postgres. The unique
// constraint on source_url is the only synchronisation primitive the
// pipeline relies on: concurrent inserts racing on the same URL get exactly
// one winner.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
	"github.com/lib/pq"
)

// ErrDuplicateKey is returned by Insert when a record with the same
// source_url already exists. It is an expected outcome of concurrent
// discovery, not a failure.
var ErrDuplicateKey = errors.New("duplicate source_url")

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("document not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	series       TEXT NOT NULL,
	source_url   TEXT NOT NULL UNIQUE,
	content_hash CHAR(64) NOT NULL,
	title        TEXT NOT NULL,
	category     TEXT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	storage_key  TEXT NOT NULL,
	page_count   INT NOT NULL,
	ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_content_hash_idx ON documents (content_hash);
CREATE INDEX IF NOT EXISTS documents_series_ingested_idx ON documents (series, ingested_at DESC);
`

// Config holds Postgres connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the metadata store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens a Postgres connection pool and verifies connectivity.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the documents table and its indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// FilterNew returns the subset of refs whose source_url is not yet recorded,
// preserving input order. A single batched query covers the whole listing
// page. This is a pre-filter only: the authoritative check is the unique
// constraint hit by Insert.
func (s *Store) FilterNew(ctx context.Context, refs []models.DocumentReference) ([]models.DocumentReference, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	urls := make([]string, len(refs))
	for i, ref := range refs {
		urls[i] = ref.SourceURL
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_url FROM documents WHERE source_url = ANY($1)`,
		pq.Array(urls))
	if err != nil {
		return nil, fmt.Errorf("querying known urls: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning known url: %w", err)
		}
		known[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating known urls: %w", err)
	}

	var fresh []models.DocumentReference
	for _, ref := range refs {
		if _, ok := known[ref.SourceURL]; !ok {
			fresh = append(fresh, ref)
		}
	}
	return fresh, nil
}

// ExistsByURL reports whether a record with the given source_url exists.
func (s *Store) ExistsByURL(ctx context.Context, sourceURL string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE source_url = $1)`,
		sourceURL).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking url existence: %w", err)
	}
	return exists, nil
}

// ExistsByHash returns the ID of the record holding the given content hash,
// if any. A hit means the same bytes were already ingested, possibly under a
// different URL.
func (s *Store) ExistsByHash(ctx context.Context, contentHash string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE content_hash = $1 LIMIT 1`,
		contentHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checking hash existence: %w", err)
	}
	return id, true, nil
}

// Insert writes a new DocumentRecord. A unique violation on source_url maps
// to ErrDuplicateKey; every other failure is a store error.
func (s *Store) Insert(ctx context.Context, rec models.DocumentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, series, source_url, content_hash, title, category, published_at, storage_key, page_count, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, string(rec.Series), rec.SourceURL, rec.ContentHash, rec.Title,
		string(rec.Category), rec.PublishedAt, rec.StorageKey, rec.PageCount, rec.IngestedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting %s: %w", rec.SourceURL, ErrDuplicateKey)
		}
		return fmt.Errorf("inserting %s: %w", rec.SourceURL, err)
	}
	return nil
}

// Recent returns the most recently ingested records, optionally filtered by
// series and category. limit is clamped to 100.
func (s *Store) Recent(ctx context.Context, series models.Series, category models.Category, limit int) ([]models.DocumentRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, series, source_url, content_hash, title, category, published_at, storage_key, page_count, ingested_at
		FROM documents
		WHERE ($1 = '' OR series = $1)
		  AND ($2 = '' OR category = $2)
		ORDER BY ingested_at DESC
		LIMIT $3`,
		string(series), string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent documents: %w", err)
	}
	defer rows.Close()

	var recs []models.DocumentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent documents: %w", err)
	}
	return recs, nil
}

// ByID returns the record with the given ID, or ErrNotFound.
func (s *Store) ByID(ctx context.Context, id string) (models.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, series, source_url, content_hash, title, category, published_at, storage_key, page_count, ingested_at
		FROM documents WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return models.DocumentRecord{}, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.DocumentRecord, error) {
	var rec models.DocumentRecord
	var series, category string
	err := row.Scan(&rec.ID, &series, &rec.SourceURL, &rec.ContentHash, &rec.Title,
		&category, &rec.PublishedAt, &rec.StorageKey, &rec.PageCount, &rec.IngestedAt)
	if err != nil {
		return models.DocumentRecord{}, err
	}
	rec.Series = models.Series(series)
	rec.Category = models.Category(category)
	return rec, nil
}

// isUniqueViolation reports whether err is Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

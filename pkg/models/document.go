// Package models holds the record and event schema shared between the
// ingestion service and the consumer bot. Changes here are wire changes.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Series identifies the championship a document belongs to.
type Series string

const (
	SeriesF1 Series = "f1"
	SeriesF2 Series = "f2"
	SeriesF3 Series = "f3"
)

// Valid reports whether s is a known series.
func (s Series) Valid() bool {
	switch s {
	case SeriesF1, SeriesF2, SeriesF3:
		return true
	}
	return false
}

// Category classifies a published document. The set is closed: every switch
// over Category must handle all four values.
type Category string

const (
	CategoryRegulation Category = "regulation"
	CategoryDecision   Category = "decision"
	CategoryBulletin   Category = "bulletin"
	CategoryOther      Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRegulation, CategoryDecision, CategoryBulletin, CategoryOther:
		return true
	}
	return false
}

// DocumentReference is a single entry discovered on a listing page. It is
// transient: references are consumed by the dedup pre-filter and never stored.
type DocumentReference struct {
	Series      Series    `json:"series"`
	Title       string    `json:"title"`
	Category    Category  `json:"category"`
	PublishedAt time.Time `json:"published_at"`
	SourceURL   string    `json:"source_url"`
}

// DocumentRecord is the durable row written once per ingested document.
// Records are never mutated or deleted by this service.
type DocumentRecord struct {
	ID          string    `json:"id"`
	Series      Series    `json:"series"`
	SourceURL   string    `json:"source_url"`
	ContentHash string    `json:"content_hash"`
	Title       string    `json:"title"`
	Category    Category  `json:"category"`
	PublishedAt time.Time `json:"published_at"`
	StorageKey  string    `json:"storage_key"`
	PageCount   int       `json:"page_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// IngestionEvent is published once per new DocumentRecord. Delivery is
// at-least-once; consumers deduplicate by DocumentID.
type IngestionEvent struct {
	DocumentID  string    `json:"document_id"`
	Series      Series    `json:"series"`
	Title       string    `json:"title"`
	Category    Category  `json:"category"`
	PublishedAt time.Time `json:"published_at"`
	StorageKey  string    `json:"storage_key"`
	PageCount   int       `json:"page_count"`
}

// ContentHash returns the SHA-256 hex digest of data. The digest is the
// canonical dedup key and part of every storage key, so the algorithm is a
// durable contract: changing it invalidates all existing dedup state.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocumentID derives the record identifier from a content hash. The first 16
// hex characters are enough to be unique across the corpus and keep event
// keys short.
func DocumentID(contentHash string) string {
	if len(contentHash) < 16 {
		return contentHash
	}
	return contentHash[:16]
}

// DocumentKey returns the object-storage key for the original document.
// The {hash} / {hash}/{page} scheme is a durable contract: identical bytes
// always land on the same key, so re-uploads are idempotent.
func DocumentKey(contentHash string) string {
	return contentHash
}

// PageKey returns the object-storage key for one rendered page. Page keys are
// derivable from the content hash and page index alone; no per-page row is
// stored.
func PageKey(contentHash string, pageIndex int) string {
	return fmt.Sprintf("%s/%d", contentHash, pageIndex)
}

// Package api exposes ingested document metadata over a small read-only
// HTTP surface. Writes happen only through the ingestion pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/internal/metrics"
	"github.com/MarkusTheOrt/fia-docs-api/internal/store"
	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
)

// DocumentReader is the store surface the API reads from.
type DocumentReader interface {
	Recent(ctx context.Context, series models.Series, category models.Category, limit int) ([]models.DocumentRecord, error)
	ByID(ctx context.Context, id string) (models.DocumentRecord, error)
}

// Handler implements the read API endpoints.
type Handler struct {
	reader DocumentReader
	logger *slog.Logger
}

// NewHandler creates a Handler backed by reader.
func NewHandler(reader DocumentReader) *Handler {
	return &Handler{
		reader: reader,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the full HTTP handler.
//
// Route table:
//
//	GET /healthz                 → liveness
//	GET /documents               → recent documents, filterable by series and category
//	GET /documents/{id}          → one document by ID
//	GET /metrics                 → Prometheus scrape endpoint
func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /documents", h.ListDocuments)
	mux.HandleFunc("GET /documents/{id}", h.GetDocument)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fia-docs"})
}

// ListDocuments returns recent documents, newest first. Optional query
// parameters: series (f1|f2|f3), category, limit (1..100, default 20).
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	var series models.Series
	if v := r.URL.Query().Get("series"); v != "" {
		series = models.Series(v)
		if !series.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown series "+strconv.Quote(v))
			return
		}
	}
	var category models.Category
	if v := r.URL.Query().Get("category"); v != "" {
		category = models.Category(v)
		if !category.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown category "+strconv.Quote(v))
			return
		}
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	recs, err := h.reader.Recent(r.Context(), series, category, limit)
	if err != nil {
		h.logger.Error("listing documents failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	docs := make([]documentResponse, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, toResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetDocument returns one document by its ID.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.reader.ByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		h.logger.Error("fetching document failed", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch document")
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(rec))
}

type documentResponse struct {
	ID          string    `json:"id"`
	Series      string    `json:"series"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	SourceURL   string    `json:"source_url"`
	StorageKey  string    `json:"storage_key"`
	PageCount   int       `json:"page_count"`
	PublishedAt time.Time `json:"published_at"`
	IngestedAt  time.Time `json:"ingested_at"`
}

func toResponse(rec models.DocumentRecord) documentResponse {
	return documentResponse{
		ID:          rec.ID,
		Series:      string(rec.Series),
		Title:       rec.Title,
		Category:    string(rec.Category),
		SourceURL:   rec.SourceURL,
		StorageKey:  rec.StorageKey,
		PageCount:   rec.PageCount,
		PublishedAt: rec.PublishedAt,
		IngestedAt:  rec.IngestedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("writing response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

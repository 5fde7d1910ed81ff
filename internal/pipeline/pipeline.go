// Package pipeline orchestrates the discover → dedup → fetch → convert →
// persist flow. Each document runs its own state machine; the only
// cross-document synchronisation is the store's unique constraint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/internal/fetch"
	"github.com/MarkusTheOrt/fia-docs-api/internal/listing"
	"github.com/MarkusTheOrt/fia-docs-api/internal/metrics"
	"github.com/MarkusTheOrt/fia-docs-api/internal/retry"
	"github.com/MarkusTheOrt/fia-docs-api/internal/storage"
	"github.com/MarkusTheOrt/fia-docs-api/internal/store"
	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Stage names the pipeline step a document task failed in.
type Stage string

const (
	StageDownload     Stage = "download"
	StageContentCheck Stage = "content_check"
	StageUpload       Stage = "upload"
	StagePersist      Stage = "persist"
	StageNotify       Stage = "notify"
)

// State is the terminal state of one document task.
type State int

const (
	// StateIngested: uploaded, persisted, and (best-effort) notified.
	StateIngested State = iota
	// StateDuplicate: content already known, or lost the source_url race.
	StateDuplicate
	// StateFailed: settled in failure; eligible again next cycle since it
	// was never persisted.
	StateFailed
)

// Outcome describes how one document task ended.
type Outcome struct {
	Ref         models.DocumentReference
	State       State
	Stage       Stage  // set when State is StateFailed
	DuplicateOf string // record ID holding the same content, when known
	Err         error
	NotifyErr   error // set when persisted but the event could not be published
}

// ListingFetcher downloads a listing page.
type ListingFetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// DocumentFetcher downloads one document payload.
type DocumentFetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

// Store is the metadata store surface the pipeline needs.
type Store interface {
	FilterNew(ctx context.Context, refs []models.DocumentReference) ([]models.DocumentReference, error)
	ExistsByHash(ctx context.Context, contentHash string) (string, bool, error)
	Insert(ctx context.Context, rec models.DocumentRecord) error
}

// Uploader writes payloads to object storage.
type Uploader interface {
	UploadDocument(ctx context.Context, contentHash string, data []byte) (string, error)
	UploadPage(ctx context.Context, contentHash string, pageIndex int, data []byte) (string, error)
}

// Renderer converts a document payload into page images.
type Renderer interface {
	Render(ctx context.Context, document []byte) ([][]byte, error)
}

// Notifier publishes one event per ingested document.
type Notifier interface {
	Publish(ctx context.Context, event models.IngestionEvent) error
}

// Source is one listing page to poll.
type Source struct {
	Series models.Series
	URL    string
}

// Config holds orchestration settings.
type Config struct {
	Sources       []Source
	Concurrency   int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Deps are the collaborators the pipeline drives.
type Deps struct {
	Listings ListingFetcher
	Fetcher  DocumentFetcher
	Store    Store
	Uploader Uploader
	Renderer Renderer // nil disables rendering; documents persist with page_count 0
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Pipeline drives one ingestion cycle across all configured sources.
type Pipeline struct {
	config Config
	deps   Deps
}

// New creates a Pipeline.
func New(config Config, deps Deps) *Pipeline {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Pipeline{config: config, deps: deps}
}

// CycleResult aggregates one discovery cycle.
type CycleResult struct {
	Discovered     int
	New            int
	Ingested       int
	Duplicates     int
	Failed         int
	ParseSkips     int
	NotifyFailures int
	Duration       time.Duration
	Outcomes       []Outcome
}

// RunCycle fetches every configured listing page, filters out known
// documents, and processes the survivors concurrently. Listing-level
// failures are confined to their source; a store failure aborts the cycle,
// since no progress is possible without the dedup authority.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	result := &CycleResult{}
	p.deps.Metrics.CyclesTotal.Inc()

	for _, src := range p.config.Sources {
		if ctx.Err() != nil {
			break
		}
		if err := p.runSource(ctx, src, result); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("source %s: %w", src.Series, err)
		}
	}

	result.Duration = time.Since(start)
	slog.Info("cycle complete",
		"discovered", result.Discovered,
		"new", result.New,
		"ingested", result.Ingested,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
		"parse_skips", result.ParseSkips,
		"duration", result.Duration)
	return result, nil
}

func (p *Pipeline) runSource(ctx context.Context, src Source, result *CycleResult) error {
	logger := slog.With("series", src.Series, "url", src.URL)

	page, err := p.deps.Listings.Fetch(ctx, src.URL)
	if err != nil {
		// A dead listing page only affects this source's discovery; the
		// next poll retries it.
		logger.Error("listing fetch failed", "error", err)
		return nil
	}

	parsed, err := listing.Parse(src.Series, src.URL, page)
	if err != nil {
		logger.Error("listing parse failed", "error", err)
		return nil
	}
	result.Discovered += len(parsed.Refs)
	result.ParseSkips += parsed.Skipped
	p.deps.Metrics.DocsDiscovered.WithLabelValues(string(src.Series)).Add(float64(len(parsed.Refs)))
	p.deps.Metrics.ParseSkipsTotal.WithLabelValues(string(src.Series)).Add(float64(parsed.Skipped))
	if parsed.Skipped > 0 {
		logger.Warn("skipped malformed listing entries", "count", parsed.Skipped)
	}

	fresh, err := p.deps.Store.FilterNew(ctx, parsed.Refs)
	if err != nil {
		return fmt.Errorf("pre-filtering references: %w", err)
	}
	result.New += len(fresh)
	if len(fresh) == 0 {
		logger.Debug("no new documents")
		return nil
	}
	logger.Info("processing new documents", "count", len(fresh))

	// Dispatch in page order; completion order is unspecified. A document
	// failure never cancels its siblings, so workers always return nil.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for _, ref := range fresh {
		ref := ref
		g.Go(func() error {
			outcome := p.processDocument(gctx, ref)
			mu.Lock()
			p.recordOutcome(result, outcome)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) recordOutcome(result *CycleResult, o Outcome) {
	result.Outcomes = append(result.Outcomes, o)
	switch o.State {
	case StateIngested:
		result.Ingested++
		p.deps.Metrics.DocsIngestedTotal.WithLabelValues(string(o.Ref.Series)).Inc()
		if o.NotifyErr != nil {
			result.NotifyFailures++
		}
	case StateDuplicate:
		result.Duplicates++
	case StateFailed:
		result.Failed++
		p.deps.Metrics.FailuresTotal.WithLabelValues(string(o.Stage)).Inc()
	}
}

// processDocument runs the per-document state machine:
// Discovered → PreFilteredNew → Downloaded → ContentChecked → Uploaded →
// Persisted → Notified, with terminal SkippedDuplicate and Failed states.
func (p *Pipeline) processDocument(ctx context.Context, ref models.DocumentReference) Outcome {
	logger := slog.With("series", ref.Series, "title", ref.Title, "url", ref.SourceURL)
	retryCfg := retry.Config{MaxAttempts: p.config.RetryAttempts, InitialDelay: p.config.RetryDelay}

	// Downloaded.
	var payload []byte
	err := retry.Do(ctx, "download", retryCfg, fetchPermanent, func() error {
		var ferr error
		payload, ferr = p.deps.Fetcher.Fetch(ctx, ref.SourceURL)
		return ferr
	})
	if err != nil {
		logger.Error("download failed", "error", err)
		return Outcome{Ref: ref, State: StateFailed, Stage: StageDownload, Err: err}
	}

	// ContentChecked. The same bytes may already be ingested under another
	// URL; that is a duplicate, not a failure, and costs no upload.
	contentHash := models.ContentHash(payload)
	logger = logger.With("content_hash", contentHash)
	if existingID, found, cerr := p.deps.Store.ExistsByHash(ctx, contentHash); cerr != nil {
		logger.Error("content check failed", "error", cerr)
		return Outcome{Ref: ref, State: StateFailed, Stage: StageContentCheck, Err: cerr}
	} else if found {
		logger.Info("duplicate content, skipping", "existing_id", existingID)
		p.deps.Metrics.DuplicatesTotal.WithLabelValues("content_hash").Inc()
		return Outcome{Ref: ref, State: StateDuplicate, DuplicateOf: existingID}
	}

	// Rendering is best-effort: the PDF is the artifact of record, page
	// images are a derivative. Failures degrade to page_count 0.
	var pages [][]byte
	if p.deps.Renderer != nil {
		rendered, rerr := p.deps.Renderer.Render(ctx, payload)
		if rerr != nil {
			logger.Warn("render failed, persisting without pages", "error", rerr)
			p.deps.Metrics.RenderFailuresTotal.Inc()
		} else {
			pages = rendered
		}
	}

	// Uploaded. Keys are content-addressed, so retried PUTs are idempotent.
	var storageKey string
	err = retry.Do(ctx, "upload_document", retryCfg, uploadPermanent, func() error {
		var uerr error
		storageKey, uerr = p.deps.Uploader.UploadDocument(ctx, contentHash, payload)
		return uerr
	})
	if err != nil {
		logger.Error("upload failed", "error", err)
		return Outcome{Ref: ref, State: StateFailed, Stage: StageUpload, Err: err}
	}

	pageCount := len(pages)
	for i, page := range pages {
		i, page := i, page
		err = retry.Do(ctx, "upload_page", retryCfg, uploadPermanent, func() error {
			_, uerr := p.deps.Uploader.UploadPage(ctx, contentHash, i, page)
			return uerr
		})
		if err != nil {
			// Same degradation as a render failure: keep the document,
			// drop the pages. Orphaned page objects are harmless under
			// content-addressed keys.
			logger.Warn("page upload failed, persisting without pages", "page", i, "error", err)
			p.deps.Metrics.RenderFailuresTotal.Inc()
			pageCount = 0
			break
		}
		p.deps.Metrics.PagesRenderedTotal.Inc()
	}

	// Persisted. The insert is the authoritative dedup decision: losing the
	// source_url race here is an expected outcome of concurrent discovery.
	rec := models.DocumentRecord{
		ID:          models.DocumentID(contentHash),
		Series:      ref.Series,
		SourceURL:   ref.SourceURL,
		ContentHash: contentHash,
		Title:       ref.Title,
		Category:    ref.Category,
		PublishedAt: ref.PublishedAt,
		StorageKey:  storageKey,
		PageCount:   pageCount,
		IngestedAt:  time.Now().UTC(),
	}
	if err := p.deps.Store.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			logger.Info("lost insert race, already ingested")
			p.deps.Metrics.DuplicatesTotal.WithLabelValues("url_race").Inc()
			return Outcome{Ref: ref, State: StateDuplicate, Err: err}
		}
		logger.Error("persist failed", "error", err)
		return Outcome{Ref: ref, State: StateFailed, Stage: StagePersist, Err: err}
	}

	// Notified. Publish failures never roll back the record; the document
	// is ingested either way and the failure is surfaced for operators.
	event := models.IngestionEvent{
		DocumentID:  rec.ID,
		Series:      rec.Series,
		Title:       rec.Title,
		Category:    rec.Category,
		PublishedAt: rec.PublishedAt,
		StorageKey:  rec.StorageKey,
		PageCount:   rec.PageCount,
	}
	notifyErr := retry.Do(ctx, "notify", retryCfg, nil, func() error {
		return p.deps.Notifier.Publish(ctx, event)
	})
	if notifyErr != nil {
		logger.Error("notification failed after retries", "error", notifyErr)
		p.deps.Metrics.FailuresTotal.WithLabelValues(string(StageNotify)).Inc()
	} else {
		logger.Info("document ingested", "pages", pageCount, "storage_key", storageKey)
	}

	return Outcome{Ref: ref, State: StateIngested, NotifyErr: notifyErr}
}

// fetchPermanent stops retries for download errors that cannot heal.
func fetchPermanent(err error) bool {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return !fe.Transient()
	}
	return false
}

// uploadPermanent stops retries for rejected uploads.
func uploadPermanent(err error) bool {
	var ue *storage.Error
	if errors.As(err, &ue) {
		return !ue.Transient()
	}
	return false
}

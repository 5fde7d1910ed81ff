package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MarkusTheOrt/fia-docs-api/internal/config"
	"github.com/MarkusTheOrt/fia-docs-api/internal/fetch"
	"github.com/MarkusTheOrt/fia-docs-api/internal/listing"
	"github.com/MarkusTheOrt/fia-docs-api/internal/metrics"
	"github.com/MarkusTheOrt/fia-docs-api/internal/notify"
	"github.com/MarkusTheOrt/fia-docs-api/internal/pipeline"
	"github.com/MarkusTheOrt/fia-docs-api/internal/render"
	"github.com/MarkusTheOrt/fia-docs-api/internal/storage"
	"github.com/MarkusTheOrt/fia-docs-api/internal/store"
	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
)

// ingester bundles a fully wired pipeline with the resources it owns.
type ingester struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	notifier *notify.Emitter
}

func (i *ingester) Close() {
	if err := i.notifier.Close(); err != nil {
		slog.Warn("closing kafka writer", "error", err)
	}
	if err := i.store.Close(); err != nil {
		slog.Warn("closing postgres pool", "error", err)
	}
}

// buildIngester constructs every pipeline collaborator from cfg, applies the
// database schema, and probes the ImageMagick binary unless rendering is
// disabled.
func buildIngester(ctx context.Context, cfg config.Config) (*ingester, error) {
	sources := make([]pipeline.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		series := models.Series(src.Series)
		if !series.Valid() {
			return nil, fmt.Errorf("unknown series %q in sources", src.Series)
		}
		sources = append(sources, pipeline.Source{Series: series, URL: src.URL})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	st, err := store.New(store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	uploader, err := storage.New(storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UseSSL:          cfg.Storage.UseSSL,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating uploader: %w", err)
	}

	notifier, err := notify.New(notify.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating kafka writer: %w", err)
	}

	var renderer pipeline.Renderer
	if !cfg.Renderer.Disabled {
		r := render.New(render.Config{
			MagickBin: cfg.Renderer.MagickBin,
			Density:   cfg.Renderer.Density,
			Quality:   cfg.Renderer.Quality,
		})
		if err := r.CheckBinary(); err != nil {
			notifier.Close()
			st.Close()
			return nil, fmt.Errorf("rendering enabled but unusable: %w (set renderer.disabled to skip page images)", err)
		}
		renderer = r
	} else {
		slog.Info("page rendering disabled, documents will persist with page_count 0")
	}

	p := pipeline.New(pipeline.Config{
		Sources:       sources,
		Concurrency:   cfg.Pipeline.Concurrency,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryDelay:    cfg.Pipeline.RetryDelay,
	}, pipeline.Deps{
		Listings: listing.NewFetcher(listing.FetcherConfig{
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.Fetcher.Timeout,
			Delay:     cfg.Fetcher.Delay,
		}),
		Fetcher: fetch.New(fetch.Config{
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.Fetcher.Timeout,
			MaxSize:   cfg.Fetcher.MaxDocumentSize,
		}),
		Store:    st,
		Uploader: uploader,
		Renderer: renderer,
		Notifier: notifier,
		Metrics:  metrics.Default(),
	})

	return &ingester{pipeline: p, store: st, notifier: notifier}, nil
}

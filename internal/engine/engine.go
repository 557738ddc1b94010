// Package engine assembles the provenance services from configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CanopyHQ/xylem/internal/cas"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/embed"
	"github.com/CanopyHQ/xylem/internal/ingest"
	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/observability"
	"github.com/CanopyHQ/xylem/internal/search"
	"github.com/CanopyHQ/xylem/internal/session"
	"github.com/CanopyHQ/xylem/internal/similarity"
	"github.com/CanopyHQ/xylem/internal/store"
)

// Engine owns the store handles and the services built on them.
type Engine struct {
	Config   config.Config
	Store    *store.Store
	Content  cas.Store
	Embedder *embed.Universal
	Metrics  *observability.Metrics

	Pipeline *ingest.Pipeline
	Lineage  *lineage.Walker
	Search   *search.Service
	Sessions *session.Manager
}

// Stats summarizes what the engine holds.
type Stats struct {
	Counts       map[string]int `json:"counts"`
	DatabaseSize string         `json:"database_size"`
	VectorIndex  bool           `json:"vector_index"`
	LastActivity string         `json:"last_activity"`
}

// Open creates the data directory if needed and opens every store.
func Open(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	embedder, err := embed.FromConfig(cfg.Embeddings)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath(), embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	content, err := openContent(ctx, cfg.Content, cfg.BlobDir())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	metrics := observability.NewMetrics()
	thresholds := similarity.MatchOptions{
		High: cfg.Matching.High,
		Low:  cfg.Matching.Low,
		TopK: cfg.Matching.DefaultTopK,
	}
	return &Engine{
		Config:   cfg,
		Store:    st,
		Content:  content,
		Embedder: embedder,
		Metrics:  metrics,
		Pipeline: ingest.New(st, content, embedder, ingest.Options{
			NearDuplicate: cfg.Matching.NearDuplicate,
			Metrics:       metrics,
		}),
		Lineage:  lineage.New(st, metrics),
		Search:   search.New(st, embedder, thresholds),
		Sessions: session.New(st),
	}, nil
}

func openContent(ctx context.Context, cfg config.ContentConfig, blobDir string) (cas.Store, error) {
	switch cfg.Backend {
	case "", "badger":
		return cas.OpenBadger(blobDir)
	case "memory":
		return cas.OpenBadger("")
	case "gcs":
		return cas.OpenGCS(ctx, cfg.Bucket, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}

// Close releases the stores. It reports the first failure.
func (e *Engine) Close() error {
	var first error
	if e.Content != nil {
		if err := e.Content.Close(); err != nil {
			first = err
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats reports record counts and database size.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.Store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	last, err := e.Store.LastActivity(ctx)
	if err != nil {
		slog.Warn("failed to read last activity", "error", err)
	}
	lastStr := "never"
	if !last.IsZero() {
		lastStr = last.Format(time.RFC3339)
	}
	return Stats{
		Counts:       counts,
		DatabaseSize: databaseSize(e.Store.Path()),
		VectorIndex:  e.Store.VectorIndexAvailable(),
		LastActivity: lastStr,
	}, nil
}

func databaseSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown"
	}
	size := info.Size()
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}

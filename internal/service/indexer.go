package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/model"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
)

// VectorIndexer pushes entries into an external vector index. Implementations
// live outside this service; the poller only feeds them batches.
type VectorIndexer interface {
	Enabled() bool
	Index(ctx context.Context, entries []model.Entry) error
}

// BackgroundIndexer polls for entries pending vector indexing, hands them to
// the configured VectorIndexer, and marks them indexed.
type BackgroundIndexer struct {
	store    registrystore.ConversationStore
	indexer  VectorIndexer
	interval time.Duration
	batch    int
}

// NewBackgroundIndexer creates the indexing poller. indexer may be nil, in
// which case Start is a no-op.
func NewBackgroundIndexer(store registrystore.ConversationStore, indexer VectorIndexer, cfg *config.Config) *BackgroundIndexer {
	b := &BackgroundIndexer{
		store:    store,
		indexer:  indexer,
		interval: 30 * time.Second,
		batch:    500,
	}
	if cfg != nil {
		if cfg.IndexerPollInterval > 0 {
			b.interval = cfg.IndexerPollInterval
		}
		if cfg.IndexerBatchSize > 0 {
			b.batch = cfg.IndexerBatchSize
		}
	}
	return b
}

// Start begins the background indexing loop. Returns when ctx is cancelled.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if b.indexer == nil || !b.indexer.Enabled() {
		log.Info("Background indexer disabled (no vector indexer configured)")
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.indexBatch(ctx)
		}
	}
}

func (b *BackgroundIndexer) indexBatch(ctx context.Context) {
	entries, err := b.store.FindEntriesPendingVectorIndexing(ctx, b.batch)
	if err != nil {
		log.Error("Indexer: list pending entries failed", "err", err)
		return
	}

	// Only entries with content to index.
	candidates := entries[:0]
	for _, e := range entries {
		if e.IndexedContent != nil && *e.IndexedContent != "" {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return
	}

	if err := b.indexer.Index(ctx, candidates); err != nil {
		log.Error("Indexer: batch index failed", "err", err)
		return
	}

	now := time.Now()
	count := 0
	for _, e := range candidates {
		if err := b.store.SetIndexedAt(ctx, e.ID, e.ConversationGroupID, now); err != nil {
			log.Error("Indexer: set indexed_at failed", "entryId", e.ID, "err", err)
			continue
		}
		count++
	}

	if count > 0 {
		log.Info("Indexer: indexed entries", "count", count)
	}
}

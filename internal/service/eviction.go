package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/metrics"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
)

// EvictionService periodically hard-deletes soft-deleted conversation groups
// past retention and prunes superseded memory epochs.
type EvictionService struct {
	store     registrystore.ConversationStore
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// NewEvictionService creates an eviction service from config.
func NewEvictionService(store registrystore.ConversationStore, cfg *config.Config) *EvictionService {
	e := &EvictionService{
		store:     store,
		interval:  time.Hour,
		retention: 30 * 24 * time.Hour,
		batchSize: 1000,
		delay:     100 * time.Millisecond,
	}
	if cfg != nil {
		if cfg.EvictionInterval > 0 {
			e.interval = cfg.EvictionInterval
		}
		if cfg.EvictionRetention > 0 {
			e.retention = cfg.EvictionRetention
		}
		if cfg.EvictionBatchSize > 0 {
			e.batchSize = cfg.EvictionBatchSize
		}
		if cfg.EvictionBatchDelay > 0 {
			e.delay = cfg.EvictionBatchDelay
		}
	}
	return e
}

// Start begins the periodic eviction loop. Returns when ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runEviction(ctx)
			e.runEpochEviction(ctx)
		}
	}
}

func (e *EvictionService) runEviction(ctx context.Context) {
	cutoff := time.Now().Add(-e.retention)
	total, err := e.store.CountEvictableGroups(ctx, cutoff)
	if err != nil {
		log.Error("Eviction: count failed", "err", err)
		return
	}
	if total == 0 {
		return
	}

	log.Info("Eviction: starting", "total", total, "cutoff", cutoff)
	evicted := 0
	for {
		ids, err := e.store.FindEvictableGroupIDs(ctx, cutoff, e.batchSize)
		if err != nil {
			log.Error("Eviction: find IDs failed", "err", err)
			return
		}
		if len(ids) == 0 {
			break
		}
		// Create vector delete tasks before hard-deleting so orphaned
		// embeddings are cleaned up asynchronously by the task processor.
		for _, id := range ids {
			body := map[string]interface{}{"conversationGroupId": id.String()}
			if err := e.store.CreateTask(ctx, "vector_store_delete", body); err != nil {
				log.Error("Eviction: create vector delete task failed", "groupId", id, "err", err)
			}
		}
		if err := e.store.HardDeleteConversationGroups(ctx, ids); err != nil {
			log.Error("Eviction: hard delete failed", "err", err)
		}
		evicted += len(ids)
		if metrics.EvictedGroupsTotal != nil {
			metrics.EvictedGroupsTotal.Add(float64(len(ids)))
		}

		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.delay):
			}
		}
	}
	log.Info("Eviction: completed", "evicted", evicted)
}

// runEpochEviction prunes memory entries from epochs superseded longer ago
// than the retention window.
func (e *EvictionService) runEpochEviction(ctx context.Context) {
	cutoff := time.Now().Add(-e.retention)
	deleted, err := e.store.EvictSupersededEpochs(ctx, cutoff)
	if err != nil {
		log.Error("Eviction: superseded epoch pass failed", "err", err)
		return
	}
	if deleted > 0 {
		log.Info("Eviction: pruned superseded epochs", "entries", deleted)
	}
}

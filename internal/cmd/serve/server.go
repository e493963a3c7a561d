package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/conversation-store/internal/config"
	"github.com/chirino/conversation-store/internal/metrics"
	storemetrics "github.com/chirino/conversation-store/internal/plugin/store/metrics"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	registrymigrate "github.com/chirino/conversation-store/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/chirino/conversation-store/internal/service"
)

const attachmentCleanupInterval = time.Hour

// StartServer initializes the store and runs the background services until
// ctx is cancelled.
func StartServer(ctx context.Context, cfg *config.Config) error {
	labels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return fmt.Errorf("invalid metrics labels: %w", err)
	}
	metrics.InitMetrics(labels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	// A broken cache degrades sync performance but does not block startup.
	if loader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache unavailable", "type", cfg.CacheType, "err", err)
	} else if cache, err := loader(ctx); err != nil {
		log.Warn("Cache initialization failed", "type", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithEntriesCacheContext(ctx, cache)
	}

	loader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return err
	}
	store, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	store = storemetrics.Wrap(store)

	log.Info("Conversation store started", "datastore", cfg.DatastoreType, "cache", cfg.CacheType)

	go service.NewEvictionService(store, cfg).Start(ctx)
	go service.NewTaskProcessor(store, nil, cfg).Start(ctx)
	go service.NewBackgroundIndexer(store, nil, cfg).Start(ctx)
	go service.NewAttachmentCleanupService(store, nil, attachmentCleanupInterval).Start(ctx)

	mgmt, err := startManagementServer(ctx, cfg, store)
	if err != nil {
		return err
	}

	<-ctx.Done()
	if mgmt != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgmt.Shutdown(shutdownCtx); err != nil {
			log.Error("Management server shutdown failed", "err", err)
		}
	}
	return nil
}

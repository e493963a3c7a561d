package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chirino/conversation-store/internal/config"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
)

// managementRouter builds the health/ready/metrics routes.
func managementRouter(store registrystore.ConversationStore) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/ready", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// startManagementServer runs the health/ready/metrics listener. Returns nil
// when no management port is configured.
func startManagementServer(ctx context.Context, cfg *config.Config, store registrystore.ConversationStore) (*http.Server, error) {
	if cfg.ManagementPort <= 0 {
		return nil, nil
	}

	router := managementRouter(store)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ManagementPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Info("Management server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Management server failed", "err", err)
		}
	}()
	return srv, nil
}

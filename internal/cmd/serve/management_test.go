package serve

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/conversation-store/internal/config"
	registrystore "github.com/chirino/conversation-store/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingStore struct {
	registrystore.ConversationStore
	pingErr error
}

func (p *pingStore) Ping(ctx context.Context) error { return p.pingErr }

func TestManagementRouter_Health(t *testing.T) {
	router := managementRouter(&pingStore{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"UP"}`, w.Body.String())
}

func TestManagementRouter_Ready(t *testing.T) {
	store := &pingStore{}
	router := managementRouter(store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	store.pingErr = errors.New("connection refused")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestManagementRouter_Metrics(t *testing.T) {
	router := managementRouter(&pingStore{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartManagementServer_DisabledWithoutPort(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ManagementPort = 0

	srv, err := startManagementServer(t.Context(), &cfg, &pingStore{})
	require.NoError(t, err)
	assert.Nil(t, srv)
}

package bridge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/orchestrator"
	"github.com/chainsafe/trichain-bridge/pkg/transfer/service"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	router, err := orchestrator.NewRouter()
	require.NoError(t, err)

	s := NewServer(cfg)
	svc := service.NewService(db.NewMemoryStore(), service.RouterDispatch(router), zap.NewNop())
	h, err := s.newRouter(svc, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return s, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRouter_HealthAndReady(t *testing.T) {
	s, srv := newTestServer(t, &config.Config{})

	code, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get(t, srv.URL+"/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY", body)

	s.ready.Store(true)
	code, body = get(t, srv.URL+"/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", body)
}

func TestRouter_Metrics(t *testing.T) {
	cfg := &config.Config{Monitoring: config.MonitoringConfig{Enabled: true, MetricsPath: "/metrics"}}
	_, srv := newTestServer(t, cfg)

	code, _ := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)

	_, off := newTestServer(t, &config.Config{})
	code, _ = get(t, off.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_API(t *testing.T) {
	_, srv := newTestServer(t, &config.Config{})

	code, body := get(t, srv.URL+"/api/v1/transfers")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"transfers":[]`)

	code, _ = get(t, srv.URL+"/api/v1/transfers/unknown")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_AuthGuardsMutations(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Enabled: true, JWTSecret: "test-secret"}}
	_, srv := newTestServer(t, cfg)

	resp, err := http.Post(srv.URL+"/api/v1/transfers", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// reads stay open
	code, _ := get(t, srv.URL+"/api/v1/transfers")
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_AuthWithoutSecret(t *testing.T) {
	s := NewServer(&config.Config{Auth: config.AuthConfig{Enabled: true}})
	_, err := s.newRouter(nil, zap.NewNop())
	assert.Error(t, err)
}

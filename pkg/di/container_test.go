package di

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Env = "test"
	cfg.Proxy.UpstreamURL = ""
	return cfg
}

func newContainer(t *testing.T, cfg *config.Config) *Container {
	t.Helper()
	c, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func get(c *Container, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// liveServer puts the handler behind a real listener for forwarded requests
func liveServer(t *testing.T, c *Container) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServesWithoutDiscord(t *testing.T) {
	c := newContainer(t, testConfig())
	assert.Nil(t, c.Discord)
	assert.Nil(t, c.Refresher)
	assert.Nil(t, c.Gateway)

	c.Start(context.Background())

	w := get(c, "/api/messages")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = get(c, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"bot":"disconnected"`)

	w = get(c, "/")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWiresDiscordWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Discord.Token = "Bot test-token"
	cfg.Discord.ChannelID = "1234"

	c := newContainer(t, cfg)
	require.NotNil(t, c.Discord)
	require.NotNil(t, c.Refresher)
	assert.False(t, c.Discord.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitReady(ctx))
}

func TestWiresProxyAndMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("map index"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.UpstreamURL = upstream.URL
	c := newContainer(t, cfg)
	require.NotNil(t, c.Gateway)

	srv := liveServer(t, c)
	status, body := fetch(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "map index", body)

	w := get(c, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bridge_proxy_requests")

	w = get(c, "/health")
	assert.Contains(t, w.Body.String(), `"map_upstream"`)
}

func TestUpstreamHealthReportsOpenCircuit(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.Proxy.UpstreamURL = addr
	cfg.Proxy.FailureThreshold = 1
	cfg.Proxy.RetryTimeout = time.Hour
	c := newContainer(t, cfg)

	srv := liveServer(t, c)
	status, _ := fetch(t, srv.URL+"/tiles/0.png")
	assert.Equal(t, http.StatusBadGateway, status)
	status, _ = fetch(t, srv.URL+"/tiles/0.png")
	assert.Equal(t, http.StatusBadGateway, status)

	w := get(c, "/health")
	assert.Contains(t, w.Body.String(), "circuit open, 1 failures, 1 rejected")
}

func TestRejectsBadKeepAliveSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAlive.URL = "http://localhost:1/keep-alive"
	cfg.KeepAlive.Schedule = "not a schedule"

	_, err := New(cfg, logger.Discard())
	assert.Error(t, err)
}

func TestFetchOnceRequiresDiscord(t *testing.T) {
	c := newContainer(t, testConfig())
	assert.Error(t, c.FetchOnce(context.Background()))
}

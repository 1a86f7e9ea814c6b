package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/pkg/health"
	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/validator"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBot struct {
	ready bool
	tag   string
}

func (b fakeBot) Ready() bool    { return b.ready }
func (b fakeBot) BotTag() string { return b.tag }

func messagesRouter(cache *store.MessageCache) *gin.Engine {
	r := gin.New()
	NewMessageController(cache).RegisterRoutes(r.Group("/api"))
	return r
}

func TestGetMessagesBeforeFirstRefresh(t *testing.T) {
	r := messagesRouter(store.NewMessageCache(5))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"count":0,"messages":[],"lastUpdate":null}`, w.Body.String())
}

func TestGetMessagesServesSnapshot(t *testing.T) {
	cache := store.NewMessageCache(5)
	updated := time.UnixMilli(1_717_257_600_000)
	cache.Write(models.Snapshot{
		Messages: []models.ResolvedMessage{
			{ID: "1", Content: "first", Timestamp: 1},
			{ID: "2", Content: "second", Timestamp: 2},
			{ID: "3", Content: "third", Timestamp: 3},
		},
		UpdatedAt: updated,
	})
	r := messagesRouter(cache)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Count)
	assert.Equal(t, "first", body.Messages[0].Content)
	require.NotNil(t, body.LastUpdate)
	assert.Equal(t, updated.UnixMilli(), *body.LastUpdate)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/messages?limit=2", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "second", body.Messages[0].Content)
}

func healthRouter(bot BotStatus, cache *store.MessageCache) *gin.Engine {
	checker := health.NewChecker(logger.Discard(), time.Second)
	checker.RegisterCheck("discord", true, func(context.Context) (health.Status, string, error) {
		if bot == nil || !bot.Ready() {
			return health.StatusDown, "not connected", nil
		}
		return health.StatusUp, bot.BotTag(), nil
	})
	checker.RegisterCheck("messages", true, func(context.Context) (health.Status, string, error) {
		if cache.Len() == 0 {
			return health.StatusDegraded, "no messages cached", nil
		}
		return health.StatusUp, "", nil
	})

	r := gin.New()
	NewHealthController(checker, bot, cache, time.Now().Add(-time.Minute)).RegisterRoutes(r)
	return r
}

func TestHealthDegradedWithoutConnection(t *testing.T) {
	r := healthRouter(nil, store.NewMessageCache(5))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "disconnected", body.Bot)
	assert.Equal(t, 0, body.Messages)
	assert.GreaterOrEqual(t, body.Uptime, 60.0)
}

func TestHealthDegradedWithEmptyCache(t *testing.T) {
	r := healthRouter(fakeBot{ready: true, tag: "mapbot"}, store.NewMessageCache(5))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthOK(t *testing.T) {
	cache := store.NewMessageCache(5)
	cache.Write(models.Snapshot{Messages: []models.ResolvedMessage{{ID: "1"}}, UpdatedAt: time.Now()})
	r := healthRouter(fakeBot{ready: true, tag: "mapbot"}, cache)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "mapbot", body.Bot)
	assert.Equal(t, 1, body.Messages)
	assert.Contains(t, body.Components, "discord")
}

func TestKeepAliveAndIndex(t *testing.T) {
	r := gin.New()
	r.GET("/keep-alive", KeepAlive)
	r.GET("/", Index)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/keep-alive", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "I am alive!", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, Banner, w.Body.String())
}

func TestEmbeddedOpenAPIDocumentLoads(t *testing.T) {
	v, err := validator.NewOpenAPIValidator(OpenAPIDocument)
	require.NoError(t, err)

	r := gin.New()
	r.Use(v.Middleware())
	r.GET("/api/docs/openapi.yaml", ServeOpenAPI)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi: 3.0.3")
}

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/pkg/logger"
	pkgws "discord-map-bridge/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type frame struct {
	Type    string          `json:"type"`
	Content SnapshotContent `json:"content"`
}

func startHub(t *testing.T, origins ...string) (*Hub, *store.MessageCache, string, context.CancelFunc) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cache := store.NewMessageCache(10)
	hub := NewHub(cache, origins, logger.Discard())
	cache.OnWrite(hub.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/api/stream", hub.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, cache, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream", cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestSubscriberGetsCurrentSnapshotOnConnect(t *testing.T) {
	_, _, url, _ := startHub(t)
	conn := dial(t, url)

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, pkgws.TypeSnapshot, f.Type)
	assert.Equal(t, 0, f.Content.Count)
	assert.Nil(t, f.Content.LastUpdate)
}

func TestWritePushesSnapshot(t *testing.T) {
	hub, cache, url, _ := startHub(t)
	conn := dial(t, url)

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	cache.Write(models.Snapshot{
		Messages:  []models.ResolvedMessage{{ID: "1", Content: "hello"}},
		UpdatedAt: time.Now(),
	})

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, 1, f.Content.Count)
	assert.Equal(t, "hello", f.Content.Messages[0].Content)
	assert.NotNil(t, f.Content.LastUpdate)
}

func TestPingIsAnswered(t *testing.T) {
	_, _, url, _ := startHub(t)
	conn := dial(t, url)

	var f frame
	require.NoError(t, conn.ReadJSON(&f))

	require.NoError(t, conn.WriteJSON(pkgws.Message{Type: pkgws.TypePing}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, pkgws.TypePong, f.Type)
}

func TestShutdownClosesSubscribers(t *testing.T) {
	hub, _, url, cancel := startHub(t)
	conn := dial(t, url)

	var f frame
	require.NoError(t, conn.ReadJSON(&f))

	cancel()

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
	assert.Equal(t, 0, hub.Count())
}

func TestRejectsUnlistedOrigin(t *testing.T) {
	_, _, url, _ := startHub(t, "https://map.example")

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"https://map.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

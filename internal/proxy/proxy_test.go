package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGateway(t *testing.T, upstream string, threshold uint) *Gateway {
	t.Helper()
	g, err := New(Config{
		UpstreamURL:      upstream,
		Timeout:          2 * time.Second,
		FailureThreshold: threshold,
		RetryTimeout:     time.Hour,
	}, nil, logger.Discard())
	require.NoError(t, err)
	return g
}

// gatewayServer mounts the gateway as the catch-all, with one API route in front of it
func gatewayServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.GET("/api/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "messages": []string{}})
	})
	r.NoRoute(g.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func deadUpstream(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	return addr
}

func TestNewRejectsBadUpstream(t *testing.T) {
	for _, raw := range []string{"ftp://map", "http://", "::bad"} {
		_, err := New(Config{UpstreamURL: raw}, nil, logger.Discard())
		assert.Error(t, err, raw)
	}
}

type seenRequest struct {
	host, method, path, query, body, forwardedHost string
}

func TestForwardsRequestVerbatim(t *testing.T) {
	seen := make(chan seenRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			host:          r.Host,
			method:        r.Method,
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			body:          string(body),
			forwardedHost: r.Header.Get("X-Forwarded-Host"),
		}

		w.Header().Set("X-Map-Version", "42")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("tile-data"))
	}))
	defer upstream.Close()

	srv := gatewayServer(t, newGateway(t, upstream.URL, 5))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/tiles/0/1.png?zoom=3", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("X-Map-Version"))
	assert.Equal(t, "tile-data", string(body))

	got := <-seen
	upstreamURL, _ := url.Parse(upstream.URL)
	srvURL, _ := url.Parse(srv.URL)
	assert.Equal(t, upstreamURL.Host, got.host, "Host is rewritten to the upstream authority")
	assert.Equal(t, srvURL.Host, got.forwardedHost)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/tiles/0/1.png", got.path)
	assert.Equal(t, "zoom=3", got.query)
	assert.Equal(t, "payload", got.body)
}

func TestUpstreamErrorsAreRelayedNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, 1)
	srv := gatewayServer(t, g)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/index.html")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, resilience.StateClosed, g.Breaker().GetState())
}

func TestDeadUpstreamReturnsBadGatewayAndAPIStillServes(t *testing.T) {
	srv := gatewayServer(t, newGateway(t, deadUpstream(t), 5))

	resp, err := http.Get(srv.URL + "/some/map/path")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, strings.TrimSpace(string(body)))
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", resp.Header.Get("X-Proxy-Error"))

	resp, err = http.Get(srv.URL + "/api/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	g := newGateway(t, deadUpstream(t), 2)
	srv := gatewayServer(t, g)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, resilience.StateOpen, g.Breaker().GetState())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "UPSTREAM_SUSPENDED", resp.Header.Get("X-Proxy-Error"))
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

type upstreamEvent struct {
	path     string
	protocol string
	err      error
}

// echoUpstream echoes every message and reports how its side of the stream ended
func echoUpstream(t *testing.T, events chan<- upstreamEvent, closeAfterFirst bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"map.v1"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		events <- upstreamEvent{path: r.URL.RequestURI(), protocol: conn.Subprotocol()}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				events <- upstreamEvent{err: err}
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
			if closeAfterFirst {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4001, "map reloaded"), time.Now().Add(time.Second))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRelaysBothWays(t *testing.T) {
	events := make(chan upstreamEvent, 4)
	upstream := echoUpstream(t, events, false)
	srv := gatewayServer(t, newGateway(t, upstream.URL, 5))

	dialer := websocket.Dialer{Subprotocols: []string{"map.v1"}}
	conn, resp, err := dialer.Dial(wsURL(srv.URL, "/live?world=overworld"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "map.v1", conn.Subprotocol())

	select {
	case ev := <-events:
		assert.Equal(t, "/live?world=overworld", ev.path)
		assert.Equal(t, "map.v1", ev.protocol)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the handshake")
	}

	for _, msg := range []string{`{"type":"players"}`, `{"type":"markers"}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, msg, string(data))
	}

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0x01, 0x02}, data)
}

func TestClientClosePropagatesUpstream(t *testing.T) {
	events := make(chan upstreamEvent, 4)
	upstream := echoUpstream(t, events, false)
	srv := gatewayServer(t, newGateway(t, upstream.URL, 5))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/live"), nil)
	require.NoError(t, err)
	<-events

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))
	defer conn.Close()

	select {
	case ev := <-events:
		assert.True(t, websocket.IsCloseError(ev.err, websocket.CloseNormalClosure), "got %v", ev.err)
	case <-time.After(3 * time.Second):
		t.Fatal("close was not propagated to the upstream")
	}
}

func TestUpstreamClosePropagatesToClient(t *testing.T) {
	events := make(chan upstreamEvent, 4)
	upstream := echoUpstream(t, events, true)
	srv := gatewayServer(t, newGateway(t, upstream.URL, 5))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/live"), nil)
	require.NoError(t, err)
	defer conn.Close()
	<-events

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, 4001), "got %v", err)
}

func TestWebSocketUpstreamDown(t *testing.T) {
	srv := gatewayServer(t, newGateway(t, deadUpstream(t), 5))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/live"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebSocketHandshakeRefusalIsRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden origin", http.StatusForbidden)
	}))
	defer upstream.Close()
	srv := gatewayServer(t, newGateway(t, upstream.URL, 5))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/live"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestForwardHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://bridge.example/live", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "abc")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Protocol", "map.v1")
	r.Header.Set("Cookie", "session=1")
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	h := forwardHeaders(r)
	assert.Empty(t, h.Get("Upgrade"))
	assert.Empty(t, h.Get("Sec-WebSocket-Key"))
	assert.Empty(t, h.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, "session=1", h.Get("Cookie"))
	assert.Equal(t, "198.51.100.1, 203.0.113.7", h.Get("X-Forwarded-For"))
	assert.Equal(t, "bridge.example", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", h.Get("X-Forwarded-Proto"))
}

func TestWebSocketURL(t *testing.T) {
	g := newGateway(t, "https://map.example/base/", 5)
	r := httptest.NewRequest(http.MethodGet, "/live?x=1", nil)
	assert.Equal(t, "wss://map.example/base/live?x=1", g.webSocketURL(r))
}

func TestCloseMessageFor(t *testing.T) {
	msg := closeMessageFor(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), msg)

	msg = closeMessageFor(&websocket.CloseError{Code: websocket.CloseNoStatusReceived})
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), msg)

	msg = closeMessageFor(&websocket.CloseError{Code: 4001, Text: "map reloaded"})
	assert.Equal(t, websocket.FormatCloseMessage(4001, "map reloaded"), msg)

	msg = closeMessageFor(io.ErrUnexpectedEOF)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), msg)
}

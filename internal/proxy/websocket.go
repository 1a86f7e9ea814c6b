package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"discord-map-bridge/backend/pkg/logger"

	"github.com/gorilla/websocket"
)

// Headers the dialer sets itself or that only apply to the client hop
var skipHeaders = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Keep-Alive":               true,
	"Proxy-Connection":         true,
	"Proxy-Authorization":      true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	ctx := r.Context()

	if err := g.breaker.Allow(); err != nil {
		log.Debug("proxy state", "state", stateUpstreamError, "reason", err.Error())
		g.metrics.RecordProxy(ctx, "websocket", outcomeRejected)
		writeError(w, errUpstreamSuspended)
		return
	}

	upstreamURL := g.webSocketURL(r)
	log.Debug("proxy state", "state", stateHandshaking, "upstream", upstreamURL)

	dialer := *g.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstream, resp, err := dialer.DialContext(ctx, upstreamURL, forwardHeaders(r))
	if err != nil {
		if resp != nil {
			// the upstream answered but refused the upgrade; pass its answer on
			g.breaker.RecordSuccess()
			g.metrics.RecordProxy(ctx, "websocket", outcomeForwarded)
			log.Debug("proxy state", "state", stateCompleted, "status", resp.StatusCode)
			relayResponse(w, resp)
			return
		}
		if errors.Is(err, context.Canceled) {
			g.breaker.Release()
			g.metrics.RecordProxy(ctx, "websocket", outcomeCanceled)
			return
		}
		g.breaker.RecordFailure()
		g.metrics.RecordProxy(ctx, "websocket", outcomeError)
		log.Warn("proxy state",
			"state", stateUpstreamError,
			"path", r.URL.Path,
			"upstream", g.target.Host,
			"error", err.Error(),
		)
		writeError(w, errUpstreamUnavailable)
		return
	}
	g.breaker.RecordSuccess()

	responseHeader := http.Header{}
	if protocol := upstream.Subprotocol(); protocol != "" {
		responseHeader.Set("Sec-Websocket-Protocol", protocol)
	}
	if resp != nil {
		for _, cookie := range resp.Header.Values("Set-Cookie") {
			responseHeader.Add("Set-Cookie", cookie)
		}
	}

	client, err := g.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade has already answered the client
		log.Warn("client websocket upgrade failed", "error", err.Error())
		_ = upstream.Close()
		g.metrics.RecordProxy(ctx, "websocket", outcomeCanceled)
		return
	}

	g.metrics.RecordProxy(ctx, "websocket", outcomeForwarded)
	log.Debug("proxy state", "state", stateStreaming)
	started := time.Now()

	cause := splice(client, upstream)

	log.Debug("proxy state",
		"state", stateClosed,
		"reason", describeClose(cause),
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// webSocketURL maps the request onto the upstream origin with a ws or wss scheme
func (g *Gateway) webSocketURL(r *http.Request) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     g.target.Host,
		Path:     singleJoiningSlash(g.target.Path, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}
	if g.target.Scheme == "https" {
		u.Scheme = "wss"
	}
	return u.String()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// forwardHeaders copies end-to-end request headers and adds the X-Forwarded set
func forwardHeaders(r *http.Request) http.Header {
	out := http.Header{}
	for k, vs := range r.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Set("X-Forwarded-For", ip)
	}
	out.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		out.Set("X-Forwarded-Proto", "https")
	} else {
		out.Set("X-Forwarded-Proto", "http")
	}
	return out
}

func relayResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] || http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
		_ = resp.Body.Close()
	}
}

// splice relays messages both ways until one side fails or closes, then
// closes both. It returns what ended the stream.
func splice(client, upstream *websocket.Conn) error {
	errc := make(chan error, 2)
	go relay(upstream, client, errc)
	go relay(client, upstream, errc)

	cause := <-errc

	msg := closeMessageFor(cause)
	deadline := time.Now().Add(closeGracePeriod)
	_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = client.Close()
	_ = upstream.Close()

	<-errc
	return cause
}

func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			errc <- err
			return
		}
	}
}

// closeMessageFor forwards the peer's close code where it may be sent on the wire
func closeMessageFor(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

func describeClose(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return "connection closed"
	}
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

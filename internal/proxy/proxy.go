// Package proxy forwards everything outside the API to the map server.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	apperrors "discord-map-bridge/backend/pkg/errors"
	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/middleware"
	"discord-map-bridge/backend/pkg/observability"
	"discord-map-bridge/backend/pkg/resilience"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 10 * time.Second
	tlsTimeout       = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// Request states, logged at debug level
const (
	stateReceived      = "RECEIVED"
	stateForwarding    = "FORWARDING"
	stateCompleted     = "COMPLETED"
	stateUpstreamError = "UPSTREAM_ERROR"
	stateHandshaking   = "HANDSHAKING"
	stateStreaming     = "STREAMING"
	stateClosed        = "CLOSED"
)

// Metric outcomes
const (
	outcomeForwarded = "forwarded"
	outcomeError     = "upstream_error"
	outcomeRejected  = "circuit_open"
	outcomeCanceled  = "canceled"
)

var (
	errUpstreamUnavailable = apperrors.NewBadGatewayError("UPSTREAM_UNAVAILABLE",
		"Unable to reach the map server. Please try again later.")
	errUpstreamSuspended = apperrors.NewBadGatewayError("UPSTREAM_SUSPENDED",
		"The map server is temporarily unavailable. Please try again later.")
)

// Config configures the gateway
type Config struct {
	UpstreamURL string
	// Timeout bounds the wait for upstream response headers. Bodies and
	// established streams are not bounded.
	Timeout          time.Duration
	FailureThreshold uint
	RetryTimeout     time.Duration
}

// Gateway forwards HTTP requests and WebSocket streams to one upstream origin
type Gateway struct {
	target   *url.URL
	proxy    *httputil.ReverseProxy
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	breaker  *resilience.CircuitBreaker
	metrics  *observability.Metrics
	log      *logger.Logger
}

// New creates a gateway for cfg.UpstreamURL. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics, log *logger.Logger) (*Gateway, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", cfg.UpstreamURL)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: missing host", cfg.UpstreamURL)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("map-upstream")
	if cfg.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.RetryTimeout > 0 {
		breakerCfg.RetryTimeout = cfg.RetryTimeout
	}

	g := &Gateway{
		target:  target,
		breaker: resilience.NewCircuitBreaker(breakerCfg, log),
		metrics: metrics,
		log:     log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			NetDialContext:   (&net.Dialer{Timeout: dialTimeout}).DialContext,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// the upstream decides whether an origin is acceptable
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// SetURL also clears Out.Host so the upstream sees its own authority
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   tlsTimeout,
			ResponseHeaderTimeout: cfg.Timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			ForceAttemptHTTP2:     true,
		},
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.handleError,
		ErrorLog:       slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	return g, nil
}

// Breaker exposes the upstream circuit breaker for health reporting
func (g *Gateway) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Target returns the upstream origin
func (g *Gateway) Target() *url.URL {
	return g.target
}

// Handler adapts the gateway to gin, logging with the request-scoped logger
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.serve(c.Writer, c.Request, logger.FromContext(c))
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, g.log.WithRequestID(middleware.GetRequestID(r.Context())))
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	log = log.Named("proxy")
	log.Debug("proxy state", "state", stateReceived, "method", r.Method, "path", r.URL.Path)

	if websocket.IsWebSocketUpgrade(r) {
		g.serveWebSocket(w, r, log)
		return
	}

	if err := g.breaker.Allow(); err != nil {
		log.Debug("proxy state", "state", stateUpstreamError, "reason", err.Error())
		g.metrics.RecordProxy(r.Context(), "http", outcomeRejected)
		writeError(w, errUpstreamSuspended)
		return
	}

	log.Debug("proxy state", "state", stateForwarding, "upstream", g.target.Host)
	g.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey{}, log)))
}

type loggerKey struct{}

func (g *Gateway) requestLogger(r *http.Request) *logger.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*logger.Logger); ok {
		return l
	}
	return g.log
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	// any answer, 5xx included, means the upstream is reachable
	g.breaker.RecordSuccess()
	g.metrics.RecordProxy(resp.Request.Context(), "http", outcomeForwarded)
	g.requestLogger(resp.Request).Debug("proxy state", "state", stateCompleted, "status", resp.StatusCode)
	return nil
}

func (g *Gateway) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := g.requestLogger(r)

	if errors.Is(err, context.Canceled) {
		g.breaker.Release()
		g.metrics.RecordProxy(r.Context(), "http", outcomeCanceled)
		log.Debug("client went away before the upstream answered", "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	g.breaker.RecordFailure()
	g.metrics.RecordProxy(r.Context(), "http", outcomeError)
	log.Warn("proxy state",
		"state", stateUpstreamError,
		"method", r.Method,
		"path", r.URL.Path,
		"upstream", g.target.Host,
		"error", err.Error(),
	)
	writeError(w, errUpstreamUnavailable)
}

// writeError answers with a plain-text body; proxied clients are browsers, not API consumers
func writeError(w http.ResponseWriter, appErr *apperrors.AppError) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Proxy-Error", appErr.Code)
	w.WriteHeader(appErr.StatusCode)
	_, _ = fmt.Fprintln(w, appErr.Message)
}

package router

import (
	"net/http"
	"strings"
	"time"

	"discord-map-bridge/backend/internal/api"
	"discord-map-bridge/backend/internal/proxy"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/internal/ws"
	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/errors"
	"discord-map-bridge/backend/pkg/health"
	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Options carries everything the routes are served from
type Options struct {
	Config   *config.Config
	Logger   *logger.Logger
	Messages *store.MessageCache
	Health   *health.Checker
	// Bot is nil when the Discord half is disabled
	Bot api.BotStatus
	// Gateway is nil when forwarding is disabled
	Gateway *proxy.Gateway
	// Stream is optional
	Stream *ws.Hub
	// MetricsHandler is optional
	MetricsHandler http.Handler
	Started        time.Time
}

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	Logger      *logger.Logger
	Config      *config.Config
	rateLimiter *middleware.RateLimiter
	opts        Options
}

// New creates a new router and registers every route
func New(opts Options) (*Router, error) {
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobal()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Messages == nil {
		opts.Messages = store.NewMessageCache(opts.Config.Discord.MessageLimit)
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(opts.Logger, 5*time.Second)
	}
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	// Configure Gin mode based on environment
	switch opts.Config.Server.Env {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	engine := gin.New()
	// unmatched paths belong to the map server, leave them as they came
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	engine.Use(middleware.RequestID())
	engine.Use(logger.Middleware(opts.Logger))
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(errors.ErrorHandler())
	engine.Use(middleware.CORS(opts.Config.Security.AllowedOrigins))

	r := &Router{
		Engine: engine,
		Logger: opts.Logger,
		Config: opts.Config,
		rateLimiter: middleware.NewRateLimiter(opts.Logger, middleware.RateLimiterOptions{
			Limit:          rate.Limit(opts.Config.Security.RateLimit),
			Burst:          opts.Config.Security.RateLimitBurst,
			ExpiryDuration: time.Hour,
		}),
		opts: opts,
	}

	if err := r.setupAPIRoutes(); err != nil {
		r.rateLimiter.Stop()
		return nil, err
	}
	r.setupSystemRoutes()
	r.setupFallback()

	return r, nil
}

// setupAPIRoutes registers the JSON API under /api
func (r *Router) setupAPIRoutes() error {
	apiGroup := r.Engine.Group("/api")
	apiGroup.Use(r.rateLimiter.Middleware())

	if err := r.addOpenAPIValidation(apiGroup); err != nil {
		return err
	}

	api.NewMessageController(r.opts.Messages).RegisterRoutes(apiGroup)
	if r.opts.Stream != nil {
		apiGroup.GET("/stream", r.opts.Stream.ServeWs)
	}
	return nil
}

// setupFallback sends every unmatched path to the map server, except /api
// which always answers locally
func (r *Router) setupFallback() {
	gateway := r.opts.Gateway

	var forward gin.HandlerFunc
	if gateway != nil {
		forward = gateway.Handler()
	} else {
		r.Engine.GET("/", api.Index)
	}

	r.Engine.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/api" || strings.HasPrefix(path, "/api/") || forward == nil {
			c.Error(errors.NewNotFoundError("NOT_FOUND", "Route not found").WithDetails(path))
			return
		}
		forward(c)
	})
}

// Close releases background resources held by the middleware
func (r *Router) Close() {
	r.rateLimiter.Stop()
}

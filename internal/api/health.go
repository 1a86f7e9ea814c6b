package api

import (
	"net/http"
	"time"

	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/pkg/health"

	"github.com/gin-gonic/gin"
)

// BotStatus reports the chat gateway connection
type BotStatus interface {
	Ready() bool
	BotTag() string
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status     string                       `json:"status"`
	Bot        string                       `json:"bot"`
	Messages   int                          `json:"messages"`
	Uptime     float64                      `json:"uptime"`
	Timestamp  time.Time                    `json:"timestamp"`
	Components map[string]*health.Component `json:"components"`
}

// HealthController serves /health
type HealthController struct {
	checker *health.Checker
	bot     BotStatus
	cache   *store.MessageCache
	started time.Time
}

// NewHealthController creates the controller. bot is nil when the Discord half is disabled.
func NewHealthController(checker *health.Checker, bot BotStatus, cache *store.MessageCache, started time.Time) *HealthController {
	return &HealthController{checker: checker, bot: bot, cache: cache, started: started}
}

// RegisterRoutes registers health check related routes
func (h *HealthController) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.Health)
}

// Health answers 200 when every critical component is up and 503 otherwise
func (h *HealthController) Health(c *gin.Context) {
	report := h.checker.Run(c.Request.Context())

	botTag := "disconnected"
	if h.bot != nil {
		botTag = h.bot.BotTag()
	}

	response := HealthResponse{
		Status:     "ok",
		Bot:        botTag,
		Messages:   h.cache.Len(),
		Uptime:     time.Since(h.started).Seconds(),
		Timestamp:  time.Now().UTC(),
		Components: report.Components,
	}

	status := http.StatusOK
	if !report.Healthy {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

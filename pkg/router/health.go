package router

import (
	"discord-map-bridge/backend/internal/api"

	"github.com/gin-gonic/gin"
)

// setupSystemRoutes registers the probe endpoints polled by monitors
func (r *Router) setupSystemRoutes() {
	api.NewHealthController(r.opts.Health, r.opts.Bot, r.opts.Messages, r.opts.Started).RegisterRoutes(r.Engine)
	r.Engine.GET("/keep-alive", api.KeepAlive)

	if r.opts.MetricsHandler != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.opts.MetricsHandler))
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Banner is served at / when no map upstream is configured
const Banner = "Discord map bridge is running. Messages are served at /api/messages."

// KeepAlive answers uptime pings
func KeepAlive(c *gin.Context) {
	c.String(http.StatusOK, "I am alive!")
}

// Index serves the plain banner
func Index(c *gin.Context) {
	c.String(http.StatusOK, Banner)
}

package api

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// OpenAPIDocument describes the /api surface. Requests are validated against it.
//
//go:embed openapi.yaml
var OpenAPIDocument []byte

// ServeOpenAPI serves the embedded document
func ServeOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", OpenAPIDocument)
}

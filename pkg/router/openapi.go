package router

import (
	"fmt"

	"discord-map-bridge/backend/internal/api"
	"discord-map-bridge/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// addOpenAPIValidation validates /api requests against the embedded
// document and serves it under /api/docs
func (r *Router) addOpenAPIValidation(group *gin.RouterGroup) error {
	v, err := validator.NewOpenAPIValidator(api.OpenAPIDocument)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenAPI validator: %w", err)
	}

	group.Use(v.Middleware())
	group.GET("/docs/openapi.yaml", api.ServeOpenAPI)

	r.Logger.Debug("OpenAPI validation enabled", "url", "/api/docs/openapi.yaml")
	return nil
}

package api

import (
	"net/http"
	"strconv"

	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/internal/store"

	"github.com/gin-gonic/gin"
)

// MessagesResponse is the body of GET /api/messages
type MessagesResponse struct {
	Success    bool                     `json:"success"`
	Count      int                      `json:"count"`
	Messages   []models.ResolvedMessage `json:"messages"`
	LastUpdate *int64                   `json:"lastUpdate"`
}

// MessageController serves the cached snapshot
type MessageController struct {
	cache *store.MessageCache
}

// NewMessageController creates a new message controller
func NewMessageController(cache *store.MessageCache) *MessageController {
	return &MessageController{cache: cache}
}

// RegisterRoutes registers the routes for the message controller
func (c *MessageController) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/messages", c.GetMessages)
}

// GetMessages returns the current snapshot, oldest first. ?limit=n keeps the newest n.
// It never fails: before the first refresh the list is empty.
func (c *MessageController) GetMessages(ctx *gin.Context) {
	snapshot := c.cache.Read()
	messages := snapshot.Messages

	if raw := ctx.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(messages) {
			messages = messages[len(messages)-n:]
		}
	}

	ctx.JSON(http.StatusOK, MessagesResponse{
		Success:    true,
		Count:      len(messages),
		Messages:   messages,
		LastUpdate: snapshot.LastUpdateMillis(),
	})
}

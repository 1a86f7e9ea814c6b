// Package store holds the current message snapshot.
package store

import (
	"sync/atomic"

	"discord-map-bridge/backend/internal/models"
)

// MessageCache holds one snapshot at a time. Reads never block; a write replaces
// the whole value so readers see either the old or the new snapshot.
type MessageCache struct {
	limit   int
	current atomic.Pointer[models.Snapshot]
	onWrite func()
}

// NewMessageCache creates an empty cache holding at most limit messages
func NewMessageCache(limit int) *MessageCache {
	c := &MessageCache{limit: limit}
	c.current.Store(&models.Snapshot{Messages: []models.ResolvedMessage{}})
	return c
}

// Read returns the current snapshot. Callers must not modify it.
func (c *MessageCache) Read() models.Snapshot {
	return *c.current.Load()
}

// Write replaces the current snapshot, keeping only the newest messages when over the limit
func (c *MessageCache) Write(s models.Snapshot) {
	msgs := s.Messages
	if msgs == nil {
		msgs = []models.ResolvedMessage{}
	}
	if c.limit > 0 && len(msgs) > c.limit {
		msgs = msgs[len(msgs)-c.limit:]
	}
	owned := make([]models.ResolvedMessage, len(msgs))
	copy(owned, msgs)

	c.current.Store(&models.Snapshot{Messages: owned, UpdatedAt: s.UpdatedAt})

	if c.onWrite != nil {
		c.onWrite()
	}
}

// OnWrite registers fn to run after every Write. Call before the first Write.
func (c *MessageCache) OnWrite(fn func()) {
	c.onWrite = fn
}

// Len returns the number of messages in the current snapshot
func (c *MessageCache) Len() int {
	return len(c.current.Load().Messages)
}

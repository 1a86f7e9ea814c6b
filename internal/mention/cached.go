package mention

import (
	"context"
	"encoding/json"
	"time"

	"discord-map-bridge/backend/pkg/cache"
	"discord-map-bridge/backend/pkg/logger"
)

// CachedDirectory memoizes successful member and user lookups in a cache.Store.
// Failures are not cached, and channel lookups are already local so they pass through.
type CachedDirectory struct {
	next  Directory
	store cache.Store
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachedDirectory wraps next
func NewCachedDirectory(next Directory, store cache.Store, ttl time.Duration, log *logger.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, store: store, ttl: ttl, log: log}
}

func (d *CachedDirectory) Member(ctx context.Context, guildID, userID string) (Profile, error) {
	return d.cached(ctx, "member:"+guildID+":"+userID, func() (Profile, error) {
		return d.next.Member(ctx, guildID, userID)
	})
}

func (d *CachedDirectory) User(ctx context.Context, userID string) (Profile, error) {
	return d.cached(ctx, "user:"+userID, func() (Profile, error) {
		return d.next.User(ctx, userID)
	})
}

func (d *CachedDirectory) Channel(guildID, channelID string) (string, error) {
	return d.next.Channel(guildID, channelID)
}

func (d *CachedDirectory) cached(ctx context.Context, key string, load func() (Profile, error)) (Profile, error) {
	raw, found, err := d.store.Get(ctx, key)
	if err != nil {
		d.log.Debug("lookup cache read failed", "key", key, "error", err.Error())
	}
	if found {
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return p, nil
		}
	}

	p, err := load()
	if err != nil {
		return Profile{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := d.store.Set(ctx, key, string(data), d.ttl); err != nil {
			d.log.Debug("lookup cache write failed", "key", key, "error", err.Error())
		}
	}
	return p, nil
}

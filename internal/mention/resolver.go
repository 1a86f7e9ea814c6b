// Package mention replaces chat mention tokens with display names.
package mention

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/pkg/logger"
)

// ErrNotFound is returned by a Directory when the id is unknown to it
var ErrNotFound = errors.New("not found")

// tokenPattern matches <@id>, <@!id> and <#id>
var tokenPattern = regexp.MustCompile(`<(@!?|#)(\d+)>`)

// Profile is what a user lookup yields
type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Directory looks up the people and channels mentions point at
type Directory interface {
	// Member returns the guild-scoped profile, with the nickname as Name when set
	Member(ctx context.Context, guildID, userID string) (Profile, error)
	// User returns the global profile
	User(ctx context.Context, userID string) (Profile, error)
	// Channel returns a channel name from the locally cached guild listing, without network access
	Channel(guildID, channelID string) (string, error)
}

// Result is a resolved text and the mentions that were resolved in it, in order of first appearance
type Result struct {
	Text     string
	Users    []models.UserMention
	Channels []models.ChannelMention
}

// Resolver substitutes mention tokens. It holds no state besides its collaborators.
type Resolver struct {
	dir Directory
	log *logger.Logger
}

// NewResolver creates a resolver backed by dir
func NewResolver(dir Directory, log *logger.Logger) *Resolver {
	return &Resolver{dir: dir, log: log}
}

// Resolve replaces every resolvable token in text. Tokens that cannot be resolved are
// kept verbatim. Each distinct id is looked up once.
func (r *Resolver) Resolve(ctx context.Context, guildID, text string) Result {
	result := Result{
		Text:     text,
		Users:    []models.UserMention{},
		Channels: []models.ChannelMention{},
	}

	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return result
	}

	users := make(map[string]string)
	channels := make(map[string]string)
	seenUsers := make(map[string]bool)
	seenChannels := make(map[string]bool)

	for _, m := range matches {
		kind, id := m[1], m[2]

		if kind == "#" {
			if seenChannels[id] {
				continue
			}
			seenChannels[id] = true
			name, ok := r.lookupChannel(guildID, id)
			if !ok {
				continue
			}
			channels[id] = name
			result.Channels = append(result.Channels, models.ChannelMention{ID: id, Name: name})
			continue
		}

		if seenUsers[id] {
			continue
		}
		seenUsers[id] = true
		profile, ok := r.lookupUser(ctx, guildID, id)
		if !ok {
			continue
		}
		users[id] = profile.Name
		result.Users = append(result.Users, models.UserMention{ID: id, Name: profile.Name, Avatar: profile.Avatar})
	}

	result.Text = tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		if m[1] == "#" {
			if name, ok := channels[m[2]]; ok {
				return "#" + name
			}
			return token
		}
		if name, ok := users[m[2]]; ok {
			return "@" + name
		}
		return token
	})

	return result
}

// lookupUser tries the guild member first and falls back to the global user
func (r *Resolver) lookupUser(ctx context.Context, guildID, userID string) (Profile, bool) {
	var memberErr error
	if guildID != "" {
		profile, err := r.dir.Member(ctx, guildID, userID)
		if err == nil && strings.TrimSpace(profile.Name) != "" {
			return profile, true
		}
		memberErr = err
	}

	profile, err := r.dir.User(ctx, userID)
	if err == nil && strings.TrimSpace(profile.Name) != "" {
		return profile, true
	}

	args := []any{"user_id", userID, "guild_id", guildID}
	if memberErr != nil {
		args = append(args, "member_error", memberErr.Error())
	}
	if err != nil {
		args = append(args, "user_error", err.Error())
	}
	r.log.Warn("unresolved user mention", args...)
	return Profile{}, false
}

func (r *Resolver) lookupChannel(guildID, channelID string) (string, bool) {
	name, err := r.dir.Channel(guildID, channelID)
	if err != nil || name == "" {
		args := []any{"channel_id", channelID, "guild_id", guildID}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		r.log.Warn("unresolved channel mention", args...)
		return "", false
	}
	return name, true
}

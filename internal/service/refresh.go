package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"discord-map-bridge/backend/internal/mention"
	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DateLayout is the display format of ResolvedMessage.Date
const DateLayout = "02/01/2006 15:04"

const refreshTimeout = time.Minute

var (
	// ErrPlatformUnavailable means the chat gateway is not connected; the refresh is skipped
	ErrPlatformUnavailable = errors.New("chat platform unavailable")
	// ErrChannelNotFound means the tracked channel id does not resolve
	ErrChannelNotFound = errors.New("tracked channel not found")
)

// Source fetches the tracked channel
type Source interface {
	Ready() bool
	Channel(ctx context.Context, channelID string) (models.ChannelInfo, error)
	// RecentMessages returns the newest messages first
	RecentMessages(ctx context.Context, ch models.ChannelInfo, limit int) ([]models.RawMessage, error)
}

// MentionResolver rewrites mention tokens in message text
type MentionResolver interface {
	Resolve(ctx context.Context, guildID, text string) mention.Result
}

// RefreshConfig configures the pipeline
type RefreshConfig struct {
	ChannelID   string
	Limit       int
	Location    *time.Location
	SettleDelay time.Duration
}

// RefreshService rebuilds the message snapshot. At most one refresh runs at a time,
// and triggers arriving while one is queued are coalesced into it.
type RefreshService struct {
	source   Source
	resolver MentionResolver
	cache    *store.MessageCache
	cfg      RefreshConfig
	log      *logger.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	pending chan struct{}
	now     func() time.Time
}

// NewRefreshService creates the pipeline. metrics may be nil.
func NewRefreshService(source Source, resolver MentionResolver, cache *store.MessageCache, cfg RefreshConfig, metrics *observability.Metrics, log *logger.Logger) *RefreshService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &RefreshService{
		source:   source,
		resolver: resolver,
		cache:    cache,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tracer:   otel.Tracer("discord-map-bridge/refresh"),
		pending:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Refresh fetches, resolves and publishes one snapshot. On any error the previous
// snapshot stays in place. The error is logged here and returned for in-process callers.
func (s *RefreshService) Refresh(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "refresh",
		trace.WithAttributes(attribute.String("discord.channel_id", s.cfg.ChannelID)))
	defer span.End()

	count := 0
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}

		elapsed := time.Since(start)
		switch {
		case err == nil:
			s.metrics.RecordRefresh(ctx, observability.OutcomeSuccess, elapsed)
			s.metrics.ObserveCachedMessages(ctx, count)
			span.SetAttributes(attribute.Int("messages", count))
			s.log.Info("messages refreshed", "count", count, "duration_ms", elapsed.Milliseconds())
		case errors.Is(err, ErrPlatformUnavailable):
			s.metrics.RecordRefresh(ctx, observability.OutcomeSkipped, elapsed)
			s.log.Warn("refresh skipped", "reason", err.Error())
		default:
			s.metrics.RecordRefresh(ctx, observability.OutcomeFailure, elapsed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.LogError(err, "refresh failed, keeping previous snapshot", "channel_id", s.cfg.ChannelID)
		}
	}()

	if !s.source.Ready() {
		return ErrPlatformUnavailable
	}

	snapshot, err := s.build(ctx)
	if err != nil {
		return err
	}

	s.cache.Write(snapshot)
	count = len(snapshot.Messages)
	return nil
}

func (s *RefreshService) build(ctx context.Context) (models.Snapshot, error) {
	ch, err := s.source.Channel(ctx, s.cfg.ChannelID)
	if err != nil {
		if errors.Is(err, mention.ErrNotFound) {
			return models.Snapshot{}, fmt.Errorf("%w: %s", ErrChannelNotFound, s.cfg.ChannelID)
		}
		return models.Snapshot{}, fmt.Errorf("failed to resolve channel %s: %w", s.cfg.ChannelID, err)
	}

	raw, err := s.source.RecentMessages(ctx, ch, s.cfg.Limit)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if s.cfg.Limit > 0 && len(raw) > s.cfg.Limit {
		raw = raw[:s.cfg.Limit]
	}

	// newest first from the source, oldest first in the snapshot
	messages := make([]models.ResolvedMessage, len(raw))
	for i, m := range raw {
		guildID := m.GuildID
		if guildID == "" {
			guildID = ch.GuildID
		}
		resolved := s.resolver.Resolve(ctx, guildID, m.Content)
		messages[len(raw)-1-i] = toResolvedMessage(m, resolved, s.cfg.Location)
	}

	return models.Snapshot{Messages: messages, UpdatedAt: s.now()}, nil
}

// Trigger requests a refresh from the Run loop without waiting for it
func (s *RefreshService) Trigger() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// TriggerAfter requests a refresh once d has elapsed
func (s *RefreshService) TriggerAfter(d time.Duration) {
	if d <= 0 {
		s.Trigger()
		return
	}
	time.AfterFunc(d, s.Trigger)
}

// NotifyMessage reacts to a message created in channelID, refreshing after the
// settle delay when it is the tracked channel
func (s *RefreshService) NotifyMessage(channelID string) {
	if channelID != s.cfg.ChannelID {
		return
	}
	s.log.Debug("new message in tracked channel", "channel_id", channelID)
	s.TriggerAfter(s.cfg.SettleDelay)
}

// Run consumes triggers until ctx is done
func (s *RefreshService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pending:
			refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
			_ = s.Refresh(refreshCtx)
			cancel()
		}
	}
}

func toResolvedMessage(m models.RawMessage, resolved mention.Result, loc *time.Location) models.ResolvedMessage {
	displayName := m.Author.GlobalName
	if displayName == "" {
		displayName = m.Author.Username
	}

	out := models.ResolvedMessage{
		ID: m.ID,
		Author: models.Author{
			ID:          m.Author.ID,
			Username:    m.Author.Username,
			DisplayName: displayName,
			Avatar:      m.Author.AvatarURL,
			Bot:         m.Author.Bot,
		},
		Content:   resolved.Text,
		Timestamp: m.CreatedAt.UnixMilli(),
		Date:      m.CreatedAt.In(loc).Format(DateLayout),
		Mentions: models.Mentions{
			Users:    resolved.Users,
			Channels: resolved.Channels,
		},
		Embeds:      make([]models.Embed, 0, len(m.Embeds)),
		Attachments: make([]models.Attachment, 0, len(m.Attachments)),
	}

	for _, e := range m.Embeds {
		out.Embeds = append(out.Embeds, models.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
			Image:       e.ImageURL,
			Thumbnail:   e.ThumbnailURL,
		})
	}

	for _, a := range m.Attachments {
		att := models.Attachment{
			URL:         a.URL,
			Name:        a.Filename,
			ContentType: a.ContentType,
		}
		if a.Size > 0 {
			size := a.Size
			att.Size = &size
		}
		out.Attachments = append(out.Attachments, att)
	}

	return out
}

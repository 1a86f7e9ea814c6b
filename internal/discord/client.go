// Package discord adapts a discordgo session to the bridge's message source and mention directory.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"discord-map-bridge/backend/internal/mention"
	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/pkg/logger"

	"github.com/bwmarrin/discordgo"
)

// Intents requested on the gateway. Message content and members are privileged
// and must be enabled for the bot in the developer portal.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent |
	discordgo.IntentsGuildMembers

type restSession interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

type channelState interface {
	Channel(channelID string) (*discordgo.Channel, error)
	GuildChannel(guildID, channelID string) (*discordgo.Channel, error)
}

// Client is the bridge's view of one bot session
type Client struct {
	session *discordgo.Session
	rest    restSession
	state   channelState
	log     *logger.Logger

	ready atomic.Bool
	mu    sync.RWMutex
	tag   string

	onReady         func()
	onMessageCreate func(channelID string)
}

// New creates a client for the bot token. Nothing connects until Open.
func New(token string, log *logger.Logger) (*Client, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bot "))
	if token == "" {
		return nil, errors.New("discord bot token is empty")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.State.MaxMessageCount = 0

	c := newClient(session, session.State, log)
	c.session = session

	session.AddHandler(c.handleReady)
	session.AddHandler(c.handleResumed)
	session.AddHandler(c.handleDisconnect)
	session.AddHandler(c.handleMessageCreate)

	return c, nil
}

func newClient(rest restSession, state channelState, log *logger.Logger) *Client {
	return &Client{rest: rest, state: state, log: log}
}

// OnReady registers fn to run each time the gateway reports Ready. Call before Open.
func (c *Client) OnReady(fn func()) {
	c.onReady = fn
}

// OnMessageCreate registers fn to run for each message created in any visible channel. Call before Open.
func (c *Client) OnMessageCreate(fn func(channelID string)) {
	c.onMessageCreate = fn
}

// Open connects the gateway
func (c *Client) Open() error {
	if c.session == nil {
		return errors.New("discord session not configured")
	}
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects the gateway
func (c *Client) Close() error {
	c.ready.Store(false)
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// Ready reports whether the gateway session is established
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// BotTag returns the bot's user tag, or "disconnected"
func (c *Client) BotTag() string {
	if !c.Ready() {
		return "disconnected"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tag
}

func (c *Client) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	tag := "unknown"
	if r.User != nil {
		tag = r.User.String()
	}
	c.mu.Lock()
	c.tag = tag
	c.mu.Unlock()
	c.ready.Store(true)

	c.log.Info("discord session ready", "bot", tag, "guilds", len(r.Guilds))
	if c.onReady != nil {
		c.onReady()
	}
}

func (c *Client) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.ready.Store(true)
	c.log.Info("discord session resumed")
}

func (c *Client) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.ready.Store(false)
	c.log.Warn("discord session disconnected")
}

func (c *Client) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || c.onMessageCreate == nil {
		return
	}
	c.onMessageCreate(m.ChannelID)
}

// Channel resolves the tracked channel, from the local state when possible
func (c *Client) Channel(ctx context.Context, channelID string) (models.ChannelInfo, error) {
	ch, err := c.state.Channel(channelID)
	if err != nil || ch == nil {
		ch, err = c.rest.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return models.ChannelInfo{}, mapError(err)
		}
	}
	return models.ChannelInfo{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name}, nil
}

// RecentMessages fetches the newest limit messages of ch, newest first
func (c *Client) RecentMessages(ctx context.Context, ch models.ChannelInfo, limit int) ([]models.RawMessage, error) {
	msgs, err := c.rest.ChannelMessages(ch.ID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]models.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, toRawMessage(m, ch))
	}
	return out, nil
}

// Member looks up a guild member; Name is the nickname when one is set
func (c *Client) Member(ctx context.Context, guildID, userID string) (mention.Profile, error) {
	m, err := c.rest.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return mention.Profile{}, mapError(err)
	}
	if m == nil || m.User == nil {
		return mention.Profile{}, mention.ErrNotFound
	}
	return mention.Profile{Name: memberDisplayName(m), Avatar: m.AvatarURL("")}, nil
}

// User looks up a user globally
func (c *Client) User(ctx context.Context, userID string) (mention.Profile, error) {
	u, err := c.rest.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return mention.Profile{}, mapError(err)
	}
	if u == nil {
		return mention.Profile{}, mention.ErrNotFound
	}
	return mention.Profile{Name: userDisplayName(u), Avatar: u.AvatarURL("")}, nil
}

// ChannelName implements mention.Directory from the local guild channel listing only
func (c *Client) ChannelName(guildID, channelID string) (string, error) {
	var ch *discordgo.Channel
	var err error
	if guildID != "" {
		ch, err = c.state.GuildChannel(guildID, channelID)
	} else {
		ch, err = c.state.Channel(channelID)
	}
	if err != nil || ch == nil {
		return "", mention.ErrNotFound
	}
	return ch.Name, nil
}

// Directory exposes the client as a mention.Directory
func (c *Client) Directory() mention.Directory {
	return directory{c}
}

type directory struct{ c *Client }

func (d directory) Member(ctx context.Context, guildID, userID string) (mention.Profile, error) {
	return d.c.Member(ctx, guildID, userID)
}

func (d directory) User(ctx context.Context, userID string) (mention.Profile, error) {
	return d.c.User(ctx, userID)
}

func (d directory) Channel(guildID, channelID string) (string, error) {
	return d.c.ChannelName(guildID, channelID)
}

func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", mention.ErrNotFound, err)
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %v", mention.ErrNotFound, err)
	}
	return err
}

func memberDisplayName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	return userDisplayName(m.User)
}

func userDisplayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func toRawMessage(m *discordgo.Message, ch models.ChannelInfo) models.RawMessage {
	raw := models.RawMessage{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	// REST payloads omit guild_id
	if raw.GuildID == "" {
		raw.GuildID = ch.GuildID
	}
	if m.Author != nil {
		raw.Author = models.RawAuthor{
			ID:         m.Author.ID,
			Username:   m.Author.Username,
			GlobalName: m.Author.GlobalName,
			AvatarURL:  m.Author.AvatarURL(""),
			Bot:        m.Author.Bot,
		}
	}

	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		embed := models.RawEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
		}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
		}
		if e.Thumbnail != nil {
			embed.ThumbnailURL = e.Thumbnail.URL
		}
		raw.Embeds = append(raw.Embeds, embed)
	}

	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		raw.Attachments = append(raw.Attachments, models.RawAttachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	return raw
}

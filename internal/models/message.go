package models

import "time"

// RawAuthor is the author of a message as the chat platform reports it
type RawAuthor struct {
	ID         string
	Username   string
	GlobalName string
	AvatarURL  string
	Bot        bool
}

// RawEmbed is the subset of an embed the bridge keeps
type RawEmbed struct {
	Title        string
	Description  string
	URL          string
	Color        int
	ImageURL     string
	ThumbnailURL string
}

// RawAttachment is the subset of an attachment the bridge keeps
type RawAttachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// RawMessage is a message as fetched from the tracked channel. Never mutated after fetch.
type RawMessage struct {
	ID          string
	GuildID     string
	ChannelID   string
	Author      RawAuthor
	Content     string
	CreatedAt   time.Time
	Embeds      []RawEmbed
	Attachments []RawAttachment
}

// ChannelInfo identifies the tracked channel and the guild it belongs to
type ChannelInfo struct {
	ID      string
	GuildID string
	Name    string
}

// Author is the author snapshot carried by a resolved message
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Bot         bool   `json:"bot"`
}

// UserMention is a resolved user mention token
type UserMention struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ChannelMention is a resolved channel mention token
type ChannelMention struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mentions groups the resolved mentions of one message
type Mentions struct {
	Users    []UserMention    `json:"users"`
	Channels []ChannelMention `json:"channels"`
}

// Embed is the simplified embed served to clients
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
	Image       string `json:"image,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// Attachment is the simplified attachment served to clients
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        *int   `json:"size,omitempty"`
}

// ResolvedMessage is a message ready for display. Built once by the refresh pipeline.
type ResolvedMessage struct {
	ID          string       `json:"id"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	Date        string       `json:"date"`
	Mentions    Mentions     `json:"mentions"`
	Embeds      []Embed      `json:"embeds"`
	Attachments []Attachment `json:"attachments"`
}

// Snapshot is one complete, oldest-first batch of resolved messages
type Snapshot struct {
	Messages  []ResolvedMessage
	UpdatedAt time.Time
}

// Empty reports whether no refresh has produced messages yet
func (s Snapshot) Empty() bool {
	return len(s.Messages) == 0
}

// LastUpdateMillis returns UpdatedAt in epoch milliseconds, or nil before the first refresh
func (s Snapshot) LastUpdateMillis() *int64 {
	if s.UpdatedAt.IsZero() {
		return nil
	}
	ms := s.UpdatedAt.UnixMilli()
	return &ms
}

// Package model defines shared data structures.
package model

import "time"

// MediaKind classifies the attachment stored on an item row.
type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Extension returns the file extension used when storing a blob of this kind.
func (k MediaKind) Extension() string {
	switch k {
	case MediaPhoto:
		return ".jpg"
	case MediaVideo:
		return ".mp4"
	default:
		return ".bin"
	}
}

// Entity is one formatting annotation over a span of the item text.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// LinkPreview is scraped metadata for a URL.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
	SiteName    string `json:"site_name"`
}

// Empty reports whether the preview carries nothing worth rendering.
func (p *LinkPreview) Empty() bool {
	return p == nil || (p.Title == "" && p.Image == "")
}

// Item is one archived row. Albums are stored as several sibling rows
// sharing a GroupID.
type Item struct {
	ID              int64
	OwnerID         int64
	SourceMessageID int64 // negative for items created outside the bot
	Text            *string
	Entities        []Entity // nil when absent
	SourceURL       *string
	LinkPreview     *LinkPreview
	MediaURL        *string
	MediaKind       MediaKind
	GroupID         *string
	FolderID        *int64 // nil means inbox
	Position        int
	CreatedAt       time.Time
}

// HasMedia reports whether the row carries a usable attachment.
func (it *Item) HasMedia() bool {
	return it.MediaURL != nil && *it.MediaURL != "" && it.MediaKind != "" && it.MediaKind != MediaNone
}

// Folder is a user-defined tab. Items with a nil FolderID live in the inbox.
type Folder struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"user_id"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a bot user and the owner of items and folders.
type User struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string
	CreatedAt  time.Time
}

// Auth session states.
const (
	AuthPending       = "pending"
	AuthAuthenticated = "authenticated"
)

// AuthSession is a login handshake started by the web client and completed
// from the bot.
type AuthSession struct {
	Token       string
	Status      string
	UserID      *int64
	AccessToken *string
	CreatedAt   time.Time
}

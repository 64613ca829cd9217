package archive

import (
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
)

// MediaView is the wire form of one attachment.
type MediaView struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Post is the wire form of a logical item as served by the query API.
type Post struct {
	ID                int64              `json:"id"`
	TelegramMessageID int64              `json:"telegram_message_id"`
	Content           *string            `json:"content"`
	Entities          []model.Entity     `json:"entities"`
	SourceURL         *string            `json:"source_url"`
	Media             []MediaView        `json:"media"`
	MediaGroupID      *string            `json:"media_group_id"`
	LinkPreview       *model.LinkPreview `json:"link_preview"`
	TabID             *int64             `json:"tab_id"`
	Position          int                `json:"position"`
	CreatedAt         time.Time          `json:"created_at"`
}

// ToPost maps a logical item onto its wire form.
func ToPost(li LogicalItem) Post {
	rep := li.Representative()
	c := li.Content()
	p := Post{
		ID:                rep.ID,
		TelegramMessageID: rep.SourceMessageID,
		Content:           c.Text,
		Entities:          c.Entities,
		SourceURL:         c.SourceURL,
		Media:             make([]MediaView, 0, len(c.Media)),
		LinkPreview:       c.LinkPreview,
		TabID:             rep.FolderID,
		Position:          rep.Position,
		CreatedAt:         rep.CreatedAt,
	}
	if p.Entities == nil {
		p.Entities = []model.Entity{}
	}
	if album, ok := li.(Album); ok {
		gid := album.GroupID()
		p.MediaGroupID = &gid
	}
	for _, m := range c.Media {
		p.Media = append(p.Media, MediaView{URL: m.URL, Type: string(m.Kind)})
	}
	return p
}

// ToPosts maps a slice of logical items, keeping order.
func ToPosts(items []LogicalItem) []Post {
	out := make([]Post, 0, len(items))
	for _, li := range items {
		out = append(out, ToPost(li))
	}
	return out
}

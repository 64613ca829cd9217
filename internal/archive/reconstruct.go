// Package archive turns stored rows into the logical items a client renders
// and applies ordering, placement and deletion with album atomicity.
package archive

import (
	"sort"

	"github.com/bryan-buckman/tabs/internal/model"
)

// LogicalItem is one user-facing entry: either a Singleton or an Album.
type LogicalItem interface {
	// Representative is the row the item was first encountered at in
	// display order. Its id, position and creation time stand for the item.
	Representative() model.Item
	// Rows returns the backing rows in provenance order.
	Rows() []model.Item
	// Content folds the rows into the fields a client renders.
	Content() Content
	isLogicalItem()
}

// Media is one renderable attachment.
type Media struct {
	URL  string
	Kind model.MediaKind
}

// Content is the folded view of a logical item.
type Content struct {
	Text        *string
	Entities    []model.Entity
	SourceURL   *string
	LinkPreview *model.LinkPreview
	Media       []Media
}

// Singleton is an item backed by exactly one row without a group.
type Singleton struct {
	Item model.Item
}

func (s Singleton) Representative() model.Item { return s.Item }
func (s Singleton) Rows() []model.Item { return []model.Item{s.Item} }
func (s Singleton) Content() Content { return fold(s.Rows()) }
func (Singleton) isLogicalItem() {}

// Album is an item backed by every row sharing one group id.
type Album struct {
	Lead     model.Item
	Siblings []model.Item // provenance order, includes Lead
}

func (a Album) Representative() model.Item { return a.Lead }
func (a Album) Rows() []model.Item { return a.Siblings }
func (a Album) Content() Content { return fold(a.Siblings) }
func (Album) isLogicalItem() {}

// GroupID returns the id shared by the album rows.
func (a Album) GroupID() string {
	if a.Lead.GroupID == nil {
		return ""
	}
	return *a.Lead.GroupID
}

// Reconstruct folds rows into logical items in display order: position
// ascending, then newest first. Siblings are gathered by group id wherever
// they sit in that order, so an album appears once, at its first row.
func Reconstruct(rows []model.Item) []LogicalItem {
	sorted := make([]model.Item, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return displayLess(sorted[i], sorted[j])
	})

	groups := make(map[string][]model.Item)
	for _, r := range sorted {
		if r.GroupID != nil {
			groups[*r.GroupID] = append(groups[*r.GroupID], r)
		}
	}

	out := make([]LogicalItem, 0, len(sorted))
	folded := make(map[string]bool, len(groups))
	for _, r := range sorted {
		if r.GroupID == nil {
			out = append(out, Singleton{Item: r})
			continue
		}
		gid := *r.GroupID
		if folded[gid] {
			continue
		}
		folded[gid] = true
		siblings := groups[gid]
		sort.SliceStable(siblings, func(i, j int) bool {
			return provenanceLess(siblings[i], siblings[j])
		})
		out = append(out, Album{Lead: r, Siblings: siblings})
	}
	return out
}

func displayLess(a, b model.Item) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func provenanceLess(a, b model.Item) bool {
	if a.SourceMessageID != b.SourceMessageID {
		return a.SourceMessageID < b.SourceMessageID
	}
	return a.ID < b.ID
}

// fold picks, per field, the first row carrying a value. rows must be in
// provenance order.
func fold(rows []model.Item) Content {
	var c Content
	for _, r := range rows {
		if c.Text == nil && r.Text != nil {
			c.Text = r.Text
		}
		if c.Entities == nil && len(r.Entities) > 0 {
			c.Entities = r.Entities
		}
		if c.SourceURL == nil && r.SourceURL != nil {
			c.SourceURL = r.SourceURL
		}
		if c.LinkPreview == nil && r.LinkPreview != nil {
			c.LinkPreview = r.LinkPreview
		}
		if r.HasMedia() {
			c.Media = append(c.Media, Media{URL: *r.MediaURL, Kind: r.MediaKind})
		}
	}
	return c
}

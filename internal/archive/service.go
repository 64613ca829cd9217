package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/tabs/internal/database"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxUploads caps the number of files in one API-created album.
	MaxUploads = 32
	// MaxFolderTitle is the longest folder title accepted, in runes.
	MaxFolderTitle = 64
)

// BlobStore persists uploaded media and returns the public reference.
type BlobStore interface {
	SaveUpload(ctx context.Context, r io.Reader) (url string, kind model.MediaKind, err error)
	Remove(url string) error
}

// Service is the archive's query and mutation surface. Every operation is
// scoped to one owner; ids the owner does not hold are reported as
// model.ErrNotFound.
type Service struct {
	store database.Store
	blobs BlobStore
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates a service over the store. blobs may be nil when post
// creation with media is not needed.
func NewService(store database.Store, blobs BlobStore, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		blobs: blobs,
		log:   log.With().Str("component", "archive").Logger(),
		now:   time.Now,
	}
}

// List returns the logical items of a folder, or of the inbox when
// folderID is nil, in display order.
func (s *Service) List(ctx context.Context, ownerID int64, folderID *int64) ([]LogicalItem, error) {
	if folderID != nil {
		if _, err := s.store.GetFolder(ctx, ownerID, *folderID); err != nil {
			return nil, err
		}
	}
	rows, err := s.store.ListItems(ctx, ownerID, folderID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return Reconstruct(rows), nil
}

// Get returns the logical item containing itemID.
func (s *Service) Get(ctx context.Context, ownerID, itemID int64) (LogicalItem, error) {
	it, err := s.store.GetItem(ctx, ownerID, itemID)
	if err != nil {
		return nil, err
	}
	if it.GroupID == nil {
		return Singleton{Item: *it}, nil
	}
	siblings, err := s.store.ListGroup(ctx, ownerID, *it.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list group: %w", err)
	}
	return Album{Lead: *it, Siblings: siblings}, nil
}

// Upload is one file attached to a new post.
type Upload struct {
	Name   string
	Reader io.Reader
}

// NewPost describes a post created from the web client.
type NewPost struct {
	Text        string
	LinkPreview *model.LinkPreview
	FolderID    *int64
	Media       []Upload
}

// Create stores a post made outside the bot. Several files become one
// album; the text and link preview ride on the first row. Source message
// ids are negative so they never collide with ids from the bot channel.
func (s *Service) Create(ctx context.Context, ownerID int64, in NewPost) (LogicalItem, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Media) == 0 {
		return nil, fmt.Errorf("%w: content or media required", model.ErrValidation)
	}
	if len(in.Media) > MaxUploads {
		return nil, fmt.Errorf("%w: at most %d files per post", model.ErrValidation, MaxUploads)
	}
	if len(in.Media) > 0 && s.blobs == nil {
		return nil, fmt.Errorf("%w: media uploads are disabled", model.ErrValidation)
	}
	if in.FolderID != nil {
		if _, err := s.store.GetFolder(ctx, ownerID, *in.FolderID); err != nil {
			return nil, err
		}
	}

	base := -s.now().UnixMicro() * MaxUploads
	first := &model.Item{
		OwnerID:         ownerID,
		SourceMessageID: base,
		FolderID:        in.FolderID,
		LinkPreview:     in.LinkPreview,
	}
	if text != "" {
		first.Text = &text
	}
	if in.LinkPreview.Empty() {
		first.LinkPreview = nil
	}
	rows := []*model.Item{first}

	var saved []string
	stored := false
	defer func() {
		if !stored {
			s.discard(saved)
		}
	}()

	for i, up := range in.Media {
		url, kind, err := s.blobs.SaveUpload(ctx, up.Reader)
		if err != nil {
			return nil, fmt.Errorf("save upload %q: %w", up.Name, err)
		}
		saved = append(saved, url)
		row := first
		if i > 0 {
			row = &model.Item{OwnerID: ownerID, SourceMessageID: base + int64(i), FolderID: in.FolderID}
			rows = append(rows, row)
		}
		row.MediaURL = &url
		row.MediaKind = kind
	}
	if len(rows) > 1 {
		gid := uuid.NewString()
		for _, r := range rows {
			r.GroupID = &gid
		}
	}

	if err := s.store.InsertItems(ctx, rows); err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	stored = true
	s.log.Info().Int64("owner", ownerID).Int("rows", len(rows)).Msg("Created post")

	if len(rows) == 1 {
		return Singleton{Item: *rows[0]}, nil
	}
	siblings := make([]model.Item, len(rows))
	for i, r := range rows {
		siblings[i] = *r
	}
	return Album{Lead: siblings[0], Siblings: siblings}, nil
}

// discard removes blobs written for a post that was not stored.
func (s *Service) discard(urls []string) {
	for _, u := range urls {
		if err := s.blobs.Remove(u); err != nil {
			s.log.Warn().Err(err).Str("url", u).Msg("Failed to remove orphaned upload")
		}
	}
}

// Move places the item, and every sibling of an album, into folderID
// (nil for the inbox) atomically.
func (s *Service) Move(ctx context.Context, ownerID, itemID int64, folderID *int64) error {
	if _, err := s.store.GetItem(ctx, ownerID, itemID); err != nil {
		return err
	}
	if folderID != nil {
		if _, err := s.store.GetFolder(ctx, ownerID, *folderID); err != nil {
			return err
		}
	}
	n, err := s.store.UpdateFolder(ctx, ownerID, []int64{itemID}, folderID)
	if err != nil {
		return fmt.Errorf("move item %d: %w", itemID, err)
	}
	s.log.Debug().Int64("item", itemID).Int64("rows", n).Msg("Moved item")
	return nil
}

// Delete removes the item, and every sibling of an album, atomically.
func (s *Service) Delete(ctx context.Context, ownerID, itemID int64) error {
	if _, err := s.store.GetItem(ctx, ownerID, itemID); err != nil {
		return err
	}
	n, err := s.store.DeleteItems(ctx, ownerID, []int64{itemID})
	if err != nil {
		return fmt.Errorf("delete item %d: %w", itemID, err)
	}
	if n == 0 {
		// Deleted concurrently between the check and the delete.
		return model.ErrNotFound
	}
	s.log.Debug().Int64("item", itemID).Int64("rows", n).Msg("Deleted item")
	return nil
}

// Reorder sets position = index for each listed item. Ids the owner does
// not hold are skipped; unlisted items keep their position.
func (s *Service) Reorder(ctx context.Context, ownerID int64, itemIDs []int64) error {
	if err := s.store.UpdatePositions(ctx, ownerID, itemIDs); err != nil {
		return fmt.Errorf("reorder items: %w", err)
	}
	return nil
}

// --- Folders ---

// ListFolders returns the owner's folders in manual order.
func (s *Service) ListFolders(ctx context.Context, ownerID int64) ([]model.Folder, error) {
	folders, err := s.store.ListFolders(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if folders == nil {
		folders = []model.Folder{}
	}
	return folders, nil
}

// CreateFolder adds a folder after the existing ones.
func (s *Service) CreateFolder(ctx context.Context, ownerID int64, title string) (*model.Folder, error) {
	title, err := cleanTitle(title)
	if err != nil {
		return nil, err
	}
	return s.store.CreateFolder(ctx, ownerID, title)
}

// RenameFolder changes a folder title.
func (s *Service) RenameFolder(ctx context.Context, ownerID, folderID int64, title string) (*model.Folder, error) {
	title, err := cleanTitle(title)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameFolder(ctx, ownerID, folderID, title); err != nil {
		return nil, err
	}
	return s.store.GetFolder(ctx, ownerID, folderID)
}

// ReorderFolders sets position = index for each listed folder.
func (s *Service) ReorderFolders(ctx context.Context, ownerID int64, folderIDs []int64) error {
	return s.store.UpdateFolderPositions(ctx, ownerID, folderIDs)
}

// DeleteFolder moves the folder's items to the inbox and removes it.
func (s *Service) DeleteFolder(ctx context.Context, ownerID, folderID int64) error {
	if err := s.store.DeleteFolder(ctx, ownerID, folderID); err != nil {
		return err
	}
	s.log.Info().Int64("folder", folderID).Msg("Deleted folder")
	return nil
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: title required", model.ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxFolderTitle {
		return "", fmt.Errorf("%w: title longer than %d characters", model.ErrValidation, MaxFolderTitle)
	}
	return title, nil
}

// Package database provides storage backends for the archive.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
)

// Store defines the interface for database operations.
// Both the SQLite and PostgreSQL dialects of DB satisfy this interface.
//
// Every method that takes an ownerID scopes its reads and writes to rows
// owned by that user; rows owned by someone else behave as if absent.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// User operations
	UpsertUser(ctx context.Context, telegramID int64, username, firstName string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)

	// Auth session operations
	CreateAuthSession(ctx context.Context, token string) (*model.AuthSession, error)
	GetAuthSession(ctx context.Context, token string) (*model.AuthSession, error)
	// AuthenticateSession binds a pending session created at or after
	// notBefore. Returns model.ErrNotFound if no such session is pending.
	AuthenticateSession(ctx context.Context, token string, userID int64, accessToken string, notBefore time.Time) error
	UserIDByAccessToken(ctx context.Context, accessToken string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)

	// Item operations
	//
	// InsertItem fails with model.ErrConstraintViolation when the owner
	// already has a row with the same SourceMessageID. A row joining an
	// existing group takes the folder of its stored siblings.
	InsertItem(ctx context.Context, item *model.Item) (int64, error)
	InsertItems(ctx context.Context, items []*model.Item) error
	GetItem(ctx context.Context, ownerID, itemID int64) (*model.Item, error)
	// ListItems returns rows in folderID (nil for the inbox) ordered by
	// position ascending, then newest first.
	ListItems(ctx context.Context, ownerID int64, folderID *int64) ([]model.Item, error)
	// ListGroup returns the sibling rows of a group in provenance order.
	ListGroup(ctx context.Context, ownerID int64, groupID string) ([]model.Item, error)
	// UpdateFolder moves the given rows and all of their siblings in a
	// single statement. Returns the number of rows moved.
	UpdateFolder(ctx context.Context, ownerID int64, itemIDs []int64, folderID *int64) (int64, error)
	// UpdatePositions sets position = index for each id (and its siblings)
	// in one transaction. Unknown or foreign ids are skipped.
	UpdatePositions(ctx context.Context, ownerID int64, orderedIDs []int64) error
	// DeleteItems deletes the given rows and all of their siblings in a
	// single statement. Returns the number of rows deleted.
	DeleteItems(ctx context.Context, ownerID int64, itemIDs []int64) (int64, error)

	// Folder operations
	CreateFolder(ctx context.Context, ownerID int64, title string) (*model.Folder, error)
	GetFolder(ctx context.Context, ownerID, folderID int64) (*model.Folder, error)
	ListFolders(ctx context.Context, ownerID int64) ([]model.Folder, error)
	RenameFolder(ctx context.Context, ownerID, folderID int64, title string) error
	UpdateFolderPositions(ctx context.Context, ownerID int64, orderedIDs []int64) error
	// DeleteFolder moves the folder's items to the inbox, then removes it.
	DeleteFolder(ctx context.Context, ownerID, folderID int64) error
}

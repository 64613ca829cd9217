package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the SQLite and PostgreSQL backends.
type dialect struct {
	name       string
	schema     string
	dollarArgs bool   // rewrite ? placeholders to $n
	lockRows   string // appended to SELECTs that guard a write
}

// DB wraps a database/sql connection. The same query code serves both
// backends; only placeholders, schema and row locking differ.
type DB struct {
	conn    *sql.DB
	dialect dialect

	clockMu     sync.Mutex
	lastCreated time.Time
	now         func() time.Time
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

var sqliteDialect = dialect{
	name: "SQLite",
	schema: `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS auth_sessions (
		token TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		access_token TEXT UNIQUE,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		source_message_id INTEGER NOT NULL,
		text TEXT,
		entities TEXT,
		source_url TEXT,
		link_preview TEXT,
		media_url TEXT,
		media_kind TEXT NOT NULL DEFAULT 'none',
		group_id TEXT,
		folder_id INTEGER REFERENCES folders(id),
		position INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(owner_id, source_message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_owner_folder ON items(owner_id, folder_id);
	CREATE INDEX IF NOT EXISTS idx_items_owner_group ON items(owner_id, group_id);
	CREATE INDEX IF NOT EXISTS idx_folders_owner ON folders(owner_id);
	CREATE INDEX IF NOT EXISTS idx_auth_sessions_access ON auth_sessions(access_token);
	`,
}

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite serializes writers anyway; a single connection keeps
	// transactions from tripping over SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := newDB(conn, sqliteDialect)
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func newDB(conn *sql.DB, d dialect) *DB {
	return &DB{conn: conn, dialect: d, now: time.Now}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return db.dialect.name
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(db.dialect.schema)
	return err
}

// q rewrites ? placeholders for the active dialect.
func (db *DB) q(query string) string {
	if !db.dialect.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// createdAt hands out strictly increasing timestamps so that recency
// ordering is total within one store.
func (db *DB) createdAt() time.Time {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	t := db.now().UTC().Truncate(time.Microsecond)
	if !t.After(db.lastCreated) {
		t = db.lastCreated.Add(time.Microsecond)
	}
	db.lastCreated = t
	return t
}

// translate maps driver errors onto the model error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return fmt.Errorf("%w: %v", model.ErrNotFound, err)
		}
		if code&0xff == sqlite3.SQLITE_CONSTRAINT {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return fmt.Errorf("%w: %v", model.ErrNotFound, err)
			}
			return fmt.Errorf("%w: %v", model.ErrConstraintViolation, err)
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %v", model.ErrConstraintViolation, err)
		case "23503":
			return fmt.Errorf("%w: %v", model.ErrNotFound, err)
		}
	}
	return err
}

// inClause returns "?, ?, ?" and the matching args.
func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}

// --- Item Methods ---

const itemColumns = `id, owner_id, source_message_id, text, entities, source_url, link_preview,
	media_url, media_kind, group_id, folder_id, position, created_at`

// InsertItem stores one row and returns its id.
func (db *DB) InsertItem(ctx context.Context, item *model.Item) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := db.insertTx(ctx, tx, item); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, translate(err)
	}
	return item.ID, nil
}

// InsertItems stores several rows in one transaction; either all of them
// are stored or none.
func (db *DB) InsertItems(ctx context.Context, items []*model.Item) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, it := range items {
		if err := db.insertTx(ctx, tx, it); err != nil {
			return err
		}
	}
	return translate(tx.Commit())
}

func (db *DB) insertTx(ctx context.Context, tx *sql.Tx, item *model.Item) error {
	entities, err := encodeJSON(item.Entities, len(item.Entities) == 0)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	preview, err := encodeJSON(item.LinkPreview, item.LinkPreview == nil)
	if err != nil {
		return fmt.Errorf("encode link preview: %w", err)
	}
	kind := item.MediaKind
	if kind == "" {
		kind = model.MediaNone
	}

	folderID := item.FolderID
	if item.GroupID != nil {
		var sibling sql.NullInt64
		err := tx.QueryRowContext(ctx, db.q(`SELECT folder_id FROM items
			WHERE owner_id = ? AND group_id = ? ORDER BY id LIMIT 1`+db.dialect.lockRows),
			item.OwnerID, *item.GroupID).Scan(&sibling)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lookup siblings: %w", err)
		case sibling.Valid:
			folderID = &sibling.Int64
		default:
			folderID = nil
		}
	}

	createdAt := db.createdAt()
	var id int64
	err = tx.QueryRowContext(ctx, db.q(`
		INSERT INTO items (owner_id, source_message_id, text, entities, source_url, link_preview,
			media_url, media_kind, group_id, folder_id, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		item.OwnerID, item.SourceMessageID, item.Text, entities, item.SourceURL, preview,
		item.MediaURL, string(kind), item.GroupID, folderID, item.Position, createdAt).Scan(&id)
	if err != nil {
		return translate(err)
	}

	item.ID = id
	item.FolderID = folderID
	item.MediaKind = kind
	item.CreatedAt = createdAt
	return nil
}

// GetItem returns one row owned by ownerID.
func (db *DB) GetItem(ctx context.Context, ownerID, itemID int64) (*model.Item, error) {
	row := db.conn.QueryRowContext(ctx, db.q("SELECT "+itemColumns+" FROM items WHERE id = ? AND owner_id = ?"), itemID, ownerID)
	it, err := scanItem(row)
	if err != nil {
		return nil, translate(err)
	}
	return it, nil
}

// ListItems returns the rows of one folder, or the inbox when folderID is nil.
func (db *DB) ListItems(ctx context.Context, ownerID int64, folderID *int64) ([]model.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE owner_id = ?"
	args := []any{ownerID}
	if folderID == nil {
		query += " AND folder_id IS NULL"
	} else {
		query += " AND folder_id = ?"
		args = append(args, *folderID)
	}
	query += " ORDER BY position ASC, created_at DESC, id DESC"
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListGroup returns all siblings of a group in provenance order.
func (db *DB) ListGroup(ctx context.Context, ownerID int64, groupID string) ([]model.Item, error) {
	rows, err := db.conn.QueryContext(ctx, db.q("SELECT "+itemColumns+` FROM items
		WHERE owner_id = ? AND group_id = ? ORDER BY source_message_id ASC, id ASC`), ownerID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// UpdateFolder moves rows together with their siblings.
func (db *DB) UpdateFolder(ctx context.Context, ownerID int64, itemIDs []int64, folderID *int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	return db.mutateGroups(ctx, ownerID, itemIDs, "UPDATE items SET folder_id = ?", folderID)
}

// UpdatePositions assigns position = index to each listed row and its siblings.
func (db *DB) UpdatePositions(ctx context.Context, ownerID int64, orderedIDs []int64) error {
	if len(orderedIDs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, db.q(`
		UPDATE items SET position = ?
		WHERE owner_id = ? AND (id = ? OR group_id = (
			SELECT group_id FROM items WHERE owner_id = ? AND id = ?))`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, id := range orderedIDs {
		if _, err := stmt.ExecContext(ctx, i, ownerID, id, ownerID, id); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}

// DeleteItems removes rows together with their siblings.
func (db *DB) DeleteItems(ctx context.Context, ownerID int64, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	return db.mutateGroups(ctx, ownerID, itemIDs, "DELETE FROM items")
}

// groupScope selects the listed rows of one owner plus every sibling of
// those that belong to a group. Its args are ownerID, ids, ownerID, ids.
func groupScope(marks string) string {
	return `owner_id = ? AND (id IN (` + marks + `) OR group_id IN (
		SELECT group_id FROM items WHERE owner_id = ? AND group_id IS NOT NULL AND id IN (` + marks + `)))`
}

// mutateGroups runs head (an UPDATE or DELETE prefix) over groupScope.
// The scope is locked first and the write is a second statement, so a
// sibling insert that committed while the lock was awaited is part of
// the write. Inserts lock their siblings too and see the write's result
// when they queue behind it.
func (db *DB) mutateGroups(ctx context.Context, ownerID int64, itemIDs []int64, head string, headArgs ...any) (int64, error) {
	marks, idArgs := inClause(itemIDs)
	scopeArgs := []any{ownerID}
	scopeArgs = append(scopeArgs, idArgs...)
	scopeArgs = append(scopeArgs, ownerID)
	scopeArgs = append(scopeArgs, idArgs...)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, db.q("SELECT id FROM items WHERE "+groupScope(marks)+db.dialect.lockRows), scopeArgs...)
	if err != nil {
		return 0, translate(err)
	}
	var locked int
	for rows.Next() {
		locked++
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, translate(err)
	}
	if locked == 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, db.q(head+" WHERE "+groupScope(marks)), append(headArgs, scopeArgs...)...)
	if err != nil {
		return 0, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, translate(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var it model.Item
	var text, entities, sourceURL, preview, mediaURL, groupID sql.NullString
	var kind string
	var folderID sql.NullInt64
	if err := row.Scan(&it.ID, &it.OwnerID, &it.SourceMessageID, &text, &entities, &sourceURL, &preview,
		&mediaURL, &kind, &groupID, &folderID, &it.Position, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.Text = nullString(text)
	it.SourceURL = nullString(sourceURL)
	it.MediaURL = nullString(mediaURL)
	it.GroupID = nullString(groupID)
	it.MediaKind = model.MediaKind(kind)
	if folderID.Valid {
		it.FolderID = &folderID.Int64
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &it.Entities); err != nil {
			return nil, fmt.Errorf("decode entities of item %d: %w", it.ID, err)
		}
	}
	if preview.Valid && preview.String != "" {
		it.LinkPreview = &model.LinkPreview{}
		if err := json.Unmarshal([]byte(preview.String), it.LinkPreview); err != nil {
			return nil, fmt.Errorf("decode link preview of item %d: %w", it.ID, err)
		}
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func encodeJSON(v any, null bool) (*string, error) {
	if null {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// --- Folder Methods ---

// CreateFolder appends a folder after the owner's existing ones.
func (db *DB) CreateFolder(ctx context.Context, ownerID int64, title string) (*model.Folder, error) {
	f := model.Folder{OwnerID: ownerID, Title: title, CreatedAt: db.createdAt()}
	err := db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO folders (owner_id, title, position, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM folders WHERE owner_id = ?), ?)
		RETURNING id, position`),
		ownerID, title, ownerID, f.CreatedAt).Scan(&f.ID, &f.Position)
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

// GetFolder returns one folder owned by ownerID.
func (db *DB) GetFolder(ctx context.Context, ownerID, folderID int64) (*model.Folder, error) {
	var f model.Folder
	err := db.conn.QueryRowContext(ctx, db.q("SELECT id, owner_id, title, position, created_at FROM folders WHERE id = ? AND owner_id = ?"),
		folderID, ownerID).Scan(&f.ID, &f.OwnerID, &f.Title, &f.Position, &f.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

// ListFolders returns the owner's folders in manual order.
func (db *DB) ListFolders(ctx context.Context, ownerID int64) ([]model.Folder, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`SELECT id, owner_id, title, position, created_at FROM folders
		WHERE owner_id = ? ORDER BY position ASC, created_at ASC, id ASC`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Title, &f.Position, &f.CreatedAt); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// RenameFolder changes a folder title.
func (db *DB) RenameFolder(ctx context.Context, ownerID, folderID int64, title string) error {
	res, err := db.conn.ExecContext(ctx, db.q("UPDATE folders SET title = ? WHERE id = ? AND owner_id = ?"), title, folderID, ownerID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpdateFolderPositions assigns position = index to each listed folder.
func (db *DB) UpdateFolderPositions(ctx context.Context, ownerID int64, orderedIDs []int64) error {
	if len(orderedIDs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, db.q("UPDATE folders SET position = ? WHERE id = ? AND owner_id = ?"))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, id := range orderedIDs {
		if _, err := stmt.ExecContext(ctx, i, id, ownerID); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}

// DeleteFolder reassigns the folder's items to the inbox and removes it.
func (db *DB) DeleteFolder(ctx context.Context, ownerID, folderID int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, db.q("SELECT id FROM folders WHERE id = ? AND owner_id = ?"+db.dialect.lockRows),
		folderID, ownerID).Scan(&id)
	if err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, db.q("UPDATE items SET folder_id = NULL WHERE owner_id = ? AND folder_id = ?"), ownerID, folderID); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, db.q("DELETE FROM folders WHERE id = ? AND owner_id = ?"), folderID, ownerID); err != nil {
		return translate(err)
	}
	return tx.Commit()
}

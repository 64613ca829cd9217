package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
)

// --- User Methods ---

// UpsertUser creates the user for a Telegram account or refreshes its names.
func (db *DB) UpsertUser(ctx context.Context, telegramID int64, username, firstName string) (*model.User, error) {
	var u model.User
	err := db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO users (telegram_id, username, first_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (telegram_id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name
		RETURNING id, telegram_id, username, first_name, created_at`),
		telegramID, username, firstName, db.createdAt()).
		Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	err := db.conn.QueryRowContext(ctx, db.q("SELECT id, telegram_id, username, first_name, created_at FROM users WHERE id = ?"), userID).
		Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// --- Auth Session Methods ---

// CreateAuthSession stores a new pending session.
func (db *DB) CreateAuthSession(ctx context.Context, token string) (*model.AuthSession, error) {
	s := model.AuthSession{Token: token, Status: model.AuthPending, CreatedAt: db.createdAt()}
	_, err := db.conn.ExecContext(ctx, db.q("INSERT INTO auth_sessions (token, status, created_at) VALUES (?, ?, ?)"),
		s.Token, s.Status, s.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// GetAuthSession looks up a session by its login token.
func (db *DB) GetAuthSession(ctx context.Context, token string) (*model.AuthSession, error) {
	var s model.AuthSession
	var userID sql.NullInt64
	var access sql.NullString
	err := db.conn.QueryRowContext(ctx, db.q("SELECT token, status, user_id, access_token, created_at FROM auth_sessions WHERE token = ?"), token).
		Scan(&s.Token, &s.Status, &userID, &access, &s.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if userID.Valid {
		s.UserID = &userID.Int64
	}
	s.AccessToken = nullString(access)
	return &s, nil
}

// AuthenticateSession binds a pending, unexpired session to a user.
func (db *DB) AuthenticateSession(ctx context.Context, token string, userID int64, accessToken string, notBefore time.Time) error {
	res, err := db.conn.ExecContext(ctx, db.q(`
		UPDATE auth_sessions SET status = ?, user_id = ?, access_token = ?
		WHERE token = ? AND status = ? AND created_at >= ?`),
		model.AuthAuthenticated, userID, accessToken, token, model.AuthPending, notBefore.UTC())
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UserIDByAccessToken resolves an API bearer token.
func (db *DB) UserIDByAccessToken(ctx context.Context, accessToken string) (int64, error) {
	var userID int64
	err := db.conn.QueryRowContext(ctx, db.q("SELECT user_id FROM auth_sessions WHERE access_token = ? AND status = ?"),
		accessToken, model.AuthAuthenticated).Scan(&userID)
	if err != nil {
		return 0, translate(err)
	}
	return userID, nil
}

// DeleteExpiredSessions removes pending sessions created before the cutoff.
func (db *DB) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.q("DELETE FROM auth_sessions WHERE status = ? AND created_at < ?"),
		model.AuthPending, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

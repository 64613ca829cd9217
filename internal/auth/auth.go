// Package auth implements the bot-mediated login handshake. The web client
// asks for a pending token, the user opens the bot deep link carrying it,
// and the bot binds the token to the sender and issues an access token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bryan-buckman/tabs/internal/database"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults used when a zero value is configured.
const (
	DefaultPendingTTL    = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Init is returned to a client starting a login.
type Init struct {
	Token  string `json:"token"`
	BotURL string `json:"bot_url"`
}

// Status reports the state of a login token.
type Status struct {
	Status      string  `json:"status"`
	AccessToken *string `json:"access_token"`
	UserID      *int64  `json:"user_id"`
}

// Service issues and resolves tokens.
type Service struct {
	store       database.Store
	botUsername string
	ttl         time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewService creates the handshake service. ttl <= 0 selects DefaultPendingTTL.
func NewService(store database.Store, botUsername string, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Service{
		store:       store,
		botUsername: botUsername,
		ttl:         ttl,
		now:         time.Now,
		log:         log.With().Str("component", "auth").Logger(),
	}
}

// Init starts a login and returns the deep link that completes it.
func (s *Service) Init(ctx context.Context) (*Init, error) {
	token := uuid.NewString()
	if _, err := s.store.CreateAuthSession(ctx, token); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Init{
		Token:  token,
		BotURL: fmt.Sprintf("https://t.me/%s?start=%s", s.botUsername, url.QueryEscape(token)),
	}, nil
}

// Status returns the state of a login token. Expired pending tokens are
// reported as model.ErrNotFound.
func (s *Service) Status(ctx context.Context, token string) (*Status, error) {
	sess, err := s.store.GetAuthSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.AuthPending && s.expired(sess.CreatedAt) {
		return nil, model.ErrNotFound
	}
	return &Status{Status: sess.Status, AccessToken: sess.AccessToken, UserID: sess.UserID}, nil
}

// Bind completes a pending login for userID. It returns model.ErrNotFound
// for unknown, expired or already used tokens.
func (s *Service) Bind(ctx context.Context, token string, userID int64) error {
	access := uuid.NewString()
	if err := s.store.AuthenticateSession(ctx, token, userID, access, s.now().Add(-s.ttl)); err != nil {
		return err
	}
	s.log.Info().Int64("user", userID).Msg("Login completed")
	return nil
}

// Resolve maps an API bearer token to a user id. A login token presented
// before the handshake finished is model.ErrForbidden; anything else
// unknown is model.ErrUnauthorized.
func (s *Service) Resolve(ctx context.Context, bearer string) (int64, error) {
	if bearer == "" {
		return 0, model.ErrUnauthorized
	}
	userID, err := s.store.UserIDByAccessToken(ctx, bearer)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return 0, err
	}
	if sess, err := s.store.GetAuthSession(ctx, bearer); err == nil && sess.Status == model.AuthPending {
		return 0, model.ErrForbidden
	}
	return 0, model.ErrUnauthorized
}

func (s *Service) expired(created time.Time) bool {
	return created.Before(s.now().Add(-s.ttl))
}

// Janitor periodically purges expired pending sessions.
type Janitor struct {
	svc      *Service
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor. interval <= 0 selects DefaultSweepInterval.
func NewJanitor(svc *Service, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		svc:      svc,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Sweep deletes expired pending sessions once.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	return j.svc.store.DeleteExpiredSessions(ctx, j.svc.now().Add(-j.svc.ttl))
}

// Start begins the sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopChan:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			n, err := j.Sweep(ctx)
			cancel()
			if err != nil {
				j.svc.log.Error().Err(err).Msg("Session sweep failed")
			} else if n > 0 {
				j.svc.log.Debug().Int64("purged", n).Msg("Purged expired login tokens")
			}
		}
	}()
}

// Stop stops the janitor and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
	j.wg.Wait()
}

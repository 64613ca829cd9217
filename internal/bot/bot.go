// Package bot is the Telegram side of the archive. It receives private
// messages over MTProto, hands them to the ingest consolidator and
// completes web logins started with /start.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bryan-buckman/tabs/internal/ingest"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
)

// Replies sent outside the ingest path.
const (
	WelcomeText  = "Welcome to Tabs! Send me images or albums to archive them."
	LoggedInText = "✅ Successfully logged in! You can now check your web feed."
)

// MaxInflight bounds the number of messages processed at once.
const MaxInflight = 16

// Ingester stores inbound messages.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Inbound) error
}

// Binder completes a pending web login.
type Binder interface {
	Bind(ctx context.Context, token string, userID int64) error
}

// Users maps Telegram accounts onto archive owners.
type Users interface {
	UpsertUser(ctx context.Context, telegramID int64, username, firstName string) (*model.User, error)
}

// Config holds the MTProto credentials.
type Config struct {
	AppID       int
	AppHash     string
	Token       string
	SessionFile string
}

// Bot is the MTProto transport.
type Bot struct {
	cfg        Config
	client     *telegram.Client
	sender     *message.Sender
	downloader *downloader.Downloader
	ingester   Ingester
	binder     Binder
	users      Users
	log        zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates the bot. It does not connect until Run.
func New(cfg Config, ingester Ingester, binder Binder, users Users, log zerolog.Logger) (*Bot, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, fmt.Errorf("app id and app hash are required for the MTProto client")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	b := &Bot{
		cfg:        cfg,
		downloader: downloader.NewDownloader(),
		ingester:   ingester,
		binder:     binder,
		users:      users,
		log:        log.With().Str("component", "bot").Logger(),
		sem:        make(chan struct{}, MaxInflight),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(b.onNewMessage)

	opts := telegram.Options{UpdateHandler: dispatcher}
	if cfg.SessionFile != "" {
		opts.SessionStorage = &session.FileStorage{Path: cfg.SessionFile}
	}
	b.client = telegram.NewClient(cfg.AppID, cfg.AppHash, opts)
	b.sender = message.NewSender(b.client.API())
	return b, nil
}

// Run connects, logs in as the bot and serves updates until ctx ends.
// In-flight messages are finished before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Msg("Starting Telegram client")
	err := b.client.Run(ctx, func(ctx context.Context) error {
		status, err := b.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := b.client.Auth().Bot(ctx, b.cfg.Token); err != nil {
				return fmt.Errorf("bot login: %w", err)
			}
		}
		b.log.Info().Msg("Bot authorized")
		<-ctx.Done()
		return nil
	})
	b.wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("telegram client: %w", err)
	}
	b.log.Info().Msg("Telegram client stopped")
	return nil
}

func (b *Bot) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		// Groups and channels are not archived.
		return nil
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		b.process(ctx, e, u, msg, peer.UserID)
	}()
	return nil
}

func (b *Bot) process(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage, msg *tg.Message, telegramID int64) {
	log := b.log.With().Int64("telegram_id", telegramID).Int("message", msg.ID).Logger()

	var username, firstName string
	if sender, ok := e.Users[telegramID]; ok {
		username, firstName = sender.Username, sender.FirstName
	}
	user, err := b.users.UpsertUser(ctx, telegramID, username, firstName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upsert user")
		return
	}

	rep := replier{sender: b.sender, e: e, u: u}
	if token, ok := startCommand(msg.Message); ok {
		b.start(ctx, log, rep, user.ID, token)
		return
	}

	in := b.inbound(user.ID, msg, e)
	in.Reply = rep
	if err := b.ingester.Ingest(ctx, in); err != nil {
		if errors.Is(err, model.ErrConstraintViolation) {
			log.Warn().Err(err).Msg("Duplicate message ignored")
			return
		}
		log.Error().Err(err).Msg("Failed to store message")
	}
}

func (b *Bot) start(ctx context.Context, log zerolog.Logger, rep replier, userID int64, token string) {
	if token != "" {
		err := b.binder.Bind(ctx, token, userID)
		if err == nil {
			rep.send(ctx, log, LoggedInText)
			return
		}
		log.Warn().Err(err).Msg("Login token rejected")
	}
	rep.send(ctx, log, WelcomeText)
}

// inbound converts a message into the ingest form. The attachment fetch
// is bound to this client.
func (b *Bot) inbound(ownerID int64, msg *tg.Message, e tg.Entities) ingest.Inbound {
	in := ingest.Inbound{
		OwnerID:         ownerID,
		SourceMessageID: int64(msg.ID),
		Text:            msg.Message,
		Entities:        convertEntities(msg.Entities),
		GroupID:         groupID(msg),
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		in.SourceURL = sourceURL(fwd, e.Channels)
	}
	if msg.Media != nil {
		if ref, ok := attachment(msg.Media); ok {
			in.Media = &ingest.Attachment{
				Kind:  ref.kind,
				Size:  ref.size,
				Fetch: b.fetcher(ref.location),
			}
		}
	}
	return in
}

func (b *Bot) fetcher(loc tg.InputFileLocationClass) func(context.Context, io.Writer) error {
	return func(ctx context.Context, w io.Writer) error {
		_, err := b.downloader.Download(b.client.API(), loc).Stream(ctx, w)
		return err
	}
}

// replier answers the message that triggered an update.
type replier struct {
	sender *message.Sender
	e      tg.Entities
	u      *tg.UpdateNewMessage
}

// Acknowledge implements ingest.Acknowledger.
func (r replier) Acknowledge(ctx context.Context, ack ingest.Ack) error {
	_, err := r.sender.Reply(r.e, r.u).Text(ctx, ack.Text())
	return err
}

func (r replier) send(ctx context.Context, log zerolog.Logger, text string) {
	if _, err := r.sender.Reply(r.e, r.u).Text(ctx, text); err != nil {
		log.Warn().Err(err).Msg("Failed to send reply")
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/rs/zerolog"
)

// DefaultSettleWindow is how long the first sibling of an album waits for
// the rest before the album is acknowledged.
const DefaultSettleWindow = 500 * time.Millisecond

// Acknowledgment texts sent back to the sender.
const (
	SavedText    = "Saved!"
	DegradedText = "⚠️ Saved text, but media file is too large to download!"
)

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("consolidator closed")

// Ack is the single reply owed for one logical action.
type Ack struct {
	Degraded bool
}

// Text returns the human-readable form of the ack.
func (a Ack) Text() string {
	if a.Degraded {
		return DegradedText
	}
	return SavedText
}

// Acknowledger delivers an ack to the sender of a message.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack Ack) error
}

// Attachment is a media reference that can be fetched once.
type Attachment struct {
	Kind  model.MediaKind
	Size  int64 // advertised size in bytes, 0 when unknown
	Fetch func(ctx context.Context, w io.Writer) error
}

// Inbound is one sub-message delivered by the bot transport.
type Inbound struct {
	OwnerID         int64
	SourceMessageID int64
	Text            string
	Entities        []model.Entity
	SourceURL       string
	GroupID         string
	Media           *Attachment
	Reply           Acknowledger
}

// ItemWriter is the slice of the store the consolidator writes through.
type ItemWriter interface {
	InsertItem(ctx context.Context, item *model.Item) (int64, error)
}

// Downloader stores a fetched attachment and returns its public URL.
type Downloader interface {
	Download(ctx context.Context, kind model.MediaKind, size int64, fetch func(context.Context, io.Writer) error) (string, error)
}

// Consolidator persists inbound messages, one row each, and emits exactly
// one acknowledgment per logical action. Messages without a group are
// acknowledged as soon as they are stored. The first sibling of an album
// starts an ack task that fires after the settle window.
type Consolidator struct {
	store    ItemWriter
	media    Downloader
	registry *Registry
	settle   time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a consolidator. media may be nil, in which case every
// attachment degrades.
func New(store ItemWriter, media Downloader, registry *Registry, settle time.Duration, log zerolog.Logger) *Consolidator {
	if settle <= 0 {
		settle = DefaultSettleWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consolidator{
		store:    store,
		media:    media,
		registry: registry,
		settle:   settle,
		log:      log.With().Str("component", "ingest").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ingest stores one sub-message. A failed media fetch degrades the row
// instead of failing it. Persistence errors, including
// model.ErrConstraintViolation for a repeated source message, are returned
// and no ack is sent for that message.
func (c *Consolidator) Ingest(ctx context.Context, in Inbound) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	var ticket Ticket
	if in.GroupID != "" {
		ticket = c.registry.Arrive(in.GroupID)
	}

	item, degraded := c.build(ctx, in)
	_, err := c.store.InsertItem(ctx, item)
	if err != nil {
		err = fmt.Errorf("store message %d: %w", in.SourceMessageID, err)
	}

	if in.GroupID == "" {
		if err != nil {
			return err
		}
		c.reply(ctx, in.Reply, Ack{Degraded: degraded})
		return nil
	}

	c.registry.Done(ticket, err == nil, degraded)
	switch {
	case ticket.First:
		c.scheduleAck(in.GroupID, in.Reply)
	case !ticket.Counted:
		c.log.Debug().Str("group", in.GroupID).Int64("message", in.SourceMessageID).
			Msg("Sibling arrived after group was acknowledged")
	default:
		c.log.Debug().Str("group", in.GroupID).Int64("message", in.SourceMessageID).
			Msg("Sibling stored, ack suppressed")
	}
	return err
}

func (c *Consolidator) build(ctx context.Context, in Inbound) (*model.Item, bool) {
	item := &model.Item{
		OwnerID:         in.OwnerID,
		SourceMessageID: in.SourceMessageID,
		Entities:        in.Entities,
		MediaKind:       model.MediaNone,
	}
	if in.Text != "" {
		text := in.Text
		item.Text = &text
	}
	if in.SourceURL != "" {
		src := in.SourceURL
		item.SourceURL = &src
	}
	if in.GroupID != "" {
		gid := in.GroupID
		item.GroupID = &gid
	}
	if in.Media == nil {
		return item, false
	}
	if c.media == nil || in.Media.Fetch == nil {
		c.log.Warn().Int64("message", in.SourceMessageID).Msg("No media downloader, storing text only")
		return item, true
	}

	url, err := c.media.Download(ctx, in.Media.Kind, in.Media.Size, in.Media.Fetch)
	if err != nil {
		c.log.Warn().Err(err).Int64("message", in.SourceMessageID).Str("kind", string(in.Media.Kind)).
			Int64("size", in.Media.Size).Msg("Media download failed, storing text only")
		return item, true
	}
	item.MediaURL = &url
	item.MediaKind = in.Media.Kind
	return item, false
}

func (c *Consolidator) scheduleAck(groupID string, reply Acknowledger) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(c.settle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return
		}

		out, err := c.registry.Settle(c.ctx, groupID)
		if err != nil {
			return
		}
		if out.Stored == 0 {
			c.log.Warn().Str("group", groupID).Msg("No sibling stored, skipping ack")
			return
		}
		c.log.Info().Str("group", groupID).Int("rows", out.Stored).Bool("degraded", out.Degraded).
			Msg("Album acknowledged")
		c.reply(c.ctx, reply, Ack{Degraded: out.Degraded})
	}()
}

func (c *Consolidator) reply(ctx context.Context, to Acknowledger, ack Ack) {
	if to == nil {
		return
	}
	if err := to.Acknowledge(ctx, ack); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send ack")
	}
}

// Close cancels pending ack tasks, waits for them to return and drops the
// registry state. Rows already stored are unaffected.
func (c *Consolidator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.registry.Close()
}

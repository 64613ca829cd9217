// Package media stores fetched and uploaded attachments on local disk.
// Files are written under <dir>/images and served from /static/images.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults used when a zero value is configured.
const (
	DefaultMaxBytes     = 20 << 20
	DefaultFetchTimeout = 30 * time.Second

	// URLPrefix is where the blob directory is mounted by the API.
	URLPrefix = "/static"
	subdir    = "images"
)

// ErrTooLarge is wrapped into model.ErrMediaFetchFailed when a file exceeds
// the configured limit.
var ErrTooLarge = errors.New("file too large")

// Store writes blobs into a directory tree and returns their public URLs.
type Store struct {
	root     string
	maxBytes int64
	timeout  time.Duration
	log      zerolog.Logger
}

// NewStore creates the blob directory if needed.
func NewStore(root string, maxBytes int64, timeout time.Duration, log zerolog.Logger) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if err := os.MkdirAll(filepath.Join(root, subdir), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{
		root:     root,
		maxBytes: maxBytes,
		timeout:  timeout,
		log:      log.With().Str("component", "media").Logger(),
	}, nil
}

// Root returns the directory served under URLPrefix.
func (s *Store) Root() string {
	return s.root
}

// Download runs fetch into a new blob of the given kind. Oversized files,
// fetch errors and timeouts are reported as model.ErrMediaFetchFailed and
// leave nothing behind.
func (s *Store) Download(ctx context.Context, kind model.MediaKind, size int64, fetch func(context.Context, io.Writer) error) (string, error) {
	if size > s.maxBytes {
		return "", fmt.Errorf("%w: %w: %d bytes", model.ErrMediaFetchFailed, ErrTooLarge, size)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url, _, err := s.write(kind, func(w io.Writer) error {
		return fetch(ctx, w)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrMediaFetchFailed, err)
	}
	return url, nil
}

// SaveUpload stores an uploaded file, detecting its kind from content.
func (s *Store) SaveUpload(ctx context.Context, r io.Reader) (string, model.MediaKind, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	return s.write("", func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// Remove deletes a blob previously returned by Download or SaveUpload.
// URLs outside the blob directory are rejected; a missing file is not an
// error.
func (s *Store) Remove(url string) error {
	prefix := URLPrefix + "/" + subdir + "/"
	name, ok := strings.CutPrefix(url, prefix)
	if !ok || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("not a blob url: %q", url)
	}
	if err := os.Remove(filepath.Join(s.root, subdir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// write streams into a temp file and renames it into place. An empty kind
// is detected from the content.
func (s *Store) write(kind model.MediaKind, fill func(io.Writer) error) (string, model.MediaKind, error) {
	dir := filepath.Join(s.root, subdir)
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	lw := &limitWriter{w: tmp, remaining: s.maxBytes}
	if err := fill(lw); err != nil {
		tmp.Close()
		if lw.exceeded {
			return "", "", ErrTooLarge
		}
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	mt, err := mimetype.DetectFile(tmpPath)
	if err != nil {
		return "", "", fmt.Errorf("detect type: %w", err)
	}
	if kind == "" {
		kind = KindOf(mt.String())
	}
	ext := kind.Extension()
	if kind == model.MediaDocument && mt.Extension() != "" {
		ext = mt.Extension()
	}

	name := uuid.NewString() + ext
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return "", "", fmt.Errorf("store blob: %w", err)
	}
	s.log.Debug().Str("name", name).Str("mime", mt.String()).Int64("bytes", s.maxBytes-lw.remaining).Msg("Stored blob")
	return URLPrefix + "/" + subdir + "/" + name, kind, nil
}

// KindOf classifies a MIME type.
func KindOf(mime string) model.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.MediaPhoto
	case strings.HasPrefix(mime, "video/"):
		return model.MediaVideo
	default:
		return model.MediaDocument
	}
}

// limitWriter fails once more than remaining bytes are written.
type limitWriter struct {
	w         io.Writer
	remaining int64
	exceeded  bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		l.exceeded = true
		return 0, ErrTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}

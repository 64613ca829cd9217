// Package preview scrapes link metadata for pasted URLs.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a whole preview fetch.
	DefaultTimeout = 5 * time.Second
	// MaxBodyBytes is how much of a page is read. Metadata lives in <head>.
	MaxBodyBytes = 50 * 1024

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
)

// Fetcher builds link previews from Open Graph tags, plain HTML metadata
// or, for RSS and Atom URLs, the feed header.
type Fetcher struct {
	client  *http.Client
	parser  *gofeed.Parser
	limiter *hostLimiter
	timeout time.Duration
	log     zerolog.Logger
}

// NewFetcher creates a fetcher. timeout <= 0 selects DefaultTimeout.
// It only connects to public addresses; see PublicAddr.
func NewFetcher(timeout time.Duration, log zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:  newClient(timeout, PublicAddr),
		parser:  gofeed.NewParser(),
		limiter: newHostLimiter(),
		timeout: timeout,
		log:     log.With().Str("component", "preview").Logger(),
	}
}

// Fetch returns the preview for rawURL. A page that answers but carries no
// metadata yields a preview with only URL set. Network failures, non-2xx
// statuses and unsupported schemes are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*model.LinkPreview, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	host := target.Host
	release, err := f.limiter.wait(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", host, err)
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	final := resp.Request.URL
	p := &model.LinkPreview{URL: rawURL}
	if isFeed(resp.Header.Get("Content-Type")) {
		if err := f.fromFeed(body, p); err != nil {
			f.log.Debug().Err(err).Str("url", rawURL).Msg("Feed parse failed, falling back to HTML")
		} else {
			p.Image = resolve(final, p.Image)
			return p, nil
		}
	}
	if err := fromHTML(body, p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", target, err)
	}
	p.Image = resolve(final, p.Image)
	if p.SiteName == "" && p.Title != "" {
		p.SiteName = final.Hostname()
	}
	return p, nil
}

// fromFeed fills p from an RSS or Atom channel header. The body may be
// truncated, so parsing errors are expected for large feeds.
func (f *Fetcher) fromFeed(body []byte, p *model.LinkPreview) error {
	feed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return err
	}
	p.Title = strings.TrimSpace(feed.Title)
	p.Description = strings.TrimSpace(feed.Description)
	if feed.Image != nil {
		p.Image = feed.Image.URL
	}
	p.SiteName = feed.Title
	if feed.Link != "" {
		if u, err := url.Parse(feed.Link); err == nil && u.Hostname() != "" {
			p.SiteName = u.Hostname()
		}
	}
	return nil
}

// fromHTML prefers og: properties, then twitter: cards, then plain tags.
func fromHTML(body []byte, p *model.LinkPreview) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return err
	}

	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("property")
		if key == "" {
			key, _ = s.Attr("name")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		content, ok := s.Attr("content")
		if key == "" || !ok {
			return
		}
		if _, seen := meta[key]; !seen {
			meta[key] = strings.TrimSpace(content)
		}
	})

	p.Title = first(meta["og:title"], meta["twitter:title"], strings.TrimSpace(doc.Find("title").First().Text()))
	p.Description = first(meta["og:description"], meta["twitter:description"], meta["description"])
	p.Image = first(meta["og:image"], meta["og:image:secure_url"], meta["og:image:url"], meta["twitter:image"])
	p.SiteName = meta["og:site_name"]
	return nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isFeed(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "rss") || strings.Contains(ct, "atom") ||
		strings.HasPrefix(ct, "application/xml") || strings.HasPrefix(ct, "text/xml")
}

// normalizeURL accepts bare hosts by assuming https.
func normalizeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: url required", model.ErrValidation)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", model.ErrValidation)
	}
	return u, nil
}

// resolve makes ref absolute against base.
func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

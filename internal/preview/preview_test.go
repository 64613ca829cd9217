package preview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFetcher returns a fetcher allowed to reach httptest servers on
// loopback.
func newTestFetcher() *Fetcher {
	return newTestFetcherTimeout(time.Second)
}

func newTestFetcherTimeout(timeout time.Duration) *Fetcher {
	f := NewFetcher(timeout, zerolog.Nop())
	f.client = newClient(timeout, nil)
	f.limiter.spacing = 0
	return f
}

func TestFetchOpenGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!doctype html><html><head>
			<title>Fallback title</title>
			<meta content="OG Title" property="og:title">
			<meta property="og:description" content="A &amp; B">
			<meta property="og:image" content="/img/cover.png">
			<meta property="og:site_name" content="Example Site">
		</head><body></body></html>`)
	}))
	defer srv.Close()

	p, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/article")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/article", p.URL)
	assert.Equal(t, "OG Title", p.Title)
	assert.Equal(t, "A & B", p.Description)
	assert.Equal(t, srv.URL+"/img/cover.png", p.Image)
	assert.Equal(t, "Example Site", p.SiteName)
}

func TestFetchFallsBackToPlainTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title> Plain </title><meta name="description" content="desc"></head></html>`)
	}))
	defer srv.Close()

	p, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Plain", p.Title)
	assert.Equal(t, "desc", p.Description)
	assert.Equal(t, "127.0.0.1", p.SiteName)
	assert.Empty(t, p.Image)
}

func TestFetchReadsOnlyHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>`)
		fmt.Fprint(w, strings.Repeat("<!-- padding -->", MaxBodyBytes/8))
		fmt.Fprint(w, `<meta property="og:title" content="too late"></head></html>`)
	}))
	defer srv.Close()

	p, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, p.Title)
	assert.True(t, p.Empty())
}

func TestFetchFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example Feed</title>
  <link>https://blog.example.com/</link>
  <description>Posts about things</description>
  <image><url>https://blog.example.com/logo.png</url><title>logo</title><link>https://blog.example.com/</link></image>
</channel></rss>`)
	}))
	defer srv.Close()

	p, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, "Example Feed", p.Title)
	assert.Equal(t, "Posts about things", p.Description)
	assert.Equal(t, "https://blog.example.com/logo.png", p.Image)
	assert.Equal(t, "blog.example.com", p.SiteName)
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "HTTP 410")
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcherTimeout(50 * time.Millisecond)
	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNormalizeURL(t *testing.T) {
	u, err := normalizeURL("example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", u.String())

	for _, bad := range []string{"", "   ", "ftp://example.com", "https://"} {
		_, err := normalizeURL(bad)
		assert.ErrorIs(t, err, model.ErrValidation, bad)
	}
}

func TestFetchRefusesLoopback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<html><head><title>internal admin</title></head></html>`)
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second, zerolog.Nop()).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrBlockedAddress)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Zero(t, hits.Load())
}

func TestFetchRefusesRedirectToLoopback(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer internal.Close()

	// The first hop is allowed; the redirect target is not.
	f := newTestFetcher()
	var dialed atomic.Bool
	f.client = newClient(time.Second, func(netip.Addr) bool {
		return !dialed.Swap(true)
	})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL, http.StatusFound)
	}))
	defer front.Close()

	_, err := f.Fetch(context.Background(), front.URL)
	assert.ErrorIs(t, err, ErrBlockedAddress)
	assert.Zero(t, hits.Load())
}

func TestPublicAddr(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1", "169.254.169.254",
		"0.0.0.0", "100.64.0.1", "224.0.0.1", "255.255.255.255",
		"::1", "::", "fe80::1", "fc00::1", "::ffff:127.0.0.1", "::ffff:169.254.169.254",
	}
	for _, a := range blocked {
		assert.False(t, PublicAddr(netip.MustParseAddr(a)), a)
	}
	for _, a := range []string{"93.184.216.34", "1.1.1.1", "2606:4700:4700::1111"} {
		assert.True(t, PublicAddr(netip.MustParseAddr(a)), a)
	}
}

func TestHostLimiterSpacesRequests(t *testing.T) {
	l := newHostLimiter()
	l.spacing = 40 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	release, err := l.wait(ctx, "a")
	require.NoError(t, err)
	release()
	assert.Less(t, time.Since(start), 30*time.Millisecond)

	// Concurrent callers are spaced from each other too.
	release1, err := l.wait(ctx, "a")
	require.NoError(t, err)
	release2, err := l.wait(ctx, "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	release1()
	release2()

	// Other hosts are not delayed.
	start = time.Now()
	release, err = l.wait(ctx, "b")
	require.NoError(t, err)
	release()
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestHostLimiterHonorsCancel(t *testing.T) {
	l := newHostLimiter()
	l.spacing = 0
	ctx := context.Background()
	for i := 0; i < MaxConcurrencyPerDomain; i++ {
		_, err := l.wait(ctx, "busy")
		require.NoError(t, err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := l.wait(cctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostLimiterSweepsIdleHosts(t *testing.T) {
	l := newHostLimiter()
	l.spacing = 0
	ctx := context.Background()
	for i := 0; i < maxTrackedHosts; i++ {
		release, err := l.wait(ctx, fmt.Sprintf("h%d", i))
		require.NoError(t, err)
		release()
	}
	busy, err := l.wait(ctx, "h0")
	require.NoError(t, err)
	defer busy()

	_, err = l.wait(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, l.gates, 2)
}

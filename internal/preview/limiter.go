package preview

import (
	"context"
	"sync"
	"time"
)

// Per-host politeness settings.
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single host.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum spacing between request
	// starts against the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond

	// idle gates are swept once this many hosts are tracked.
	maxTrackedHosts = 1024
)

// hostGate is the per-host state: a bounded slot pool and the earliest time
// the next request may start.
type hostGate struct {
	slots chan struct{}
	next  time.Time
}

// hostLimiter spaces and bounds requests per host so a client typing a URL
// cannot hammer one site through the preview endpoint.
type hostLimiter struct {
	mu      sync.Mutex
	gates   map[string]*hostGate
	spacing time.Duration
	now     func() time.Time
}

func newHostLimiter() *hostLimiter {
	return &hostLimiter{
		gates:   make(map[string]*hostGate),
		spacing: DelayBetweenDomainRequests,
		now:     time.Now,
	}
}

// wait blocks until a request to host may start. Start times are reserved
// under the lock, so concurrent callers are spaced from each other and not
// only from finished requests. The returned func frees the slot.
func (l *hostLimiter) wait(ctx context.Context, host string) (func(), error) {
	l.mu.Lock()
	g, ok := l.gates[host]
	if !ok {
		if len(l.gates) >= maxTrackedHosts {
			l.sweepLocked()
		}
		g = &hostGate{slots: make(chan struct{}, MaxConcurrencyPerDomain)}
		l.gates[host] = g
	}
	l.mu.Unlock()

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	now := l.now()
	start := g.next
	if start.Before(now) {
		start = now
	}
	g.next = start.Add(l.spacing)
	l.mu.Unlock()

	if d := start.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			<-g.slots
			return nil, ctx.Err()
		}
	}
	return func() { <-g.slots }, nil
}

// sweepLocked forgets hosts with no request in flight and no pending
// spacing.
func (l *hostLimiter) sweepLocked() {
	now := l.now()
	for host, g := range l.gates {
		if len(g.slots) == 0 && !g.next.After(now) {
			delete(l.gates, host)
		}
	}
}

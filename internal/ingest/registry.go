// Package ingest persists inbound messages and coordinates the single
// acknowledgment owed to each album.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultShards is the number of lock stripes in a Registry.
const DefaultShards = 32

// pendingGroup is the transient coordination state of one album.
type pendingGroup struct {
	id           string
	discoveredAt time.Time

	// closed is set when the settle window elapses. Siblings arriving
	// afterwards are still stored but no longer counted toward the ack.
	closed       bool
	acknowledged bool
	degraded     bool
	stored       int
	inflight     int
	drained      chan struct{}
	drainedShut  bool
	expiry       *time.Timer
}

func (g *pendingGroup) maybeDrain() {
	if g.closed && g.inflight == 0 && !g.drainedShut {
		g.drainedShut = true
		close(g.drained)
	}
}

type shard struct {
	mu     sync.Mutex
	groups map[string]*pendingGroup
}

// Registry tracks pending albums. It is striped by group id so arrivals
// for unrelated groups never contend on one lock. Entries expire a quiet
// window after their acknowledgment.
type Registry struct {
	shards []*shard
	quiet  time.Duration
	now    func() time.Time

	closeOnce sync.Once
}

// NewRegistry creates a registry whose entries live for quiet after the
// group is acknowledged. shards <= 0 selects DefaultShards.
func NewRegistry(shards int, quiet time.Duration) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, shards),
		quiet:  quiet,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[string]*pendingGroup)}
	}
	return r
}

func (r *Registry) shardFor(groupID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Ticket is handed to each sibling on arrival and returned via Done once
// the sibling is persisted.
type Ticket struct {
	GroupID string
	// First is true for the sibling that discovered the group. Its caller
	// owns the acknowledgment.
	First bool
	// Counted is false for late siblings that arrived after the settle
	// window closed.
	Counted bool
}

// Arrive registers a sibling. Exactly one concurrent caller per group
// receives a ticket with First set until the entry expires.
func (r *Registry) Arrive(groupID string) Ticket {
	s := r.shardFor(groupID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		s.groups[groupID] = &pendingGroup{
			id:           groupID,
			discoveredAt: r.now(),
			inflight:     1,
			drained:      make(chan struct{}),
		}
		return Ticket{GroupID: groupID, First: true, Counted: true}
	}
	if g.closed {
		return Ticket{GroupID: groupID}
	}
	g.inflight++
	return Ticket{GroupID: groupID, Counted: true}
}

// Done reports the outcome of a counted sibling. stored is false when the
// row could not be persisted; degraded is true when it was persisted
// without its media.
func (r *Registry) Done(t Ticket, stored, degraded bool) {
	if !t.Counted {
		return
	}
	s := r.shardFor(t.GroupID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[t.GroupID]
	if !ok {
		return
	}
	if stored {
		g.stored++
	}
	g.degraded = g.degraded || degraded
	g.inflight--
	g.maybeDrain()
}

// Outcome summarizes the counted siblings of a settled group.
type Outcome struct {
	Stored   int
	Degraded bool
}

// Settle closes the group to new counted siblings, waits for the counted
// ones still in flight, marks the group acknowledged and schedules its
// expiry. It returns ctx.Err() if ctx ends while waiting.
func (r *Registry) Settle(ctx context.Context, groupID string) (Outcome, error) {
	s := r.shardFor(groupID)
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return Outcome{}, nil
	}
	g.closed = true
	g.maybeDrain()
	drained := g.drained
	s.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		r.forget(s, g)
		return Outcome{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g.acknowledged = true
	g.expiry = time.AfterFunc(r.quiet, func() { r.forget(s, g) })
	return Outcome{Stored: g.stored, Degraded: g.degraded}, nil
}

func (r *Registry) forget(s *shard, g *pendingGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[g.id] == g {
		delete(s.groups, g.id)
	}
}

// Len returns the number of tracked groups.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.groups)
		s.mu.Unlock()
	}
	return n
}

// Close stops pending expiry timers and drops every entry.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		for _, s := range r.shards {
			s.mu.Lock()
			for id, g := range s.groups {
				if g.expiry != nil {
					g.expiry.Stop()
				}
				delete(s.groups, id)
			}
			s.mu.Unlock()
		}
	})
}

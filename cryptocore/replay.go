package cryptocore

import (
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultReplayWindow   = 5 * time.Minute
	DefaultReplayCapacity = 10000
)

// ReplayVerdict is the outcome of a replay check.
type ReplayVerdict int

const (
	ReplayFresh ReplayVerdict = iota
	ReplayStale
	ReplayDuplicate
)

func (v ReplayVerdict) String() string {
	switch v {
	case ReplayFresh:
		return "fresh"
	case ReplayStale:
		return "stale"
	case ReplayDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ReplayGuard remembers recently accepted message ids and rejects messages
// whose timestamp falls outside the freshness window. It is safe for
// concurrent use and is meant to be shared by every session fed from one
// transport.
type ReplayGuard struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	evict    int
	now      func() time.Time

	seen  map[string]struct{}
	order []string
}

type ReplayOption func(*ReplayGuard)

// WithReplayWindow sets the maximum accepted distance between a message
// timestamp and the local clock, in either direction.
func WithReplayWindow(d time.Duration) ReplayOption {
	return func(g *ReplayGuard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithReplayCapacity bounds the number of remembered ids.
func WithReplayCapacity(n int) ReplayOption {
	return func(g *ReplayGuard) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// WithReplayEviction sets how many of the oldest ids are forgotten when the
// guard is full. The default is half the capacity.
func WithReplayEviction(n int) ReplayOption {
	return func(g *ReplayGuard) {
		if n > 0 {
			g.evict = n
		}
	}
}

func WithReplayClock(now func() time.Time) ReplayOption {
	return func(g *ReplayGuard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewReplayGuard(opts ...ReplayOption) *ReplayGuard {
	g := &ReplayGuard{
		window:   DefaultReplayWindow,
		capacity: DefaultReplayCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.evict <= 0 || g.evict > g.capacity {
		g.evict = g.capacity / 2
		if g.evict == 0 {
			g.evict = 1
		}
	}
	g.seen = make(map[string]struct{}, g.capacity)
	g.order = make([]string, 0, g.capacity)
	return g
}

// IsReplayAttack reports whether the message must be discarded. Fresh ids are
// recorded as a side effect.
func (g *ReplayGuard) IsReplayAttack(id string, timestamp time.Time) bool {
	return g.Check(id, timestamp) != ReplayFresh
}

// Check classifies the message and records fresh ids.
func (g *ReplayGuard) Check(id string, timestamp time.Time) ReplayVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	skew := g.now().Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return ReplayStale
	}
	if _, ok := g.seen[id]; ok {
		return ReplayDuplicate
	}
	if len(g.order) >= g.capacity {
		g.evictOldest()
	}
	g.seen[id] = struct{}{}
	g.order = append(g.order, id)
	return ReplayFresh
}

// Len returns the number of remembered ids.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

func (g *ReplayGuard) evictOldest() {
	n := g.evict
	if n > len(g.order) {
		n = len(g.order)
	}
	for _, id := range g.order[:n] {
		delete(g.seen, id)
	}
	remaining := copy(g.order, g.order[n:])
	clear(g.order[remaining:])
	g.order = g.order[:remaining]
}

// GenerateMessageID returns a unique id made of the current unix time in
// milliseconds and a random suffix.
func GenerateMessageID() (string, error) {
	var suffix [8]byte
	if err := readRandom(suffix[:]); err != nil {
		return "", err
	}
	return strconv.FormatInt(now().UnixMilli(), 10) + "-" + hex.EncodeToString(suffix[:]), nil
}

package engine

import (
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Cursor policy defaults.
const (
	DefaultCursorInterval = 20 * time.Second
	DefaultCursorJitter   = 3600 * time.Second
)

// cursorEpoch anchors interval numbering. Fixed at build time; changing
// it invalidates client cursors, which is harmless (they only partition
// caches).
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// CursorPolicy issues opaque, monotonically non-decreasing cursors used
// by clients to partition CDN caches on live requests.
//
// Cursors are interval numbers since the epoch. When a client echoes a
// cursor at or ahead of the current interval, the next cursor jumps
// ahead by a uniformly random jitter so that identical concurrent
// reconnects land on different cache keys.
type CursorPolicy struct {
	interval  time.Duration
	maxJitter time.Duration

	now  func() time.Time
	rand *rand.Rand

	mu         sync.Mutex
	lastIssued int64
}

// NewCursorPolicy creates a policy with the given interval and maximum
// jitter; zero values select the protocol defaults.
func NewCursorPolicy(interval, maxJitter time.Duration) *CursorPolicy {
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	if maxJitter <= 0 {
		maxJitter = DefaultCursorJitter
	}
	return &CursorPolicy{
		interval:  interval,
		maxJitter: maxJitter,
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next issues the cursor for a request carrying clientCursor (possibly
// empty). Issued cursors never decrease across a policy instance.
func (p *CursorPolicy) Next(clientCursor string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := int64(p.now().Sub(cursorEpoch) / p.interval)

	candidate := current
	if p.lastIssued > candidate {
		candidate = p.lastIssued
	}

	if clientCursor != "" {
		if c, err := strconv.ParseInt(clientCursor, 10, 64); err == nil && c >= candidate {
			jitterIntervals := int64((p.maxJitter + p.interval - 1) / p.interval)
			if jitterIntervals < 1 {
				jitterIntervals = 1
			}
			candidate = c + 1 + p.rand.Int63n(jitterIntervals)
		}
	}

	if candidate > p.lastIssued {
		p.lastIssued = candidate
	}
	return strconv.FormatInt(candidate, 10)
}

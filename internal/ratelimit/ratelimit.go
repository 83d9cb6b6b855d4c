// Package ratelimit implements the per-domain politeness gate of spec.md
// section 4.6: a sharded array of per-domain states whose last request
// timestamp and consecutive failure count are atomics. Looking a domain
// up in its shard's map takes that shard's RWMutex (a write lock the
// first time a domain is seen), so the gate is not fully lock-free.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// NumShards is fixed at 256, per spec.md section 4.6. Domains are spread
// over the shards by hash; two domains that hash to the same shard share
// its lock.
const NumShards = 256

const (
	backoffBase = 2 * time.Millisecond
	backoffMax  = 20 * time.Millisecond
)

type domainState struct {
	lastRequestNanos atomic.Int64
	consecutiveFails atomic.Int64
	throttleUntil    atomic.Int64
	// minGapOverrideNanos is this domain's spec.md section 6e
	// per-domain min_gap override, in nanoseconds; 0 means "use the
	// limiter's global MinGap".
	minGapOverrideNanos atomic.Int64
	// requested is set by the first RecordRequest; until then the domain
	// has no last request to keep a gap from.
	requested atomic.Bool
}

type shard struct {
	mu      sync.RWMutex
	domains map[string]*domainState
}

// Limiter is the sharded rate limiter. MinGap is the minimum spacing
// window between two requests to the same domain (default 50ms per
// spec.md section 4.4).
type Limiter struct {
	shards [NumShards]*shard
	MinGap time.Duration
	clock  clock.Clock
}

// New creates a Limiter with the given minimum request spacing. A
// benbjohnson/clock.Clock is accepted so tests can advance a mock clock
// instead of sleeping real wall-clock gaps.
func New(minGap time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &Limiter{MinGap: minGap, clock: clk}
	for i := range l.shards {
		l.shards[i] = &shard{domains: make(map[string]*domainState)}
	}
	return l
}

func shardIndex(domain string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return h.Sum32() % NumShards
}

func (l *Limiter) stateFor(domain string) *domainState {
	sh := l.shards[shardIndex(domain)]
	sh.mu.RLock()
	st, ok := sh.domains[domain]
	sh.mu.RUnlock()
	if ok {
		return st
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.domains[domain]; ok {
		return st
	}
	st = &domainState{}
	sh.domains[domain] = st
	return st
}

// CanRequestNow reports whether enough time has elapsed since the last
// request to domain, honoring any active throttle override.
func (l *Limiter) CanRequestNow(domain string) bool {
	st := l.stateFor(domain)
	now := l.clock.Now().UnixNano()
	if until := st.throttleUntil.Load(); until > now {
		return false
	}
	if !st.requested.Load() {
		return true
	}
	last := st.lastRequestNanos.Load()
	gap := l.adaptiveGap(st)
	return now-last >= gap.Nanoseconds()
}

// SetMinGapOverride sets domain's own minimum spacing window, per
// spec.md section 6e's domain-configuration table, taking precedence
// over the limiter's global MinGap. A zero duration clears the override.
func (l *Limiter) SetMinGapOverride(domain string, gap time.Duration) {
	l.stateFor(domain).minGapOverrideNanos.Store(int64(gap))
}

// adaptiveGap scales the minimum spacing window with the domain's
// consecutive failure count, from backoffBase up to backoffMax, per
// spec.md section 4.6. The result is the larger of the base gap (the
// domain's own min_gap override when one is configured, else MinGap)
// and that failure backoff; the two are not added.
func (l *Limiter) adaptiveGap(st *domainState) time.Duration {
	base := l.MinGap
	if override := time.Duration(st.minGapOverrideNanos.Load()); override > 0 {
		base = override
	}

	fails := st.consecutiveFails.Load()
	if fails <= 0 {
		return base
	}
	extra := time.Duration(fails) * backoffBase
	if extra > backoffMax {
		extra = backoffMax
	}
	if base > extra {
		return base
	}
	return extra
}

// RecordRequest stamps the current time as the domain's last request
// time via compare-and-swap, so concurrent callers never move the
// timestamp backwards.
func (l *Limiter) RecordRequest(domain string) {
	st := l.stateFor(domain)
	now := l.clock.Now().UnixNano()
	st.requested.Store(true)
	for {
		prev := st.lastRequestNanos.Load()
		if prev >= now {
			return
		}
		if st.lastRequestNanos.CompareAndSwap(prev, now) {
			return
		}
	}
}

// RecordFailure increments the domain's consecutive-failure counter.
func (l *Limiter) RecordFailure(domain string) int64 {
	return l.stateFor(domain).consecutiveFails.Add(1)
}

// RecordSuccess resets the domain's consecutive-failure counter.
func (l *Limiter) RecordSuccess(domain string) {
	l.stateFor(domain).consecutiveFails.Store(0)
}

// ThrottleDomain extends the domain's eligibility window by the given
// duration, used on 429/503 responses per spec.md section 4.4.
func (l *Limiter) ThrottleDomain(domain string, d time.Duration) {
	st := l.stateFor(domain)
	until := l.clock.Now().Add(d).UnixNano()
	st.throttleUntil.Store(until)
}

// ConsecutiveFailures returns the current failure count for a domain.
func (l *Limiter) ConsecutiveFailures(domain string) int64 {
	return l.stateFor(domain).consecutiveFails.Load()
}

package resilient

import (
	"sync"
	"time"

	"github.com/basket/taskflow/internal/taskerr"
)

// Mode is the circuit breaker mode.
type Mode string

const (
	ModeClosed   Mode = "CLOSED"
	ModeOpen     Mode = "OPEN"
	ModeHalfOpen Mode = "HALF_OPEN"
)

// CircuitSnapshot is a read-only copy of the breaker state.
type CircuitSnapshot struct {
	Mode          Mode      `json:"mode"`
	Calls         int       `json:"calls"`
	Failures      int       `json:"failures"`
	WindowStart   time.Time `json:"window_start"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	ProbeInFlight bool      `json:"probe_in_flight"`
}

// ticket is handed out by admit and must be settled exactly once with
// success, failure or release.
type ticket struct {
	probe bool
}

type transition struct {
	from, to Mode
}

// windowBuckets is how many slots the rolling window is split into. An
// outcome leaves the window at most Window/windowBuckets late.
const windowBuckets = 10

// bucket counts the outcomes of one slot of width Window/windowBuckets.
type bucket struct {
	slot     int64
	calls    int
	failures int
}

// breaker counts outcomes over a rolling window made of windowBuckets
// slots. Slots older than Window drop out one at a time.
type breaker struct {
	threshold    float64
	minVolume    int
	width        time.Duration
	resetTimeout time.Duration
	now          func() time.Time
	onTransition func(from, to Mode)

	mu       sync.Mutex
	mode     Mode
	epoch    time.Time
	buckets  [windowBuckets]bucket
	openedAt time.Time
	probing  bool
}

func newBreaker(cfg Config, now func() time.Time, onTransition func(from, to Mode)) *breaker {
	return &breaker{
		threshold:    cfg.FailureThreshold,
		minVolume:    cfg.MinimumVolume,
		width:        max(cfg.Window/windowBuckets, time.Nanosecond),
		resetTimeout: cfg.ResetTimeout,
		now:          now,
		onTransition: onTransition,
		mode:         ModeClosed,
		epoch:        now(),
	}
}

func (b *breaker) admit() (ticket, error) {
	b.mu.Lock()
	var fired []transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	now := b.now()
	switch b.mode {
	case ModeOpen:
		if now.Sub(b.openedAt) < b.resetTimeout {
			return ticket{}, taskerr.Unavailable("client.do", "circuit open")
		}
		fired = append(fired, b.setMode(ModeHalfOpen))
		b.probing = true
		return ticket{probe: true}, nil
	case ModeHalfOpen:
		if b.probing {
			return ticket{}, taskerr.Unavailable("client.do", "circuit half-open, probe in flight")
		}
		b.probing = true
		return ticket{probe: true}, nil
	default:
		return ticket{}, nil
	}
}

func (b *breaker) success(t ticket) {
	b.mu.Lock()
	var fired []transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	if t.probe {
		b.probing = false
		if b.mode == ModeHalfOpen {
			fired = append(fired, b.setMode(ModeClosed))
			b.resetCounts(b.now())
		}
		return
	}
	if b.mode != ModeClosed {
		return
	}
	b.record(b.now(), false)
}

func (b *breaker) failure(t ticket) {
	b.mu.Lock()
	var fired []transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	now := b.now()
	if t.probe {
		b.probing = false
		if b.mode == ModeHalfOpen {
			fired = append(fired, b.setMode(ModeOpen))
			b.openedAt = now
		}
		return
	}
	if b.mode != ModeClosed {
		return
	}
	b.record(now, true)
	calls, failures := b.totals(now)
	if calls >= b.minVolume && float64(failures)*100 > b.threshold*float64(calls) {
		fired = append(fired, b.setMode(ModeOpen))
		b.openedAt = now
	}
}

// release settles a ticket without recording an outcome. A released probe
// frees the slot and leaves the breaker half-open.
func (b *breaker) release(t ticket) {
	if !t.probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *breaker) snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	calls, failures := b.totals(now)
	return CircuitSnapshot{
		Mode:          b.mode,
		Calls:         calls,
		Failures:      failures,
		WindowStart:   b.windowStart(now),
		OpenedAt:      b.openedAt,
		ProbeInFlight: b.probing,
	}
}

// Callers hold b.mu for the helpers below.

func (b *breaker) setMode(to Mode) transition {
	tr := transition{from: b.mode, to: to}
	b.mode = to
	if to == ModeClosed {
		b.openedAt = time.Time{}
	}
	return tr
}

func (b *breaker) slot(now time.Time) int64 {
	d := now.Sub(b.epoch)
	if d < 0 {
		return 0
	}
	return int64(d / b.width)
}

func (b *breaker) record(now time.Time, failed bool) {
	s := b.slot(now)
	bk := &b.buckets[s%windowBuckets]
	if bk.slot != s {
		*bk = bucket{slot: s}
	}
	bk.calls++
	if failed {
		bk.failures++
	}
}

// totals sums the slots that still overlap the window ending at now.
func (b *breaker) totals(now time.Time) (calls, failures int) {
	s := b.slot(now)
	for _, bk := range b.buckets {
		if bk.slot > s-windowBuckets && bk.slot <= s {
			calls += bk.calls
			failures += bk.failures
		}
	}
	return calls, failures
}

// windowStart is the start of the oldest slot still counted.
func (b *breaker) windowStart(now time.Time) time.Time {
	oldest := max(b.slot(now)-windowBuckets+1, 0)
	return b.epoch.Add(time.Duration(oldest) * b.width)
}

// resetCounts forgets every outcome recorded before now.
func (b *breaker) resetCounts(now time.Time) {
	b.buckets = [windowBuckets]bucket{}
	b.epoch = now
}

func (b *breaker) fire(trs []transition) {
	if b.onTransition == nil {
		return
	}
	for _, tr := range trs {
		b.onTransition(tr.from, tr.to)
	}
}

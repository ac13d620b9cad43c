package consensus

import (
	"sync"
	"time"

	"Astor/internal/logger"
)

const (
	// timeoutChannelSize is the buffer size of the fired-timeout channel.
	timeoutChannelSize = 16
)

// timerKind identifies one of the engine's independent timers.
type timerKind int

const (
	timerBatch timerKind = iota
	timerView
	timerIntegrity
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerBatch:
		return "batch"
	case timerView:
		return "view"
	case timerIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// timeoutInfo is delivered when a timer fires. gen is compared against the
// ticker's current generation so fires from cancelled timers are ignored.
type timeoutInfo struct {
	kind     timerKind
	view     uint64
	sequence uint64
	gen      uint64
}

// timeoutTicker holds one cancellable timer per kind. Fired timeouts are
// delivered on a channel read by the engine loop.
type timeoutTicker struct {
	mu     sync.Mutex
	timers [numTimers]*time.Timer
	gens   [numTimers]uint64

	tockCh  chan timeoutInfo
	stopCh  chan struct{}
	stopped bool
}

func newTimeoutTicker() *timeoutTicker {
	return &timeoutTicker{
		tockCh: make(chan timeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Chan returns the channel of fired timeouts.
func (tt *timeoutTicker) Chan() <-chan timeoutInfo {
	return tt.tockCh
}

// schedule replaces any pending timer of the same kind.
func (tt *timeoutTicker) schedule(kind timerKind, d time.Duration, view, sequence uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.stopped {
		return
	}

	if t := tt.timers[kind]; t != nil {
		t.Stop()
	}

	tt.gens[kind]++
	ti := timeoutInfo{kind: kind, view: view, sequence: sequence, gen: tt.gens[kind]}

	tt.timers[kind] = time.AfterFunc(d, func() {
		select {
		case tt.tockCh <- ti:
		case <-tt.stopCh:
		default:
			logger.Warn("dropped timeout, channel full", "timer", ti.kind, "view", ti.view)
		}
	})
}

// cancel stops the pending timer of kind, if any.
func (tt *timeoutTicker) cancel(kind timerKind) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if t := tt.timers[kind]; t != nil {
		t.Stop()
		tt.timers[kind] = nil
	}
	tt.gens[kind]++
}

// active reports whether a timer of kind is scheduled.
func (tt *timeoutTicker) active(kind timerKind) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	return tt.timers[kind] != nil
}

// isCurrent reports whether ti belongs to the latest schedule of its kind.
// A current fire clears the slot so the kind can be scheduled again.
func (tt *timeoutTicker) isCurrent(ti timeoutInfo) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if ti.gen != tt.gens[ti.kind] {
		return false
	}

	tt.timers[ti.kind] = nil
	return true
}

// current returns a timeoutInfo for kind carrying the live generation.
func (tt *timeoutTicker) current(kind timerKind, view, sequence uint64) timeoutInfo {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	return timeoutInfo{kind: kind, view: view, sequence: sequence, gen: tt.gens[kind]}
}

// stop cancels every timer. Further schedules are ignored.
func (tt *timeoutTicker) stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.stopped {
		return
	}
	tt.stopped = true

	close(tt.stopCh)
	for i, t := range tt.timers {
		if t != nil {
			t.Stop()
			tt.timers[i] = nil
		}
	}
}

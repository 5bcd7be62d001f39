package claude

import (
	"sync"
	"time"
)

// ExpiryReason identifies which timer fired.
type ExpiryReason string

const (
	ExpiryIdle     ExpiryReason = "idle timeout"
	ExpiryAbsolute ExpiryReason = "absolute timeout"
)

// AbsoluteTimeout is the safety-net ceiling on any single Agent invocation.
// Fixed; not configurable by channel config.
const AbsoluteTimeout = 12 * time.Hour

// TimeoutManager arms an idle timer (reset on every byte of process output)
// and an absolute timer (fixed, fired once) against a single Agent process.
// Whichever fires first invokes onExpire exactly once; the other is
// stopped. Safe for concurrent RecordActivity calls from the reader
// goroutine while Stop runs from the owning supervisor goroutine.
type TimeoutManager struct {
	mu          sync.Mutex
	idleTimeout time.Duration
	idle        *time.Timer
	absolute    *time.Timer
	fired       bool
	onExpire    func(ExpiryReason)
	startedAt   time.Time
}

// NewTimeoutManager constructs a manager that calls onExpire once, from a
// timer goroutine, when idleTimeout elapses without RecordActivity or when
// AbsoluteTimeout elapses from Start.
func NewTimeoutManager(idleTimeout time.Duration, onExpire func(ExpiryReason)) *TimeoutManager {
	return &TimeoutManager{idleTimeout: idleTimeout, onExpire: onExpire}
}

// Start arms both timers. Must be called once, right after the process is
// spawned.
func (tm *TimeoutManager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.startedAt = time.Now()
	tm.idle = time.AfterFunc(tm.idleTimeout, func() { tm.expire(ExpiryIdle) })
	tm.absolute = time.AfterFunc(AbsoluteTimeout, func() { tm.expire(ExpiryAbsolute) })
}

// RecordActivity resets the idle timer. Called on every stdout/stderr
// chunk received from the child process.
func (tm *TimeoutManager) RecordActivity() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.fired || tm.idle == nil {
		return
	}
	tm.idle.Reset(tm.idleTimeout)
}

// Stop disarms both timers without firing onExpire. Idempotent.
func (tm *TimeoutManager) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.fired = true
	if tm.idle != nil {
		tm.idle.Stop()
	}
	if tm.absolute != nil {
		tm.absolute.Stop()
	}
}

// Elapsed returns the time since Start.
func (tm *TimeoutManager) Elapsed() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.startedAt.IsZero() {
		return 0
	}
	return time.Since(tm.startedAt)
}

func (tm *TimeoutManager) expire(reason ExpiryReason) {
	tm.mu.Lock()
	if tm.fired {
		tm.mu.Unlock()
		return
	}
	tm.fired = true
	if tm.idle != nil {
		tm.idle.Stop()
	}
	if tm.absolute != nil {
		tm.absolute.Stop()
	}
	cb := tm.onExpire
	tm.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

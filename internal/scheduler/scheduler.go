// Package scheduler implements the priority-aware call gate every outgoing
// exchange REST call passes through (§4.1). CRITICAL calls never wait; every
// other priority waits only while a CRITICAL call is in flight, bounded by a
// 5s timeout after which it proceeds anyway — trading must never deadlock on
// a scanning read.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Priority is the four-level scheme from §4.1. Lower numeric value means
// higher priority.
type Priority int

const (
	Critical Priority = 1
	High     Priority = 2
	Normal   Priority = 3
	Low      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

const (
	// globalInterCallInterval is the §4.1 rate-limit budget: no two
	// outgoing REST calls may start less than this far apart, regardless
	// of priority.
	globalInterCallInterval = 250 * time.Millisecond

	// criticalWaitTimeout bounds how long a non-CRITICAL call will defer
	// to in-flight CRITICAL work before proceeding anyway (§4.1, §5).
	criticalWaitTimeout = 5 * time.Second

	pollInterval = 10 * time.Millisecond
)

// Scheduler serializes every outgoing call behind the global rate limiter
// and the CRITICAL-in-flight gate. It holds no knowledge of what a call
// does — callers pass a closure to Run.
type Scheduler struct {
	mu             sync.Mutex
	criticalFlight int

	limiter *rate.Limiter
	log     *zap.Logger

	// OnWait, if set, is called with how long a non-CRITICAL call
	// deferred to in-flight CRITICAL work. internal/metrics uses this to
	// observe the §4.1 priority-wait duration; nil is fine, it just means
	// nobody is watching.
	OnWait func(time.Duration)
}

// New builds a Scheduler enforcing the global 250ms inter-call interval via
// golang.org/x/time/rate, configured as a one-token bucket refilled at the
// limiter's own pace so bursts above the limit still get smoothed to one
// call per interval.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		limiter: rate.NewLimiter(rate.Every(globalInterCallInterval), 1),
		log:     log,
	}
}

// Run dispatches fn under priority p: CRITICAL calls register as in-flight
// and proceed immediately; all other priorities first wait (polling every
// 10ms, capped at 5s) while any CRITICAL call is in flight, then wait on the
// global rate limiter before invoking fn.
func (s *Scheduler) Run(ctx context.Context, p Priority, fn func(context.Context) error) error {
	if p == Critical {
		s.enterCritical()
		defer s.exitCritical()
	} else {
		s.waitForCritical(ctx)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		// Context cancellation on the limiter wait; still run the call
		// for CRITICAL priority callers is not applicable here since p
		// is guaranteed non-nil context by caller, but a dead context
		// means the operation has already been abandoned upstream.
		return err
	}
	return fn(ctx)
}

func (s *Scheduler) enterCritical() {
	s.mu.Lock()
	s.criticalFlight++
	s.mu.Unlock()
}

func (s *Scheduler) exitCritical() {
	s.mu.Lock()
	s.criticalFlight--
	s.mu.Unlock()
}

func (s *Scheduler) inFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.criticalFlight > 0
}

// waitForCritical blocks the caller while a CRITICAL call is registered,
// up to criticalWaitTimeout, then returns unconditionally — a timed-out
// wait is logged, not an error, per §4.1's "must not deadlock trading".
func (s *Scheduler) waitForCritical(ctx context.Context) {
	if !s.inFlight() {
		return
	}
	start := time.Now()
	deadline := start.Add(criticalWaitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer func() {
		if s.OnWait != nil {
			s.OnWait(time.Since(start))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight() {
				return
			}
			if time.Now().After(deadline) {
				s.log.Warn("priority wait exceeded timeout, proceeding anyway")
				return
			}
		}
	}
}

// CriticalInFlight exposes the current count for metrics/diagnostics; it is
// read-only and never used for scheduling decisions outside this package.
func (s *Scheduler) CriticalInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.criticalFlight
}

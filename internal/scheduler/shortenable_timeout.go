package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ShortenableTimeout is a single re-armable deadline: Set(d) only moves
// the deadline earlier, never later, unless the timer has already fired
// (in which case it arms anew). Used wherever callers may repeatedly
// request an earlier deadline without breaking the guarantee that the
// underlying callback fires at or before the earliest requested one
// (spec.md §4.6/§5).
type ShortenableTimeout struct {
	mu       sync.Mutex
	clock    clock.Clock
	fn       func()
	timer    *clock.Timer
	deadline time.Time
	armed    bool
}

// NewShortenableTimeout builds a ShortenableTimeout that calls fn on fire.
func NewShortenableTimeout(clk clock.Clock, fn func()) *ShortenableTimeout {
	if clk == nil {
		clk = clock.New()
	}
	return &ShortenableTimeout{clock: clk, fn: fn}
}

// Set requests that fn run in at most d. If a timer is already armed with
// an equal or earlier deadline, the request is ignored; otherwise any
// existing timer is replaced.
func (s *ShortenableTimeout) Set(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newDeadline := s.clock.Now().Add(d)
	if s.armed && !newDeadline.Before(s.deadline) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.deadline = newDeadline
	s.armed = true
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
		s.fn()
	})
}

// Stop disarms the timeout without firing fn.
func (s *ShortenableTimeout) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

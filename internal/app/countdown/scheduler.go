// Package countdown drives a wall-clock anchored countdown towards an auction deadline.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Unknown is displayed while no countdown is running.
const Unknown = "--:--"

// Tick reports the remaining time at one countdown boundary.
type Tick struct {
	Deadline  time.Time
	Remaining time.Duration
	Display   string
	Expired   bool

	gen uint64
}

// Scheduler owns the single active countdown timer of a session.
type Scheduler struct {
	clock clockwork.Clock
	sink  func(Tick)

	mu       sync.Mutex
	timer    clockwork.Timer
	gen      uint64
	running  bool
	deadline time.Time
	display  string
}

// NewScheduler creates an idle scheduler. sink receives every tick and may be nil.
func NewScheduler(clock clockwork.Clock, sink func(Tick)) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = func(Tick) {}
	}
	return &Scheduler{
		clock:    clock,
		sink:     sink,
		mu:       sync.Mutex{},
		timer:    nil,
		gen:      0,
		running:  false,
		deadline: time.Time{},
		display:  Unknown,
	}
}

// Start cancels any running countdown and ticks immediately towards deadline.
func (s *Scheduler) Start(deadline time.Time) {
	s.mu.Lock()
	s.cancelLocked()
	s.running = true
	s.deadline = deadline
	gen := s.gen
	s.mu.Unlock()

	s.tick(gen)
}

// Stop cancels the pending tick and resets the display.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelLocked()
	s.display = Unknown
	s.mu.Unlock()
}

// Running reports whether a countdown is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Display returns the last rendered remaining time.
func (s *Scheduler) Display() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// Deadline returns the deadline of the active countdown, or the zero time.
func (s *Scheduler) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.deadline
}

// Current reports whether t was produced by the countdown most recently started and not since
// restarted or stopped. Sinks run outside the scheduler lock, so a tick can arrive late.
func (s *Scheduler) Current(t Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.gen == s.gen
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// bumping the generation invalidates a callback already in flight
	s.gen++
	s.running = false
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.running {
		s.mu.Unlock()
		return
	}
	remaining := s.deadline.Sub(s.clock.Now())
	if remaining <= 0 {
		s.timer = nil
		s.running = false
		s.display = Unknown
		t := Tick{Deadline: s.deadline, Remaining: 0, Display: Unknown, Expired: true, gen: gen}
		s.mu.Unlock()
		s.sink(t)
		return
	}
	s.display = Format(remaining)
	next := remaining % time.Second
	if next == 0 {
		next = time.Second
	}
	s.timer = s.clock.AfterFunc(next, func() { s.tick(gen) })
	t := Tick{Deadline: s.deadline, Remaining: remaining, Display: s.display, Expired: false, gen: gen}
	s.mu.Unlock()
	s.sink(t)
}

// Format renders remaining time as MM:SS, truncated to whole seconds. Minutes are not capped.
func Format(remaining time.Duration) string {
	if remaining <= 0 {
		return "00:00"
	}
	secs := int64(remaining / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

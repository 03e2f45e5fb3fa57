package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/timectrl"
)

// Policy decides how a requested virtual delay maps onto the clock.
type Policy int

const (
	// FixedAtSchedule converts the virtual delay into a real-time delay
	// using the speed multiplier at the moment of scheduling. Later speed
	// changes do not rescale it.
	FixedAtSchedule Policy = iota
	// VirtualDeadline fires once virtual time reaches now+delay, so speed
	// changes after scheduling stretch or shrink the real wait.
	VirtualDeadline
)

func (p Policy) String() string {
	switch p {
	case FixedAtSchedule:
		return "fixed-at-schedule"
	case VirtualDeadline:
		return "virtual-deadline"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a policy name as printed by String back to a Policy.
// An empty name selects FixedAtSchedule.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed-at-schedule":
		return FixedAtSchedule, nil
	case "virtual-deadline":
		return VirtualDeadline, nil
	default:
		return FixedAtSchedule, fmt.Errorf("unknown scheduler policy %q", name)
	}
}

// Token identifies a scheduled callback for cancellation.
type Token string

// Entry is the public view of a pending callback.
type Entry struct {
	Token           Token
	Delay           time.Duration // requested virtual delay
	FireAt          time.Time     // virtual fire time at the speed known so far
	SpeedAtSchedule float64       // 0 while suspended by a pause
}

// MetricsRecorder receives scheduler counters. observability.SchedulerCollector
// satisfies it.
type MetricsRecorder interface {
	SetScheduledPending(n int)
	IncScheduledFired()
	IncScheduledCancelled()
}

type scheduledEvent struct {
	token  Token
	seq    uint64
	delay  time.Duration
	fireAt time.Time
	// deadline is measured on clock.Elapsed() for FixedAtSchedule.
	deadline  time.Duration
	speed     float64
	f         func()
	cancelled bool
}

// Scheduler runs single-shot callbacks after a virtual-time delay. Every
// delayed event of the game goes through it rather than through raw timers.
//
// Paused time never counts toward any deadline under either policy: RunDue
// fires nothing while the clock is paused, and under FixedAtSchedule a
// callback scheduled while paused gets its real deadline computed from the
// speed in effect when the clock resumes.
type Scheduler struct {
	clock  timectrl.SimClock
	policy Policy
	log    logging.Logger

	metrics MetricsRecorder

	mu        sync.Mutex
	counter   uint64
	events    []*scheduledEvent // ordered by deadline, then seq
	suspended []*scheduledEvent // FixedAtSchedule entries waiting for a resume
	index     map[Token]*scheduledEvent
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithPolicy selects the rescaling policy. The default is FixedAtSchedule.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithLogger attaches a logger used for callback panics.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.log = logging.OrNoop(l) }
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type speedNotifier interface {
	OnSpeedChange(func(old, updated float64))
}

// New creates a scheduler reading time from clock. When clock also reports
// speed changes (GameClock does) suspended callbacks are released on resume.
func New(clock timectrl.SimClock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		log:   logging.Noop(),
		index: make(map[Token]*scheduledEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if n, ok := clock.(speedNotifier); ok {
		n.OnSpeedChange(s.speedChanged)
	}
	return s
}

// Policy returns the configured rescaling policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule registers f to run once delay of virtual time has passed, using
// the clock's current speed. A non-positive delay fires on the next RunDue,
// never from inside Schedule.
func (s *Scheduler) Schedule(delay time.Duration, f func()) Token {
	if delay < 0 {
		delay = 0
	}
	speed := s.clock.Speed()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{
		token:  Token(fmt.Sprintf("gt-%d", s.counter)),
		seq:    s.counter,
		delay:  delay,
		fireAt: s.clock.Now().Add(delay),
		speed:  speed,
		f:      f,
	}
	s.index[ev.token] = ev

	if s.policy == FixedAtSchedule {
		if speed <= 0 {
			ev.speed = 0
			s.suspended = append(s.suspended, ev)
			s.recordPendingLocked()
			return ev.token
		}
		ev.deadline = s.clock.Elapsed() + realDelay(delay, speed)
	}
	s.insertLocked(ev)
	s.recordPendingLocked()
	return ev.token
}

// ScheduleAt registers f to run at an absolute virtual time.
func (s *Scheduler) ScheduleAt(at time.Time, f func()) Token {
	return s.Schedule(at.Sub(s.clock.Now()), f)
}

// Cancel prevents a callback from running. Cancelling an unknown, fired or
// already cancelled token is a no-op.
func (s *Scheduler) Cancel(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[token]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, token)
	// Removal from the slices is lazy; RunDue and speedChanged skip cancelled events.
	if s.metrics != nil {
		s.metrics.IncScheduledCancelled()
	}
	s.recordPendingLocked()
}

// CancelAll drops every pending callback.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, ev := range s.index {
		ev.cancelled = true
		delete(s.index, token)
	}
	s.events = nil
	s.suspended = nil
	s.recordPendingLocked()
}

// Pending returns the number of callbacks that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Lookup returns the pending entry for token.
func (s *Scheduler) Lookup(token Token) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.index[token]
	if !ok {
		return Entry{}, false
	}
	return Entry{Token: ev.token, Delay: ev.delay, FireAt: ev.fireAt, SpeedAtSchedule: ev.speed}, true
}

// Remaining returns how much virtual time is left before token fires.
func (s *Scheduler) Remaining(token Token) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.index[token]
	if !ok {
		return 0, false
	}
	var left time.Duration
	switch {
	case s.policy == VirtualDeadline:
		left = ev.fireAt.Sub(s.clock.Now())
	case ev.speed <= 0:
		left = ev.delay
	default:
		left = time.Duration(float64(ev.deadline-s.clock.Elapsed()) * ev.speed)
	}
	if left < 0 {
		left = 0
	}
	return left, true
}

// RunDue executes every callback whose deadline has passed, in deadline
// order and FIFO among ties. Cancellation is checked right before each
// invocation. Nothing fires while the clock is paused.
func (s *Scheduler) RunDue() {
	if s.clock.Speed() <= 0 {
		return
	}
	for {
		s.mu.Lock()
		ev := s.popDueLocked()
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.token)
		s.recordPendingLocked()
		if s.metrics != nil {
			s.metrics.IncScheduledFired()
		}
		s.mu.Unlock()

		// Run outside the lock so callbacks may schedule or cancel.
		s.invoke(ev)
	}
}

func (s *Scheduler) invoke(ev *scheduledEvent) {
	if ev.f == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(context.Background(), "scheduled callback panicked",
				logging.String("token", string(ev.token)),
				logging.Any("panic", r),
			)
		}
	}()
	ev.f()
}

// popDueLocked removes and returns the earliest due, non-cancelled event.
// Caller must hold s.mu.
func (s *Scheduler) popDueLocked() *scheduledEvent {
	now := s.clock.Now()
	elapsed := s.clock.Elapsed()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if !s.dueLocked(ev, now, elapsed) {
			// Ordered by deadline, so nothing later is due either.
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}

func (s *Scheduler) dueLocked(ev *scheduledEvent, now time.Time, elapsed time.Duration) bool {
	if s.policy == VirtualDeadline {
		return !ev.fireAt.After(now)
	}
	return ev.deadline <= elapsed
}

// insertLocked keeps s.events ordered; an event tied with existing ones
// goes after them. Caller must hold s.mu.
func (s *Scheduler) insertLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.lessLocked(ev, s.events[i])
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *Scheduler) lessLocked(a, b *scheduledEvent) bool {
	if s.policy == VirtualDeadline {
		if !a.fireAt.Equal(b.fireAt) {
			return a.fireAt.Before(b.fireAt)
		}
	} else if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// speedChanged releases callbacks that were scheduled while paused.
func (s *Scheduler) speedChanged(_, updated float64) {
	if s.policy != FixedAtSchedule || updated <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.suspended) == 0 {
		return
	}
	now := s.clock.Now()
	elapsed := s.clock.Elapsed()
	for _, ev := range s.suspended {
		if ev.cancelled {
			continue
		}
		ev.speed = updated
		ev.fireAt = now.Add(ev.delay)
		ev.deadline = elapsed + realDelay(ev.delay, updated)
		s.insertLocked(ev)
	}
	s.suspended = nil
}

func (s *Scheduler) recordPendingLocked() {
	if s.metrics != nil {
		s.metrics.SetScheduledPending(len(s.index))
	}
}

func realDelay(virtual time.Duration, speed float64) time.Duration {
	return time.Duration(float64(virtual) / speed)
}

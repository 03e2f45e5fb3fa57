package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the read side of game time. Scheduler and operation code
// depend on it rather than on GameClock so tests can plug their own.
type SimClock interface {
	// Now returns the current virtual (in-game) time.
	Now() time.Time
	// Elapsed returns the real time that has passed while the clock was
	// running. Paused stretches are not counted.
	Elapsed() time.Duration
	// Speed returns the current speed multiplier; 0 means paused.
	Speed() float64
}

// GameClock converts real elapsed time into virtual game time using a
// runtime-adjustable speed multiplier. It is advanced either by Run (real
// ticker) or manually with Advance.
type GameClock struct {
	mu sync.RWMutex

	virtual time.Time
	active  time.Duration
	speed   float64

	// resumeSpeed is restored by Resume after Pause.
	resumeSpeed float64

	tickListeners  []func(time.Time)
	speedListeners []func(old, updated float64)
}

// NewGameClock constructs a clock starting at start with the given speed.
// A negative speed is treated as paused.
func NewGameClock(start time.Time, speed float64) *GameClock {
	if speed < 0 {
		speed = 0
	}
	resume := speed
	if resume == 0 {
		resume = 1
	}
	return &GameClock{
		virtual:     start,
		speed:       speed,
		resumeSpeed: resume,
	}
}

// Now returns the current virtual time. Implements SimClock.
func (c *GameClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.virtual
}

// Elapsed returns the running real time. Implements SimClock.
func (c *GameClock) Elapsed() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Speed returns the current multiplier. Implements SimClock.
func (c *GameClock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// Paused reports whether the clock is frozen.
func (c *GameClock) Paused() bool {
	return c.Speed() == 0
}

// SetSpeed changes the multiplier and notifies speed listeners.
func (c *GameClock) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	c.mu.Lock()
	old := c.speed
	c.speed = speed
	if speed > 0 {
		c.resumeSpeed = speed
	}
	listeners := append([]func(float64, float64){}, c.speedListeners...)
	c.mu.Unlock()

	if old == speed {
		return
	}
	for _, fn := range listeners {
		fn(old, speed)
	}
}

// Pause freezes virtual time. The previous speed is kept for Resume.
func (c *GameClock) Pause() {
	c.SetSpeed(0)
}

// Resume restores the last non-zero speed.
func (c *GameClock) Resume() {
	c.mu.RLock()
	speed := c.resumeSpeed
	c.mu.RUnlock()
	c.SetSpeed(speed)
}

// Advance feeds real elapsed time into the clock and notifies tick
// listeners with the resulting virtual time. While paused nothing moves,
// but listeners are still notified.
func (c *GameClock) Advance(real time.Duration) time.Time {
	c.mu.Lock()
	if real > 0 && c.speed > 0 {
		c.active += real
		c.virtual = c.virtual.Add(time.Duration(float64(real) * c.speed))
	}
	now := c.virtual
	listeners := append([]func(time.Time){}, c.tickListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// AddListener registers a callback invoked after every advance.
func (c *GameClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickListeners = append(c.tickListeners, fn)
}

// OnSpeedChange registers a callback invoked whenever the multiplier changes.
func (c *GameClock) OnSpeedChange(fn func(old, updated float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speedListeners = append(c.speedListeners, fn)
}

// Run advances the clock by tick on every real tick until ctx is done.
// It returns a channel that is closed when the loop exits.
func (c *GameClock) Run(ctx context.Context, tick time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Advance(tick)
			}
		}
	}()
	return done
}

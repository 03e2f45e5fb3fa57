package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes game-time scheduler metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	CallbacksPending   prometheus.Gauge
	CallbacksFired     prometheus.Counter
	CallbacksCancelled prometheus.Counter
	ClockSpeed         prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_callbacks_pending",
		Help: "Scheduled callbacks that have neither fired nor been cancelled.",
	}), "scheduler_callbacks_pending")
	if err != nil {
		return nil, err
	}

	fired, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_callbacks_fired_total",
		Help: "Cumulative number of scheduled callbacks invoked.",
	}), "scheduler_callbacks_fired_total")
	if err != nil {
		return nil, err
	}

	cancelled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_callbacks_cancelled_total",
		Help: "Cumulative number of scheduled callbacks cancelled before firing.",
	}), "scheduler_callbacks_cancelled_total")
	if err != nil {
		return nil, err
	}

	speed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "game_clock_speed_multiplier",
		Help: "Current game clock speed multiplier; 0 while paused.",
	}), "game_clock_speed_multiplier")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:           gatherer,
		CallbacksPending:   pending,
		CallbacksFired:     fired,
		CallbacksCancelled: cancelled,
		ClockSpeed:         speed,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetScheduledPending updates the pending gauge.
func (c *SchedulerCollector) SetScheduledPending(n int) {
	if c == nil || c.CallbacksPending == nil {
		return
	}
	c.CallbacksPending.Set(float64(n))
}

// IncScheduledFired increments the fired counter.
func (c *SchedulerCollector) IncScheduledFired() {
	if c == nil || c.CallbacksFired == nil {
		return
	}
	c.CallbacksFired.Inc()
}

// IncScheduledCancelled increments the cancelled counter.
func (c *SchedulerCollector) IncScheduledCancelled() {
	if c == nil || c.CallbacksCancelled == nil {
		return
	}
	c.CallbacksCancelled.Inc()
}

// SetClockSpeed records the clock multiplier. Its signature matches
// GameClock.OnSpeedChange listeners.
func (c *SchedulerCollector) SetClockSpeed(_, updated float64) {
	if c == nil || c.ClockSpeed == nil {
		return
	}
	c.ClockSpeed.Set(updated)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

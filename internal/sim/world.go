// Package sim assembles the simulation core: game clock, scheduler, event
// bus, network registry, bandwidth coordinator and operations engine,
// wired to a shared logger and Prometheus registry.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/sourcenet-core/internal/bandwidth"
	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/internal/operations"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/internal/scenario"
	"github.com/signalsfoundry/sourcenet-core/internal/scheduler"
	"github.com/signalsfoundry/sourcenet-core/timectrl"
)

// DefaultStart is the in-game date a new world begins at.
var DefaultStart = time.Date(2020, time.March, 14, 9, 0, 0, 0, time.UTC)

type settings struct {
	start    time.Time
	speed    float64
	policy   scheduler.Policy
	log      logging.Logger
	reg      prometheus.Registerer
	loadout  operations.Loadout
	traceAll bool
}

// Option customises World construction.
type Option func(*settings)

// WithStart sets the initial virtual time.
func WithStart(t time.Time) Option {
	return func(s *settings) { s.start = t }
}

// WithSpeed sets the initial speed multiplier.
func WithSpeed(m float64) Option {
	return func(s *settings) { s.speed = m }
}

// WithPolicy selects the scheduler policy.
func WithPolicy(p scheduler.Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithLogger attaches a structured logger to every component.
func WithLogger(l logging.Logger) Option {
	return func(s *settings) { s.log = logging.OrNoop(l) }
}

// WithRegisterer registers metrics against reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) { s.reg = reg }
}

// WithLoadout sets the player's starting loadout.
func WithLoadout(l operations.Loadout) Option {
	return func(s *settings) { s.loadout = l }
}

// WithEventLog logs every emitted event at debug level.
func WithEventLog() Option {
	return func(s *settings) { s.traceAll = true }
}

// World is a fully wired simulation.
type World struct {
	Clock       *timectrl.GameClock
	Scheduler   *scheduler.Scheduler
	Bus         *events.Bus
	Registry    *registry.Registry
	Coordinator *bandwidth.Coordinator
	Engine      *operations.Engine

	Metrics          *observability.WorldCollector
	SchedulerMetrics *observability.SchedulerCollector

	log logging.Logger
}

// New builds a World. Metrics go to a fresh Prometheus registry unless
// WithRegisterer says otherwise.
func New(opts ...Option) (*World, error) {
	s := settings{start: DefaultStart, speed: 1, log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}

	metrics, err := observability.NewWorldCollector(s.reg)
	if err != nil {
		return nil, fmt.Errorf("world metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(s.reg)
	if err != nil {
		return nil, fmt.Errorf("scheduler metrics: %w", err)
	}

	clock := timectrl.NewGameClock(s.start, s.speed)
	sched := scheduler.New(clock,
		scheduler.WithPolicy(s.policy),
		scheduler.WithLogger(s.log),
		scheduler.WithMetricsRecorder(schedMetrics),
	)
	clock.AddListener(func(time.Time) { sched.RunDue() })
	clock.OnSpeedChange(schedMetrics.SetClockSpeed)
	schedMetrics.SetClockSpeed(0, clock.Speed())

	bus := events.NewBus(events.WithLogger(s.log), events.WithFailureRecorder(metrics))
	reg := registry.New(
		registry.WithLogger(s.log),
		registry.WithBus(bus),
		registry.WithMetricsRecorder(metrics),
	)
	coord := bandwidth.NewCoordinator(clock.Now, bandwidth.WithMetricsRecorder(metrics))
	engine := operations.NewEngine(reg, sched, coord, bus,
		operations.WithLogger(s.log),
		operations.WithLoadout(s.loadout),
		operations.WithMetricsRecorder(metrics),
	)

	w := &World{
		Clock:            clock,
		Scheduler:        sched,
		Bus:              bus,
		Registry:         reg,
		Coordinator:      coord,
		Engine:           engine,
		Metrics:          metrics,
		SchedulerMetrics: schedMetrics,
		log:              s.log,
	}
	if s.traceAll {
		bus.SubscribeAll(w.logEvent)
	}
	return w, nil
}

// ApplyScenario merges sc into the registry and adopts its loadout when it
// carries one.
func (w *World) ApplyScenario(ctx context.Context, sc scenario.Scenario) (scenario.Result, error) {
	res, err := scenario.Apply(ctx, w.Registry, sc, w.log)
	if sc.Loadout != nil {
		w.Engine.SetLoadout(operations.Loadout{
			Hardware:          sc.Loadout.Hardware,
			Algorithms:        sc.Loadout.Algorithms,
			LocalFileSystemID: sc.Loadout.LocalFileSystemID,
		})
	}
	return res, err
}

// Reset starts a new game: every session is closed, every operation
// cancelled and the registry cleared. The clock keeps its time.
func (w *World) Reset(ctx context.Context) {
	w.Engine.DisconnectAll(ctx, "new game")
	w.Registry.Clear(ctx)
}

// Run drives the clock from a real ticker until ctx is done. The returned
// channel closes when the loop exits.
func (w *World) Run(ctx context.Context, tick time.Duration) <-chan struct{} {
	w.log.Info(ctx, "game clock running",
		logging.Duration("tick", tick),
		logging.Float64("speed", w.Clock.Speed()),
		logging.String("policy", w.Scheduler.Policy().String()),
	)
	return w.Clock.Run(ctx, tick)
}

// Close cancels outstanding operations and detaches the engine.
func (w *World) Close() {
	w.Engine.Close()
	w.Scheduler.CancelAll()
}

func (w *World) logEvent(ev events.Event) {
	w.log.Debug(context.Background(), "event",
		logging.String("kind", string(ev.Kind())),
		logging.Any("payload", ev),
	)
}

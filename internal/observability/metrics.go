package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorldCollector bundles Prometheus metrics for the registry, the running
// operations and the event bus. It satisfies the metrics recorder
// interfaces of those packages so they drive the values directly.
type WorldCollector struct {
	gatherer prometheus.Gatherer

	RegistryNetworks    prometheus.Gauge
	RegistryDevices     prometheus.Gauge
	RegistryFileSystems prometheus.Gauge

	OperationsActive    *prometheus.GaugeVec
	OperationsCompleted *prometheus.CounterVec
	OperationsCancelled *prometheus.CounterVec
	OperationDurations  *prometheus.HistogramVec

	EventHandlerFailures *prometheus.CounterVec
}

// NewWorldCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewWorldCollector(reg prometheus.Registerer) (*WorldCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	networks, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_networks",
		Help: "Current number of networks in the registry.",
	}), "registry_networks")
	if err != nil {
		return nil, err
	}
	devices, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_devices",
		Help: "Current number of devices in the registry.",
	}), "registry_devices")
	if err != nil {
		return nil, err
	}
	fileSystems, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_file_systems",
		Help: "Current number of file systems in the registry.",
	}), "registry_file_systems")
	if err != nil {
		return nil, err
	}

	active, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "operations_active",
		Help: "Operations currently in flight, labeled by kind.",
	}, []string{"kind"}), "operations_active")
	if err != nil {
		return nil, err
	}
	completed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_completed_total",
		Help: "Operations that ran to completion, labeled by kind.",
	}, []string{"kind"}), "operations_completed_total")
	if err != nil {
		return nil, err
	}
	cancelled, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operations_cancelled_total",
		Help: "Operations cancelled before completion, labeled by kind.",
	}, []string{"kind"}), "operations_cancelled_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "operation_duration_game_seconds",
		Help:    "Planned operation duration in game-time seconds.",
		Buckets: []float64{3, 5, 8, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"}), "operation_duration_game_seconds")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_handler_failures_total",
		Help: "Event handlers that panicked, labeled by event kind.",
	}, []string{"event"}), "event_handler_failures_total")
	if err != nil {
		return nil, err
	}

	return &WorldCollector{
		gatherer:             gatherer,
		RegistryNetworks:     networks,
		RegistryDevices:      devices,
		RegistryFileSystems:  fileSystems,
		OperationsActive:     active,
		OperationsCompleted:  completed,
		OperationsCancelled:  cancelled,
		OperationDurations:   durations,
		EventHandlerFailures: failures,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *WorldCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetRegistryCounts updates the registry entity gauges.
func (c *WorldCollector) SetRegistryCounts(networks, devices, fileSystems int) {
	if c == nil {
		return
	}
	c.RegistryNetworks.Set(float64(networks))
	c.RegistryDevices.Set(float64(devices))
	c.RegistryFileSystems.Set(float64(fileSystems))
}

// SetActiveOperations sets the in-flight gauge for kind.
func (c *WorldCollector) SetActiveOperations(kind string, n int) {
	if c == nil {
		return
	}
	c.OperationsActive.WithLabelValues(kind).Set(float64(n))
}

// IncOperationsCompleted counts a completed operation.
func (c *WorldCollector) IncOperationsCompleted(kind string) {
	if c == nil {
		return
	}
	c.OperationsCompleted.WithLabelValues(kind).Inc()
}

// IncOperationsCancelled counts a cancelled operation.
func (c *WorldCollector) IncOperationsCancelled(kind string) {
	if c == nil {
		return
	}
	c.OperationsCancelled.WithLabelValues(kind).Inc()
}

// ObserveOperationDuration records the planned game-time duration of a
// newly started operation.
func (c *WorldCollector) ObserveOperationDuration(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.OperationDurations.WithLabelValues(kind).Observe(d.Seconds())
}

// IncHandlerFailures counts a panicking event handler.
func (c *WorldCollector) IncHandlerFailures(kind string) {
	if c == nil {
		return
	}
	c.EventHandlerFailures.WithLabelValues(kind).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

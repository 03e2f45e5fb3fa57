package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestWorldCollectorRecordsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewWorldCollector(reg)
	if err != nil {
		t.Fatalf("NewWorldCollector: %v", err)
	}

	collector.SetActiveOperations("download", 2)
	collector.IncOperationsCompleted("download")
	collector.IncOperationsCancelled("decryption")
	collector.ObserveOperationDuration("download", 40*time.Second)

	if got := testutil.ToFloat64(collector.OperationsActive.WithLabelValues("download")); got != 2 {
		t.Fatalf("operations_active = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.OperationsCompleted.WithLabelValues("download")); got != 1 {
		t.Fatalf("operations_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.OperationsCancelled.WithLabelValues("decryption")); got != 1 {
		t.Fatalf("operations_cancelled_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "operation_duration_game_seconds", map[string]string{
		"kind": "download",
	}); count != 1 {
		t.Fatalf("operation_duration_game_seconds sample_count = %d, want 1", count)
	}
}

func TestWorldCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewWorldCollector(reg)
	if err != nil {
		t.Fatalf("first NewWorldCollector: %v", err)
	}
	second, err := NewWorldCollector(reg)
	if err != nil {
		t.Fatalf("second NewWorldCollector: %v", err)
	}

	first.IncHandlerFailures("networkConnected")
	second.IncHandlerFailures("networkConnected")
	if got := testutil.ToFloat64(first.EventHandlerFailures.WithLabelValues("networkConnected")); got != 2 {
		t.Fatalf("event_handler_failures_total = %v, want 2", got)
	}
}

func TestNilWorldCollectorIsSafe(t *testing.T) {
	var c *WorldCollector
	c.SetRegistryCounts(1, 2, 3)
	c.SetActiveOperations("upload", 1)
	c.IncOperationsCompleted("upload")
	c.IncOperationsCancelled("upload")
	c.ObserveOperationDuration("upload", time.Second)
	c.IncHandlerFailures("fileSystemChanged")
}

func TestSchedulerCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	collector.SetScheduledPending(4)
	collector.IncScheduledFired()
	collector.IncScheduledFired()
	collector.IncScheduledCancelled()
	collector.SetClockSpeed(1, 8)

	if got := testutil.ToFloat64(collector.CallbacksPending); got != 4 {
		t.Fatalf("scheduler_callbacks_pending = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.CallbacksFired); got != 2 {
		t.Fatalf("scheduler_callbacks_fired_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.CallbacksCancelled); got != 1 {
		t.Fatalf("scheduler_callbacks_cancelled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ClockSpeed); got != 8 {
		t.Fatalf("game_clock_speed_multiplier = %v, want 8", got)
	}
	if collector.Gatherer() != reg {
		t.Fatalf("Gatherer did not return the backing registry")
	}
}

func TestMetricsHandlerExposesRegistryGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewWorldCollector(reg)
	if err != nil {
		t.Fatalf("NewWorldCollector: %v", err)
	}
	if _, err := NewSchedulerCollector(reg); err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.SetRegistryCounts(3, 7, 5)
	collector.IncOperationsCompleted("av-scan")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"registry_networks 3",
		"registry_devices 7",
		"registry_file_systems 5",
		`operations_completed_total{kind="av-scan"} 1`,
		"scheduler_callbacks_pending 0",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewMetricsWithIsolatedRegistry(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	m1 := NewMetricsWith("lessonlive", reg1)
	m2 := NewMetricsWith("lessonlive", reg2)

	m1.TaskDispatches.WithLabelValues("student_spoke_or_acted").Inc()
	m1.SessionDeletions.WithLabelValues("beacon", "graceful").Inc()
	m1.ObserveAgentLatency(420 * time.Millisecond)
	m2.ActiveSessions.Set(2)

	if got := counterValue(t, reg1, "lessonlive_task_dispatches_total"); got != 1 {
		t.Fatalf("task dispatches = %v, want 1", got)
	}
	if got := counterValue(t, reg2, "lessonlive_task_dispatches_total"); got != 0 {
		t.Fatalf("second registry task dispatches = %v, want 0", got)
	}
	if got := counterValue(t, reg1, "lessonlive_session_deletions_total"); got != 1 {
		t.Fatalf("deletions = %v, want 1", got)
	}

	families, _ := reg1.Gather()
	found := false
	for _, mf := range families {
		if mf.GetName() == "lessonlive_agent_response_latency_ms" {
			found = mf.GetMetric()[0].GetHistogram().GetSampleCount() == 1
		}
	}
	if !found {
		t.Fatalf("agent latency histogram missing sample")
	}
}

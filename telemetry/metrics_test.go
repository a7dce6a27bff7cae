package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersRequiredSeries(t *testing.T) {
	m := New()

	// Touch labeled series once so they show up in a gather.
	m.StageMessagesIn.WithLabelValues("analysis").Inc()
	m.StageMessagesOut.WithLabelValues("analysis").Inc()
	m.StageErrors.WithLabelValues("analysis", "false").Inc()
	m.StageDuration.WithLabelValues("analysis").Observe(1)
	m.StageActiveTasks.WithLabelValues("analysis").Set(1)
	m.StageRedeliveries.WithLabelValues("analysis").Inc()
	m.PipelineRequestsActive.Set(2)
	m.PipelineStageDwell.WithLabelValues("planning").Observe(3)
	m.PipelineStalled.Inc()
	m.PipelineTerminal.WithLabelValues("completed").Inc()
	m.HTTPRequests.WithLabelValues("/submit", "202").Inc()
	m.HTTPDuration.WithLabelValues("/submit").Observe(0.01)
	m.IngressBytes.Add(512)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, f := range families {
		got[f.GetName()] = true
	}

	required := []string{
		"stage_messages_in_total",
		"stage_messages_out_total",
		"stage_errors_total",
		"stage_duration_seconds",
		"stage_active_tasks",
		"stage_redeliveries_total",
		"pipeline_requests_active",
		"pipeline_stage_dwell_seconds",
		"pipeline_stalled_total",
		"pipeline_terminal_total",
		"http_requests_total",
		"http_request_duration_seconds",
		"ingress_bytes_total",
	}
	for _, name := range required {
		if !got[name] {
			t.Errorf("series %s not registered", name)
		}
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	// A second Metrics must build cleanly: nothing may touch the global
	// default registry.
	a := New()
	b := New()
	a.PipelineStalled.Inc()
	if v := testutil.ToFloat64(b.PipelineStalled); v != 0 {
		t.Errorf("instance b saw instance a's increment: %v", v)
	}
}

func TestInstrumentRecordsRouteAndStatus(t *testing.T) {
	m := New()
	h := m.Instrument("/status/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/status/{id}", "404")); v != 1 {
		t.Errorf("http_requests_total{/status/{id},404} = %v, want 1", v)
	}
}

func TestInstrumentDefaultsToOK(t *testing.T) {
	m := New()
	h := m.Instrument("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Implicit 200 via Write without WriteHeader.
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/health", "200")); v != 1 {
		t.Errorf("http_requests_total{/health,200} = %v, want 1", v)
	}
}

func TestCountIngressIgnoresNonPositive(t *testing.T) {
	m := New()
	m.CountIngress(-5)
	m.CountIngress(0)
	m.CountIngress(100)
	if v := testutil.ToFloat64(m.IngressBytes); v != 100 {
		t.Errorf("ingress_bytes_total = %v, want 100", v)
	}
}

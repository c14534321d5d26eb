package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCollectorsWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	RecordTransition("started")
	RecordFinish(Outcome(152, 152))
	ObserveWorker("success", 0.3)
	SetReady(4)
	RecordPluginRun("nightly", 2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"stepq_process_transitions_total": false,
		"stepq_process_finished_total":    false,
		"stepq_worker_duration_seconds":   false,
		"stepq_queue_ready_processes":     false,
		"stepq_plugin_runs_total":         false,
		"stepq_plugin_processes_total":    false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	rr := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `stepq_process_finished_total{outcome="timeout"} 1`) {
		t.Fatalf("timeout outcome missing from exposition:\n%s", body)
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(0, 152) != "success" || Outcome(152, 152) != "timeout" || Outcome(3, 152) != "failed" {
		t.Fatalf("unexpected outcome classification")
	}
}

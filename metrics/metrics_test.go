package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("tasks.submitted")
	c.Inc()
	c.Add(4)
	c.Add(-10)
	if got := c.Value(); got != 5 {
		t.Fatalf("Value = %d, want 5", got)
	}
	if c.Name() != "tasks.submitted" {
		t.Fatalf("Name = %q", c.Name())
	}
}

func TestGauge(t *testing.T) {
	r := NewRegistry()
	g := r.Gauge("queue.depth")
	g.Set(7)
	g.Set(3)
	if got := g.Value(); got != 3 {
		t.Fatalf("Value = %d, want 3", got)
	}
}

func TestHistogram(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("auction.duration_ms")
	if h.Count() != 0 || h.Min() != 0 || h.Max() != 0 || h.Mean() != 0 {
		t.Fatal("empty histogram should report zeros")
	}

	for _, v := range []float64{40, 10, 25} {
		h.Observe(v)
	}
	if got := h.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	if got := h.Sum(); got != 75 {
		t.Fatalf("Sum = %v, want 75", got)
	}
	if got := h.Min(); got != 10 {
		t.Fatalf("Min = %v, want 10", got)
	}
	if got := h.Max(); got != 40 {
		t.Fatalf("Max = %v, want 40", got)
	}
	if got := h.Mean(); got != 25 {
		t.Fatalf("Mean = %v, want 25", got)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	if r.Counter("x") != r.Counter("x") {
		t.Fatal("same name should return the same counter")
	}
	if r.Gauge("x") != r.Gauge("x") {
		t.Fatal("same name should return the same gauge")
	}
	if r.Histogram("x") != r.Histogram("x") {
		t.Fatal("same name should return the same histogram")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("shared").Inc()
				r.Gauge(fmt.Sprintf("g%d", i%4)).Set(int64(j))
				r.Histogram("lat").Observe(float64(j))
			}
		}(i)
	}
	wg.Wait()

	if got := r.Counter("shared").Value(); got != 1600 {
		t.Fatalf("shared counter = %d, want 1600", got)
	}
	if got := r.Histogram("lat").Count(); got != 1600 {
		t.Fatalf("histogram count = %d, want 1600", got)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("c").Add(2)
	r.Gauge("g").Set(-1)
	r.Histogram("h").Observe(4)

	snap := r.Snapshot()
	if snap["c"] != int64(2) || snap["g"] != int64(-1) {
		t.Fatalf("snapshot = %+v", snap)
	}
	hist, ok := snap["h"].(map[string]any)
	if !ok || hist["count"] != int64(1) || hist["sum"] != 4.0 {
		t.Fatalf("histogram snapshot = %+v", snap["h"])
	}
}

func scrape(t *testing.T, exp *PrometheusExporter, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPrometheusExport(t *testing.T) {
	r := NewRegistry()
	r.Counter("tasks.settled").Add(3)
	r.Gauge("agents.connected").Set(2)
	h := r.Histogram("dispatch.execution_ms")
	h.Observe(100)
	h.Observe(300)

	exp := NewPrometheusExporter(r, DefaultPrometheusConfig())
	rec := scrape(t, exp, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, line := range []string{
		"# TYPE taskex_tasks_settled counter",
		"taskex_tasks_settled 3",
		"taskex_agents_connected 2",
		"taskex_dispatch_execution_ms_count 2",
		"taskex_dispatch_execution_ms_sum 400",
		"taskex_dispatch_execution_ms_min 100",
		"taskex_dispatch_execution_ms_max 300",
		"taskex_dispatch_execution_ms_mean 200",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("output missing %q:\n%s", line, body)
		}
	}
}

func TestPrometheusExportDeterministic(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"b", "c", "a"} {
		r.Counter(name).Inc()
	}
	exp := NewPrometheusExporter(r, PrometheusConfig{})

	first := scrape(t, exp, http.MethodGet, "/metrics").Body.String()
	second := scrape(t, exp, http.MethodGet, "/metrics").Body.String()
	if first != second {
		t.Fatal("scrape output should be stable")
	}
	if strings.Index(first, "a 1") > strings.Index(first, "b 1") {
		t.Fatalf("output not sorted:\n%s", first)
	}
}

func TestPrometheusEmptyHistogramOmitsRange(t *testing.T) {
	r := NewRegistry()
	r.Histogram("idle")
	exp := NewPrometheusExporter(r, PrometheusConfig{Namespace: "taskex"})

	body := scrape(t, exp, http.MethodGet, "/metrics").Body.String()
	if !strings.Contains(body, "taskex_idle_count 0") {
		t.Fatalf("missing count series:\n%s", body)
	}
	if strings.Contains(body, "taskex_idle_min") || strings.Contains(body, "taskex_idle_mean") {
		t.Fatalf("range series should wait for an observation:\n%s", body)
	}
}

func TestPrometheusMethodNotAllowed(t *testing.T) {
	exp := NewPrometheusExporter(NewRegistry(), DefaultPrometheusConfig())
	rec := scrape(t, exp, http.MethodPost, "/metrics")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

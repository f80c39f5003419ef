package metrics

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// PrometheusConfig shapes the text exposition endpoint.
type PrometheusConfig struct {
	// Namespace is prefixed to every metric name, "taskex" turning
	// "tasks.settled" into "taskex_tasks_settled".
	Namespace string
	// Path is the HTTP path the handler answers on.
	Path string
}

// DefaultPrometheusConfig returns the exchange defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{Namespace: "taskex", Path: "/metrics"}
}

// PrometheusExporter renders a Registry in Prometheus text format.
// Counters and gauges map directly; histograms come out as summaries with
// _count, _sum, _min, _max, and _mean series.
type PrometheusExporter struct {
	cfg PrometheusConfig
	reg *Registry
}

// NewPrometheusExporter creates an exporter reading from reg.
func NewPrometheusExporter(reg *Registry, cfg PrometheusConfig) *PrometheusExporter {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &PrometheusExporter{cfg: cfg, reg: reg}
}

// Handler returns the scrape endpoint.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pe.cfg.Path, pe.serve)
	return mux
}

func (pe *PrometheusExporter) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	pe.render(&b)
	w.Write([]byte(b.String()))
}

func (pe *PrometheusExporter) render(b *strings.Builder) {
	counters, gauges, histograms := pe.reg.export()
	for _, c := range counters {
		name := pe.name(c.Name())
		fmt.Fprintf(b, "# TYPE %s counter\n%s %d\n", name, name, c.Value())
	}
	for _, g := range gauges {
		name := pe.name(g.Name())
		fmt.Fprintf(b, "# TYPE %s gauge\n%s %d\n", name, name, g.Value())
	}
	for _, h := range histograms {
		name := pe.name(h.Name())
		count, sum, min, max := h.summary()
		fmt.Fprintf(b, "# TYPE %s summary\n", name)
		fmt.Fprintf(b, "%s_count %d\n", name, count)
		fmt.Fprintf(b, "%s_sum %s\n", name, fnum(sum))
		if count > 0 {
			fmt.Fprintf(b, "%s_min %s\n", name, fnum(min))
			fmt.Fprintf(b, "%s_max %s\n", name, fnum(max))
			fmt.Fprintf(b, "%s_mean %s\n", name, fnum(sum/float64(count)))
		}
	}
}

// name maps a dotted metric name onto the Prometheus grammar.
func (pe *PrometheusExporter) name(metric string) string {
	out := strings.NewReplacer(".", "_", "-", "_").Replace(metric)
	if pe.cfg.Namespace != "" {
		out = pe.cfg.Namespace + "_" + out
	}
	return out
}

// fnum renders a float the way Prometheus expects, including infinities.
func fnum(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/metrics"
)

// opsServer is the read-only HTTP surface: health, task and agent snapshots,
// reputation summary, and Prometheus metrics. It never mutates exchange
// state; agent control stays on the session protocol.
type opsServer struct {
	ex     *Exchange
	bind   string
	logger *log.Logger

	listener net.Listener
	httpSrv  *http.Server
	wg       sync.WaitGroup
}

func newOpsServer(ex *Exchange, bind string, logger *log.Logger) *opsServer {
	return &opsServer{ex: ex, bind: bind, logger: logger.Module("ops")}
}

func (o *opsServer) start() error {
	ln, err := net.Listen("tcp", o.bind)
	if err != nil {
		return err
	}
	o.listener = ln

	exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", o.handleHealth)
	r.Get("/tasks/{id}", o.handleTask)
	r.Get("/tasks", o.handleTasks)
	r.Get("/agents", o.handleAgents)
	r.Get("/reputation", o.handleReputation)
	r.Handle("/metrics", exporter.Handler())

	o.httpSrv = &http.Server{Handler: r}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("ops server stopped", "err", err)
		}
	}()
	o.logger.Info("ops listening", "addr", ln.Addr().String())
	return nil
}

func (o *opsServer) addr() string {
	if o.listener == nil {
		return o.bind
	}
	return o.listener.Addr().String()
}

func (o *opsServer) stop(ctx context.Context) error {
	if o.httpSrv == nil {
		return nil
	}
	err := o.httpSrv.Shutdown(ctx)
	o.wg.Wait()
	return err
}

func (o *opsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if o.ex.draining.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"agents":         o.ex.reg.Count(),
		"queueDepth":     o.ex.queue.Len(),
		"activeAuctions": o.ex.coord.Active(),
		"outstanding":    o.ex.disp.Outstanding(),
	})
}

func (o *opsServer) handleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := o.ex.GetTask(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (o *opsServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    o.ex.tasks.Count(),
		"byStatus": o.ex.tasks.CountByStatus(),
	})
}

func (o *opsServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.ex.Agents())
}

func (o *opsServer) handleReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.ex.ReputationSummary())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

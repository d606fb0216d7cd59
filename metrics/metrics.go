// Package metrics exposes the counters the sync and dispatch engines
// update every cycle, served on a small admin net/http listener alongside a
// liveness endpoint. Handler registration shape follows router.New's
// mux-building pattern, stripped down to the two routes this process needs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync tracks one SyncEngine's (LeaveEngine or EmployeeEngine) per-cycle
// counters, labeled by the table/event the engine watches.
type Sync struct {
	RowsRead        *prometheus.CounterVec
	ValidPayloads   *prometheus.CounterVec
	EventsGenerated *prometheus.CounterVec
	EventsInserted  *prometheus.CounterVec
	CursorResets    *prometheus.CounterVec
	CycleErrors     *prometheus.CounterVec
}

// Dispatch tracks one DispatchEngine's per-cycle counters, labeled by event
// type.
type Dispatch struct {
	LeasesSwept     *prometheus.CounterVec
	Claimed         *prometheus.CounterVec
	Succeeded       *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	PermanentFailed *prometheus.CounterVec
	CycleErrors     *prometheus.CounterVec
}

// Registry bundles both engine families' metrics under one prometheus
// registerer, so a single /metrics endpoint covers the whole process.
type Registry struct {
	reg      *prometheus.Registry
	Sync     Sync
	Dispatch Dispatch
}

// New registers every counter with a fresh prometheus.Registry. Process and
// Go-runtime collectors are added so /metrics looks like any other service's
// in this fleet, not a bare custom-metric page.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		Sync: Sync{
			RowsRead: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "source_rows_read_total",
				Help: "Source rows read per cycle, by table.",
			}, []string{"table"}),
			ValidPayloads: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "valid_payloads_total",
				Help: "Rows that built a valid payload, by table.",
			}, []string{"table"}),
			EventsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "events_generated_total",
				Help: "Rows whose hash changed and produced a candidate event, by table.",
			}, []string{"table"}),
			EventsInserted: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "events_inserted_total",
				Help: "Events actually inserted into the outbox (post-dedup), by table.",
			}, []string{"table"}),
			CursorResets: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "cursor_resets_total",
				Help: "Cursor reset-to-sentinel events on an empty batch, by table.",
			}, []string{"table"}),
			CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "sync", Name: "cycle_errors_total",
				Help: "RunOneCycle calls that returned an error, by table.",
			}, []string{"table"}),
		},
		Dispatch: Dispatch{
			LeasesSwept: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "leases_swept_total",
				Help: "Expired PROCESSING leases reset to ERROR, by event type.",
			}, []string{"event_type"}),
			Claimed: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "claimed_total",
				Help: "Outbox rows claimed for dispatch, by event type.",
			}, []string{"event_type"}),
			Succeeded: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "succeeded_total",
				Help: "Rows settled DONE, by event type.",
			}, []string{"event_type"}),
			Failed: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "failed_total",
				Help: "Rows settled ERROR (includes rows still eligible for retry), by event type.",
			}, []string{"event_type"}),
			PermanentFailed: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "permanent_failed_total",
				Help: "Rows that exhausted MaxAttempts (NextRetryAt left nil), by event type.",
			}, []string{"event_type"}),
			CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hrsync", Subsystem: "dispatch", Name: "cycle_errors_total",
				Help: "RunOneCycle calls that returned an error, by event type.",
			}, []string{"event_type"}),
		},
	}
	return r
}

// Handler builds the admin mux: /metrics for Prometheus scraping, /healthz
// as a trivial liveness probe. Deliberately has no auth middleware — this
// listener is expected to bind a private interface, never the public one.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

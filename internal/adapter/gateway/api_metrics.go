package gateway

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"time"

	"masterlinc/internal/domain"
)

// eventCounter is implemented by buses that keep per-type publish counts.
type eventCounter interface {
	Counts() map[domain.EventType]uint64
}

var breakerStateValue = map[string]int{"closed": 0, "half-open": 1, "open": 2}

func writeMetric(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, s *Server, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Registry.
		if deps.Registry != nil {
			counts := deps.Registry.StatusCounts()
			writeMetric(w, "masterlinc_agents", "gauge", "Registered agents by status.")
			for _, st := range []domain.AgentStatus{domain.AgentOnline, domain.AgentOffline, domain.AgentDegraded, domain.AgentMaintenance} {
				fmt.Fprintf(w, "masterlinc_agents{status=%q} %d\n", st, counts[st])
			}
		}

		// Agent circuit breakers.
		if deps.Breakers != nil {
			states := deps.Breakers.BreakerStates()
			writeMetric(w, "masterlinc_agent_breaker_state", "gauge", "Circuit breaker state per agent (0 closed, 1 half-open, 2 open).")
			for _, id := range slices.Sorted(maps.Keys(states)) {
				fmt.Fprintf(w, "masterlinc_agent_breaker_state{agent_id=%q} %d\n", id, breakerStateValue[states[id]])
			}
		}

		// Workflows.
		if deps.Workflow != nil {
			writeMetric(w, "masterlinc_workflows_running", "gauge", "Workflows currently executing.")
			fmt.Fprintf(w, "masterlinc_workflows_running %d\n", deps.Workflow.Running())
		}

		// Messages.
		if deps.Messaging != nil {
			st := deps.Messaging.Stats()
			writeMetric(w, "masterlinc_messages_delivered_total", "counter", "Messages delivered to their receiver.")
			fmt.Fprintf(w, "masterlinc_messages_delivered_total %d\n", st.Delivered)
			writeMetric(w, "masterlinc_messages_failed_total", "counter", "Messages whose delivery failed.")
			fmt.Fprintf(w, "masterlinc_messages_failed_total %d\n", st.Failed)
			writeMetric(w, "masterlinc_messages_in_flight", "gauge", "Deliveries in progress.")
			fmt.Fprintf(w, "masterlinc_messages_in_flight %d\n", st.InFlight)
			writeMetric(w, "masterlinc_messages_queued", "gauge", "Messages waiting for a delivery slot.")
			fmt.Fprintf(w, "masterlinc_messages_queued %d\n", st.Queued)
		}

		// Domain events; task and workflow outcomes are read from here.
		if ec, ok := deps.Bus.(eventCounter); ok {
			counts := ec.Counts()
			writeMetric(w, "masterlinc_events_total", "counter", "Domain events published by type.")
			for _, t := range slices.Sorted(maps.Keys(counts)) {
				fmt.Fprintf(w, "masterlinc_events_total{type=%q} %d\n", t, counts[t])
			}
		}

		writeMetric(w, "masterlinc_gateway_clients", "gauge", "Connected WebSocket clients.")
		fmt.Fprintf(w, "masterlinc_gateway_clients %d\n", s.ClientCount())

		writeMetric(w, "masterlinc_uptime_seconds", "gauge", "Seconds since the orchestrator started.")
		fmt.Fprintf(w, "masterlinc_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		writeMetric(w, "go_gc_duration_seconds", "gauge", "Total GC pause duration.")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}

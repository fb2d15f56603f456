// Package metrics exposes Prometheus counters/histograms for the proxy
// engine plus a process resource snapshot, backing the gateway's
// GET /health/metrics surface (spec.md §6).
package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Recorder holds the gateway's Prometheus vectors. A Recorder is safe for
// concurrent use; the proxy engine calls ObserveRequest once per completed
// request and ObserveBreakerState with the service breaker's current state
// after each forwarded request.
type Recorder struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewRecorder registers the gateway's metric vectors against the given
// registry. Pass prometheus.DefaultRegisterer to use the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gateway_http_request_duration_seconds",
			Help: "Duration of proxied HTTP requests.",
		}, []string{"service", "status_code"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of proxied HTTP requests.",
		}, []string{"service", "status_code"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
	}
}

// ObserveRequest records one proxied request's outcome.
func (r *Recorder) ObserveRequest(service string, statusCode int, latency time.Duration) {
	status := statusCodeLabel(statusCode)
	r.requestDuration.WithLabelValues(service, status).Observe(latency.Seconds())
	r.requestsTotal.WithLabelValues(service, status).Inc()
}

// ObserveBreakerState records a breaker's current numeric state for a service.
func (r *Recorder) ObserveBreakerState(service string, state int) {
	r.breakerState.WithLabelValues(service).Set(float64(state))
}

func statusCodeLabel(code int) string {
	if code <= 0 {
		return "0"
	}
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns the standard Prometheus scrape endpoint, mounted on the
// metrics listener (not the proxy path) per SPEC_FULL.md.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ProcessSnapshot is the process CPU/memory/system-load snapshot served by
// GET /health/metrics.
type ProcessSnapshot struct {
	UptimeSeconds    int64   `json:"uptimeSeconds"`
	CPUPercent       float64 `json:"cpuPercent"`
	MemoryRSSBytes   uint64  `json:"memoryRssBytes"`
	SystemMemUsedPct float64 `json:"systemMemUsedPercent"`
}

func processPID() int {
	return os.Getpid()
}

// SnapshotHandler serves the current process's resource usage as JSON,
// grounded on gopsutil's per-process and host-wide accessors.
func SnapshotHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := ProcessSnapshot{UptimeSeconds: int64(time.Since(startedAt).Seconds())}

		if proc, err := process.NewProcess(int32(processPID())); err == nil {
			if pct, err := proc.CPUPercent(); err == nil {
				snap.CPUPercent = pct
			}
			if info, err := proc.MemoryInfo(); err == nil && info != nil {
				snap.MemoryRSSBytes = info.RSS
			}
		}
		if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
			snap.SystemMemUsedPct = vm.UsedPercent
		}
		// cpu.Percent with a zero interval returns the usage since the last
		// call; here only to exercise the dependency's host-wide path in
		// addition to the per-process one above.
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 && snap.CPUPercent == 0 {
			snap.CPUPercent = pcts[0]
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

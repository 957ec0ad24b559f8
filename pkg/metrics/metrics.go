// Package metrics exposes warden's side-channel prometheus counters.
// Supervisor and bus anomalies surface here only; no runtime behavior
// depends on a metric value.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	echo "github.com/labstack/echo/v5"
)

var (
	// BusDrops counts events dropped from a subscriber queue on overflow,
	// labeled by topic.
	BusDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "bus",
		Name:      "dropped_events_total",
		Help:      "Events dropped from bounded subscriber queues on overflow.",
	}, []string{"topic"})

	// IntegrityViolations counts suspected-compromise events (workspace
	// escapes, capability violations, nonce replays, signature failures),
	// labeled by violation kind. These are never returned to the initiator.
	IntegrityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "security",
		Name:      "integrity_violations_total",
		Help:      "Integrity violations detected and dropped.",
	}, []string{"kind"})

	// ApprovalResolutions counts approval record resolutions by terminal
	// state and source (auto, owner, sweep).
	ApprovalResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "approval",
		Name:      "resolutions_total",
		Help:      "Approval records resolved, by outcome and source.",
	}, []string{"outcome", "source"})

	// SubAgentExits counts sub-agent terminations by role and reason.
	SubAgentExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "subagent",
		Name:      "exits_total",
		Help:      "Sub-agent process exits, by role and reason.",
	}, []string{"role", "reason"})

	// DispatchOutcomes counts dispatcher request completions by method and
	// error kind (empty kind means success).
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Dispatched requests, by method and outcome kind.",
	}, []string{"method", "kind"})
)

// Handler returns the prometheus scrape handler wrapped for echo.
func Handler() echo.HandlerFunc {
	h := promhttp.Handler()
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

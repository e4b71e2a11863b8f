package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Decoded QR payloads by gate result.",
	}, []string{"result"})

	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_commits_total",
		Help: "Attendance commits sent to the backend by mode and result.",
	}, []string{"mode", "result"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rollcall_commit_duration_seconds",
		Help:    "Latency of attendance commits.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"mode"})

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_live_sessions",
		Help: "Sessions with a live reconciler in this process.",
	})
)

// Scan counts one decoded payload ("accepted", "suppressed", "gate_error").
func Scan(result string) {
	scans.WithLabelValues(result).Inc()
}

// Commit records one backend commit.
func Commit(mode, result string, took time.Duration) {
	commits.WithLabelValues(mode, result).Inc()
	commitDuration.WithLabelValues(mode).Observe(took.Seconds())
}

// LiveSessions sets the live session gauge.
func LiveSessions(n int) {
	liveSessions.Set(float64(n))
}

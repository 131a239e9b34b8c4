package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Contact outcomes partitioned by sent, failed and skipped
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_deliveries_total",
			Help: "Total number of resolved campaign contacts by outcome",
		},
		[]string{"outcome"},
	)

	// Latency of single gateway attempts
	gatewayAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_gateway_attempt_duration_seconds",
			Help:    "Messaging gateway attempt latencies in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"result"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_workers",
			Help: "Number of campaign workers running in this process",
		},
	)

	loopErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_loop_errors_total",
			Help: "Campaign worker iterations that failed and entered cooldown",
		},
	)

	lockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_lock_contention_total",
			Help: "Worker starts declined because another holder owned the campaign lock",
		},
	)

	staleCampaignsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_stale_claim_campaigns_total",
			Help: "Campaigns whose stale sending rows were failed by the reconciler",
		},
	)
)

// ObserveGatewayAttempt records one gateway attempt; it matches services.AttemptObserver
func ObserveGatewayAttempt(ok bool, elapsed time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	gatewayAttemptDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_processed_total",
			Help: "Scheduled notifications processed by the loop, by outcome",
		},
		[]string{"outcome"}, // outcome: completed, retried, failed, blocked, cancelled
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_claim_conflicts_total",
			Help: "Claim attempts lost to a concurrent scheduler instance",
		},
	)

	StuckReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_stuck_reclaims_total",
			Help: "Notifications reclaimed from processing after claim timeout",
		},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "Channel provider dispatch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"channel", "status"},
	)

	CampaignRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_recipients_total",
			Help: "Campaign recipients handled, by result",
		},
		[]string{"result"}, // result: sent, failed, blocked
	)

	RateLimitBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_rate_limit_blocks_total",
			Help: "Sends blocked by the per-recipient rate limit",
		},
		[]string{"category"},
	)

	AddressesInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "addresses_invalidated_total",
			Help: "Recipient addresses transitioned to invalid",
		},
		[]string{"channel", "cause"}, // cause: permanent, threshold, unregister
	)
)

func ObserveDispatch(channel, status string, duration time.Duration) {
	DispatchLatency.WithLabelValues(channel, status).Observe(duration.Seconds())
}

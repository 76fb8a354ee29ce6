// README: Prometheus metrics registered at init via promauto.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_requests_created_total", Help: "Trip requests created"})
	OffersTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_offers_total", Help: "Offers extended to drivers"})
	OfferTimeouts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_offer_timeouts_total", Help: "Offers expired by timer"})
	AcceptWins      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_accept_wins_total", Help: "Acceptances that won the request"})
	AcceptRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_accept_rejected_total", Help: "Acceptances that lost or were invalid"})
	NoDriversTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "dispatch_no_drivers_total", Help: "Requests exhausted without assignment"})

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "okada", Name: "settlements_total", Help: "Trip settlements by payment method and outcome"},
		[]string{"method", "outcome"},
	)
	PayoutsPendingReview = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "payouts_pending_review_total", Help: "Free-ride payouts deferred to manual review"})
	LoyaltyUnlocks       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "okada", Name: "loyalty_unlocks_total", Help: "Free-ride entitlements unlocked"})
	SweepItemsExpired    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "okada", Name: "sweep_items_expired_total", Help: "Records expired by background sweeps"},
		[]string{"kind"},
	)

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "okada", Name: "event_publish_failures_total", Help: "Best-effort event publishes that failed"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "okada", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "okada",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

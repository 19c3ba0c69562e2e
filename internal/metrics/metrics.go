package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QuotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_quota_decisions_total",
			Help: "Quota gate decisions by feature, tier and outcome.",
		},
		[]string{"feature", "tier", "outcome"},
	)

	UsageRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_usage_recorded_total",
			Help: "Metered units recorded in the usage ledger.",
		},
		[]string{"feature"},
	)

	LedgerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_ledger_errors_total",
			Help: "Usage ledger store failures by operation.",
		},
		[]string{"op"},
	)

	LimitRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_limit_refreshes_total",
			Help: "Tier limit cache refreshes by result (ok, stale, defaults, superseded).",
		},
		[]string{"result"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by traffic class.",
		},
		[]string{"class"},
	)

	UsageEventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_usage_events_published_total",
			Help: "Usage events published to the event stream.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaDecisionsTotal,
		UsageRecordedTotal,
		LedgerErrorsTotal,
		LimitRefreshesTotal,
		RateLimitRejectionsTotal,
		UsageEventsPublishedTotal,
	)
}

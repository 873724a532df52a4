package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mirrorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rssarchive_mirror_requests_total",
		Help: "Requests sent to archive mirrors by outcome",
	}, []string{"mirror", "outcome"})

	mirrorBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rssarchive_mirror_backoff_seconds",
		Help:    "Delay slept before retrying a rate limited mirror",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s to 128s
	})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rssarchive_resolutions_total",
		Help: "Archive resolutions by result",
	}, []string{"result"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rssarchive_resolve_duration_seconds",
		Help:    "Wall time of a full archive resolution across all mirrors",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

const (
	outcomeArchived    = "archived"
	outcomeRateLimited = "rate_limited"
	outcomeUnavailable = "unavailable"

	resultArchived = "archived"
	resultFailed   = "failed"
)

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DecksSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "decks_submitted_total", Help: "Total decks submitted"})
	DecksDeduped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "decks_deduped_total", Help: "Submissions short-circuited by dedupe key"})
	DecksCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "decks_completed_total", Help: "Decks that reached done"})
	DecksFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "decks_failed_total", Help: "Decks that reached failed"})
	DecksRestarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "decks_restarted_total", Help: "Explicit restarts of failed decks"})
	EventsPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_events_published_total", Help: "Progress events published on the bus"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "decks_inflight", Help: "Decks currently processing"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "deck_queue_depth", Help: "Ready queue depth"})
	ProgressSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "deck_progress_subscribers", Help: "Connected progress subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DecksSubmitted,
			DecksDeduped,
			DecksCompleted,
			DecksFailed,
			DecksRestarted,
			EventsPublished,
			RateLimitRejects,
			InFlightGauge,
			QueueDepthGauge,
			ProgressSubscribers,
		)
	})
	return promhttp.Handler()
}

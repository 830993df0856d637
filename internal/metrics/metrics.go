// Package metrics exposes Prometheus instruments for sync passes, downloads and
// connectivity. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ampfin"

type Recorder struct {
	syncPasses   *prometheus.CounterVec
	syncEntities *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	downloads    *prometheus.CounterVec
	offline      prometheus.Gauge
	breakerState prometheus.Gauge
}

// New registers all instruments on reg. Pass prometheus.NewRegistry() in tests so
// repeated construction does not collide on the default registry.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		syncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by mode and outcome.",
		}, []string{"mode", "outcome"}),
		syncEntities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entities_total",
			Help:      "Entities upserted by the sync engine.",
		}, []string{"entity"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of completed sync passes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Track downloads by outcome.",
		}, []string{"outcome"}),
		offline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline",
			Help:      "1 when the media server is considered unreachable.",
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_breaker_state",
			Help:      "Remote client circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}
}

func (r *Recorder) SyncPass(mode, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.syncPasses.WithLabelValues(mode, outcome).Inc()
	if outcome == "completed" {
		r.syncDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

func (r *Recorder) SyncEntities(entity string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.syncEntities.WithLabelValues(entity).Add(float64(n))
}

func (r *Recorder) Download(outcome string) {
	if r == nil {
		return
	}
	r.downloads.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Offline(offline bool) {
	if r == nil {
		return
	}
	if offline {
		r.offline.Set(1)
	} else {
		r.offline.Set(0)
	}
}

func (r *Recorder) BreakerState(state int) {
	if r == nil {
		return
	}
	r.breakerState.Set(float64(state))
}

package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oauth2_demo"

// Login outcome labels.
const (
	ResultStarted   = "started"
	ResultSucceeded = "succeeded"
)

// Recorder exposes the counters the login core reports. A nil Recorder is a
// valid no-op so components can be constructed without telemetry.
type Recorder struct {
	registry              *prometheus.Registry
	logins                *prometheus.CounterVec
	profileUpdateFailures *prometheus.CounterVec
	sessions              *prometheus.CounterVec
	swept                 *prometheus.CounterVec
}

// NewRecorder registers all collectors on a fresh registry.
func NewRecorder() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by provider and result code",
		}, []string{"provider", "result"}),
		profileUpdateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_update_failures_total",
			Help:      "Best-effort profile updates that failed after linking",
		}, []string{"provider"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle events",
		}, []string{"event"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_records_swept_total",
			Help:      "Expired records removed by the sweeper",
		}, []string{"kind"}),
	}

	for _, collector := range []prometheus.Collector{
		recorder.logins,
		recorder.profileUpdateFailures,
		recorder.sessions,
		recorder.swept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registerCollector(registry, collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func registerCollector(registry prometheus.Registerer, collector prometheus.Collector) error {
	if err := registry.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for inspection.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Recorder) LoginStarted(provider string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(provider, ResultStarted).Inc()
}

// LoginFinished records a callback outcome; result is succeeded or an error code.
func (r *Recorder) LoginFinished(provider, result string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(provider, result).Inc()
}

func (r *Recorder) ProfileUpdateFailed(provider string) {
	if r == nil {
		return
	}
	r.profileUpdateFailures.WithLabelValues(provider).Inc()
}

func (r *Recorder) SessionEvent(event string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(event).Inc()
}

func (r *Recorder) Swept(kind string, count int64) {
	if r == nil || count <= 0 {
		return
	}
	r.swept.WithLabelValues(kind).Add(float64(count))
}

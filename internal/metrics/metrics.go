// Package metrics exposes dispatch events as Prometheus metrics and pushes
// them to a Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/frlp-jornadas/certship/internal/app"
	"github.com/frlp-jornadas/certship/internal/domain"
)

const (
	namespace = "certship"

	// Job is the Pushgateway job name.
	Job = "certship"
)

// Recorder is an app.Observer backed by its own registry, so each run
// pushes only its own series.
type Recorder struct {
	app.BaseObserver

	registry *prometheus.Registry

	// deliveries counts outcomes.
	// Labels:
	// - outcome: "success" or "failure"
	// - stage:   "", "artifact" or "send"
	deliveries *prometheus.CounterVec

	// sessionsOpened counts channel sessions opened.
	sessionsOpened prometheus.Counter

	// sessionsClosed counts closed sessions.
	// Labels:
	// - reason: "threshold", "failure" or "end_of_input"
	sessionsClosed *prometheus.CounterVec

	// sendDuration tracks the time to compose and send one message.
	sendDuration prometheus.Histogram
}

// NewRecorder creates a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "deliveries_total",
				Help:      "Delivery outcomes by stage",
			},
			[]string{"outcome", "stage"},
		),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Channel sessions opened",
		}),
		sessionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "closed_total",
				Help:      "Channel sessions closed by reason",
			},
			[]string{"reason"},
		),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of a successful compose and send",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry holding the run metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) OnSessionOpened() {
	r.sessionsOpened.Inc()
}

func (r *Recorder) OnSessionClosed(reason app.CloseReason, sends int) {
	r.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

func (r *Recorder) OnDelivered(id domain.Identity, took time.Duration) {
	r.deliveries.WithLabelValues("success", "").Inc()
	r.sendDuration.Observe(took.Seconds())
}

func (r *Recorder) OnDeliveryFailed(id domain.Identity, stage domain.FailureStage) {
	r.deliveries.WithLabelValues("failure", string(stage)).Inc()
}

// Push sends the registry to a Pushgateway, grouped by run ID.
func (r *Recorder) Push(ctx context.Context, url, runID string) error {
	p := push.New(url, Job).Gatherer(r.registry)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

var _ app.Observer = (*Recorder)(nil)

package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/iamwavecut/modguard/internal/infra"
)

// Logger is the structured sink for audit trail entries. Nil until Init.
var Logger *zap.Logger

var (
	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modguard_verdicts_total",
			Help: "Total number of moderation verdicts by concern",
		},
		[]string{"concern"},
	)

	enforcementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modguard_enforcements_total",
			Help: "Total number of enforcement attempts by action and result",
		},
		[]string{"action", "result"},
	)

	enforcementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modguard_enforcement_duration_seconds",
			Help:    "Time spent executing enforcement actions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	eventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modguard_event_processing_duration_seconds",
			Help:    "Time spent processing incoming events",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func Init(ctx context.Context) error {
	var err error
	Logger, err = zap.NewProduction()
	if err != nil {
		return err
	}

	prometheus.MustRegister(verdictsTotal)
	prometheus.MustRegister(enforcementsTotal)
	prometheus.MustRegister(enforcementDuration)
	prometheus.MustRegister(eventProcessingDuration)

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	go infra.GoRecoverable(1, "metrics server", func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":2112", nil); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	})

	return nil
}

// RecordVerdict records one triggered moderation verdict.
func RecordVerdict(concern string) {
	verdictsTotal.WithLabelValues(concern).Inc()
}

// RecordEnforcement records the outcome of one enforcement request.
func RecordEnforcement(action, result string) {
	enforcementsTotal.WithLabelValues(action, result).Inc()
}

// StartEnforcement returns a function recording the enforcement duration.
func StartEnforcement(action string) func() {
	timer := prometheus.NewTimer(enforcementDuration.WithLabelValues(action))
	return func() {
		timer.ObserveDuration()
	}
}

// StartEventProcessing returns a function recording event handling duration.
func StartEventProcessing(kind string) func() {
	timer := prometheus.NewTimer(eventProcessingDuration.WithLabelValues(kind))
	return func() {
		timer.ObserveDuration()
	}
}

package service

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

const namespace = "sparkbridge"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	recoveries       prometheus.Counter
	authTransitions  *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	extractionMethod *prometheus.CounterVec
	completionSignal *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
}

// NewMetrics registers the collectors. activeSessions is sampled on scrape.
func NewMetrics(activeSessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_recoveries_total",
			Help:      "Sessions rebuilt after their browser stopped responding.",
		}),
		authTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_transitions_total",
			Help:      "Authentication state transitions by target state.",
		}, []string{"state"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed send-and-receive calls by outcome.",
		}, []string{"status"}),
		extractionMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_method_total",
			Help:      "Successful extractions by strategy.",
		}, []string{"method"}),
		completionSignal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_signal_total",
			Help:      "Completion detections by signal.",
		}, []string{"signal"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Wall time of successful send-and-receive calls.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.recoveries,
		m.authTransitions,
		m.exchanges,
		m.extractionMethod,
		m.completionSignal,
		m.exchangeDuration,
	)
	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held by the pool.",
		}, func() float64 { return float64(activeSessions()) }))
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Consume applies hub events until ctx ends or the hub closes.
func (m *Metrics) Consume(ctx context.Context, hub *telemetry.Hub) {
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(event)
		}
	}
}

// Observe folds one event into the collectors.
func (m *Metrics) Observe(event telemetry.Event) {
	switch event.Type {
	case telemetry.EventSessionRecovered:
		m.recoveries.Inc()
	case telemetry.EventAuthTransition:
		if state, ok := event.Data["to"].(string); ok {
			m.authTransitions.WithLabelValues(state).Inc()
		}
	case telemetry.EventCompletionSignal:
		if signal, ok := event.Data["signal"].(string); ok {
			m.completionSignal.WithLabelValues(signal).Inc()
		}
	case telemetry.EventExchangeCompleted:
		m.exchanges.WithLabelValues("success").Inc()
		if method, ok := event.Data["method"].(string); ok && method != "" {
			m.extractionMethod.WithLabelValues(method).Inc()
		}
		if ms, ok := event.Data["duration_ms"].(int64); ok {
			m.exchangeDuration.Observe(float64(ms) / 1000)
		}
	case telemetry.EventExchangeFailed:
		// The protocol also reports stage failures; only the call outcome
		// carries an error code.
		if _, ok := event.Data["error_code"]; ok {
			m.exchanges.WithLabelValues("error").Inc()
		}
	}
}

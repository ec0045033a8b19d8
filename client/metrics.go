package client

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type outcome string

const (
	outcomeSucceeded      outcome = "succeeded"
	outcomeHTTPError      outcome = "http_error"
	outcomeTransportError outcome = "transport_error"
	outcomeSchemaError    outcome = "schema_error"
	outcomeRequestError   outcome = "request_error"
)

func outcomeOf(err error) outcome {
	switch {
	case err == nil:
		return outcomeSucceeded
	case errors.Is(err, ErrTransport):
		return outcomeTransportError
	case errors.Is(err, ErrSchemaValidation):
		return outcomeSchemaError
	default:
		return outcomeRequestError
	}
}

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "builder_client",
			Name:      "requests_total",
			Help:      "Builder API calls by operation and terminal outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "builder_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of builder API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if registerer != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration} {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *metrics) observe(operation string, o outcome, elapsed time.Duration) {
	m.requests.WithLabelValues(operation, string(o)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Package metrics provides Prometheus metrics for the prediction service.
// It covers prediction throughput, failures by kind, latency of the whole
// pipeline and of the forward pass alone, the prediction cache, model
// reloads and drift of the inputs away from the training range.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Predictions    prometheus.Counter     // Successful predictions
	Failures       *prometheus.CounterVec // Failed predictions by error kind
	CacheHits      prometheus.Counter     // Predictions served from the cache
	CacheMisses    prometheus.Counter     // Cache lookups that reached the model
	Reloads        *prometheus.CounterVec // Model reload attempts by result
	PredictLatency prometheus.Histogram   // End-to-end pipeline latency
	ForwardLatency prometheus.Histogram   // Forward pass latency
	ModelTimestamp prometheus.Gauge       // Modification time of the loaded model artifact
	HTTPRequests   *prometheus.CounterVec // HTTP requests by path and status
	Extrapolations *prometheus.CounterVec // Inputs outside the training range by parameter
	InputDrift     *prometheus.GaugeVec   // Population Stability Index by parameter
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "precept_predictions_total",
			Help: "Total number of successful predictions",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "precept_prediction_failures_total",
			Help: "Total number of failed predictions by error kind",
		}, []string{"kind"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "precept_cache_hits_total",
			Help: "Total number of predictions served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "precept_cache_misses_total",
			Help: "Total number of cache misses",
		}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "precept_reloads_total",
			Help: "Total number of model reloads by result",
		}, []string{"result"}),
		PredictLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "precept_predict_latency_seconds",
			Help:    "Prediction latency in seconds (end-to-end)",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ForwardLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "precept_forward_latency_seconds",
			Help:    "Model forward pass latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		ModelTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "precept_model_modified_timestamp_seconds",
			Help: "Modification time of the loaded model artifact as a Unix timestamp",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "precept_http_requests_total",
			Help: "Total number of HTTP requests by path and status code",
		}, []string{"path", "code"}),
		Extrapolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "precept_input_extrapolations_total",
			Help: "Total number of input values outside the descriptor range by parameter",
		}, []string{"param"}),
		InputDrift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "precept_input_drift_psi",
			Help: "Population Stability Index of recent inputs against the baseline by parameter",
		}, []string{"param"}),
	}
}

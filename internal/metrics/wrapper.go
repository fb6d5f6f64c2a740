package metrics

import "strconv"

// Wrapper adapts Metrics to the narrow method sets the pipeline, cache,
// reloader and server report through.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) PredictionsInc() {
	w.m.Predictions.Inc()
}

func (w *Wrapper) FailuresInc(kind string) {
	w.m.Failures.WithLabelValues(kind).Inc()
}

func (w *Wrapper) LatencyObserve(seconds float64) {
	w.m.PredictLatency.Observe(seconds)
}

func (w *Wrapper) ForwardLatencyObserve(seconds float64) {
	w.m.ForwardLatency.Observe(seconds)
}

// ModelTimestampSet records the artifact mtime; age is time() minus this value.
func (w *Wrapper) ModelTimestampSet(unix float64) {
	w.m.ModelTimestamp.Set(unix)
}

func (w *Wrapper) CacheHitsInc() {
	w.m.CacheHits.Inc()
}

func (w *Wrapper) CacheMissesInc() {
	w.m.CacheMisses.Inc()
}

// ReloadsInc counts a reload attempt; result is "success" or "failure".
func (w *Wrapper) ReloadsInc(result string) {
	w.m.Reloads.WithLabelValues(result).Inc()
}

func (w *Wrapper) HTTPRequestsInc(path string, code int) {
	w.m.HTTPRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

func (w *Wrapper) ExtrapolationsInc(param string) {
	w.m.Extrapolations.WithLabelValues(param).Inc()
}

func (w *Wrapper) InputDriftSet(param string, psi float64) {
	w.m.InputDrift.WithLabelValues(param).Set(psi)
}

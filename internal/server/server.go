// Package server exposes a prediction pipeline over HTTP and WebSocket and
// keeps it current as model files and the version registry change.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"precept-serve/internal/common"
	"precept-serve/internal/descriptor"
	"precept-serve/internal/drift"
	"precept-serve/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AuditStore persists served predictions.
type AuditStore interface {
	StorePrediction(storage.PredictionRecord) error
}

// Registry is the version registry the server can switch between.
type Registry interface {
	ActiveRegistry
	ListVersions() ([]storage.ModelVersion, error)
	ActivateVersion(version string) error
	Rollback() (storage.ModelVersion, error)
}

// HTTPMetrics counts served requests.
type HTTPMetrics interface {
	HTTPRequestsInc(path string, code int)
}

// Config configures a ModelServer. Zero values disable the optional parts.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
	Audit          AuditStore
	Registry       Registry
	Metrics        HTTPMetrics
	Drift          *drift.Config // nil disables input drift tracking
	DriftMetrics   drift.Metrics
}

// ModelServer provides the HTTP API for model predictions
type ModelServer struct {
	models   *Holder
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	started  time.Time

	driftMu  sync.Mutex
	detector *drift.Detector
}

// PredictionRequest represents the incoming prediction request
type PredictionRequest struct {
	Input     []float64 `json:"input"`
	RequestID string    `json:"request_id,omitempty"`
}

// PredictionResponse represents the prediction result
type PredictionResponse struct {
	Output       common.Vector `json:"output"` // non-finite values encode as "NaN", "+Inf", "-Inf"
	ParamsY      []string      `json:"params_y"`
	ModelVersion string        `json:"model_version"`
	RequestID    string        `json:"request_id,omitempty"`
	Latency      float64       `json:"latency_ms"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse reports liveness of the loaded model.
type HealthResponse struct {
	Healthy      bool    `json:"healthy"`
	ModelVersion string  `json:"model_version,omitempty"`
	Uptime       float64 `json:"uptime_seconds"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Version        string             `json:"version"`
	ModelPath      string             `json:"model_path"`
	DescriptorPath string             `json:"descriptor_path"`
	LoadedAt       time.Time          `json:"loaded_at"`
	Descriptor     descriptor.Summary `json:"descriptor"`
}

// NewModelServer creates a new HTTP server for model serving
func NewModelServer(models *Holder, cfg Config) *ModelServer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	ms := &ModelServer{
		models:  models,
		cfg:     cfg,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	ms.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return ms
}

// Handler returns the routing handler, for embedding or httptest.
func (ms *ModelServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/predict", ms.instrument("/predict", ms.handlePredict))
	mux.Handle("/health", ms.instrument("/health", ms.handleHealth))
	mux.Handle("/model/info", ms.instrument("/model/info", ms.handleModelInfo))
	mux.Handle("/model/reload", ms.instrument("/model/reload", ms.handleReload))
	mux.Handle("/model/drift", ms.instrument("/model/drift", ms.handleDrift))
	mux.Handle("/models", ms.instrument("/models", ms.handleListVersions))
	mux.Handle("/models/activate", ms.instrument("/models/activate", ms.handleActivate))
	mux.Handle("/models/rollback", ms.instrument("/models/rollback", ms.handleRollback))
	mux.Handle("/metrics", promhttp.HandlerFor(ms.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws/predict", ms.handleWebSocket)
	return mux
}

// Start begins serving HTTP requests
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting model server")
	err := ms.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// predict runs one request through the live model and audits it.
func (ms *ModelServer) predict(ctx context.Context, req PredictionRequest) (PredictionResponse, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, ms.cfg.RequestTimeout)
	defer cancel()

	var resp PredictionResponse
	err := ms.models.Use(func(l *Loaded) error {
		out, err := l.Predictor.PredictContext(ctx, req.Input)
		if err != nil {
			return err
		}
		if d := ms.detectorFor(l); d != nil {
			d.Observe(req.Input)
		}
		resp = PredictionResponse{
			Output:       out,
			ParamsY:      l.Predictor.Descriptor().ParamsY(),
			ModelVersion: l.Version,
			RequestID:    req.RequestID,
		}
		return nil
	})
	if err != nil {
		return PredictionResponse{}, err
	}

	resp.Timestamp = time.Now()
	resp.Latency = float64(resp.Timestamp.Sub(start).Microseconds()) / 1000

	if ms.cfg.Audit != nil {
		rec := storage.PredictionRecord{
			ModelVersion: resp.ModelVersion,
			RequestID:    req.RequestID,
			Timestamp:    resp.Timestamp,
			Input:        req.Input,
			Output:       resp.Output,
			LatencyMs:    resp.Latency,
		}
		if err := ms.cfg.Audit.StorePrediction(rec); err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to audit prediction")
		}
	}
	return resp, nil
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	resp, err := ms.predict(r.Context(), req)
	if err != nil {
		log.Debug().Err(err).Str("request_id", req.RequestID).Msg("prediction failed")
		writeError(w, statusFor(err), errorBody(err, req.RequestID))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Uptime: time.Since(ms.started).Seconds()}

	status := http.StatusOK
	if snap, err := ms.models.Snapshot(); err != nil {
		status = http.StatusServiceUnavailable
	} else {
		health.Healthy = true
		health.ModelVersion = snap.Version
	}

	writeJSON(w, status, health)
}

func (ms *ModelServer) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	var info ModelInfo
	err := ms.models.Use(func(l *Loaded) error {
		info = ModelInfo{
			Version:        l.Version,
			ModelPath:      l.ModelPath,
			DescriptorPath: l.DescriptorPath,
			LoadedAt:       l.LoadedAt,
			Descriptor:     l.Predictor.Descriptor().Summary(),
		}
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), errorBody(err, ""))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (ms *ModelServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if err := ms.models.Reload(); err != nil {
		writeError(w, statusFor(err), errorBody(err, ""))
		return
	}
	ms.handleModelInfo(w, r)
}

func (ms *ModelServer) handleDrift(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.Drift == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "input drift tracking is disabled"})
		return
	}
	var report drift.Report
	err := ms.models.Use(func(l *Loaded) error {
		report = ms.detectorFor(l).Report()
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), errorBody(err, ""))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// detectorFor returns the drift detector of the loaded model version,
// starting a fresh one whenever the version changes.
func (ms *ModelServer) detectorFor(l *Loaded) *drift.Detector {
	if ms.cfg.Drift == nil {
		return nil
	}
	ms.driftMu.Lock()
	defer ms.driftMu.Unlock()

	if ms.detector == nil || ms.detector.Version() != l.Version {
		ms.detector = drift.New(l.Version, l.Predictor.Descriptor(), *ms.cfg.Drift, ms.cfg.DriftMetrics)
	}
	return ms.detector
}

// writeJSON encodes v before sending the status so an encoding failure
// still produces a well-formed error response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		status = http.StatusInternalServerError
		data, _ = json.Marshal(ErrorResponse{Error: "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	writeJSON(w, status, body)
}

func errorBody(err error, requestID string) ErrorResponse {
	body := ErrorResponse{Error: err.Error(), RequestID: requestID}
	if kind := common.KindOf(err); kind != common.KindUnknown {
		body.Kind = kind.String()
	}
	return body
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch common.KindOf(err) {
	case common.KindDimension, common.KindSchema:
		return http.StatusBadRequest
	case common.KindClosed:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (ms *ModelServer) instrument(path string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if ms.cfg.Metrics != nil {
			ms.cfg.Metrics.HTTPRequestsInc(path, rec.status)
		}
	})
}

// Package api exposes the detection pipeline over HTTP: one-off
// classification, alert history, model updates and runtime status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/pipeline"
	"github.com/cvalentine99/nfa-ids/internal/update"
)

const (
	maxRecordBody   = 1 << 20
	maxTrainingBody = 64 << 20
	defaultAlerts   = 100
)

// AlertReader returns the most recent persisted alerts, oldest first.
type AlertReader interface {
	Recent(limit int) ([]models.Alert, error)
}

// Server serves the request API.
type Server struct {
	pipeline    *pipeline.Pipeline
	coordinator *update.Coordinator
	alerts      AlertReader
	logger      *logging.Logger
	srv         *http.Server
}

// NewServer creates an API server listening on addr.
func NewServer(addr string, p *pipeline.Pipeline, coord *update.Coordinator, alerts AlertReader) *Server {
	s := &Server{
		pipeline:    p,
		coordinator: coord,
		alerts:      alerts,
		logger:      logging.APILogger(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predict", s.handlePredict)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/update_model", s.handleUpdateModel)
	mux.HandleFunc("GET /api/model", s.handleModel)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return otelhttp.NewHandler(s.logRequests(mux), "nfa-ids-api")
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// =============================================================================
// Handlers
// =============================================================================

type predictRequest struct {
	Data json.RawMessage `json:"data"`
}

type predictResponse struct {
	Result       string       `json:"result"`
	Label        models.Label `json:"label"`
	Probability  float64      `json:"probability"`
	ModelVersion uint64       `json:"model_version"`
}

// handlePredict classifies {"data": <record>} or {"data": [values...]}
// without raising an alert. A value array is read in the live schema order.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(r, maxRecordBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		writeError(w, http.StatusBadRequest, "no data provided")
		return
	}

	var (
		res models.PredictionResult
		err error
	)
	switch data[0] {
	case '[':
		var values []float64
		if err := json.Unmarshal(data, &values); err != nil {
			writeError(w, http.StatusBadRequest, "data must be a record object or an array of numbers")
			return
		}
		m := s.pipeline.Adapter().Snapshot()
		if m == nil {
			writeError(w, http.StatusServiceUnavailable, ml.ErrNoModel.Error())
			return
		}
		res, err = s.pipeline.ClassifyVector(r.Context(), ml.FeatureVector{Fields: m.Schema().Names(), Values: values})
	case '{':
		var rec models.RawRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid record: "+err.Error())
			return
		}
		res, err = s.pipeline.Score(r.Context(), rec)
	default:
		writeError(w, http.StatusBadRequest, "data must be a record object or an array of numbers")
		return
	}
	if err != nil {
		writeClassifyError(w, err)
		return
	}

	result := "Normal"
	if res.Label.IsThreat() {
		result = "Threat Detected"
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Result:       result,
		Label:        res.Label,
		Probability:  res.Probability,
		ModelVersion: res.ModelVersion,
	})
}

type uploadResponse struct {
	Prediction   models.Label `json:"prediction"`
	Probability  float64      `json:"probability"`
	ModelVersion uint64       `json:"model_version"`
}

// handleUpload runs one record through the full pipeline; threats are
// persisted as alerts.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var rec models.RawRecord
	if err := decodeBody(r, maxRecordBody, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res, err := s.pipeline.Classify(r.Context(), rec)
	if err != nil {
		writeClassifyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Prediction:   res.Label,
		Probability:  res.Probability,
		ModelVersion: res.ModelVersion,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlerts
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	alerts, err := s.alerts.Recent(limit)
	if err != nil {
		s.logger.Error("failed to read alerts", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type updateResponse struct {
	Message string         `json:"message"`
	Load    ml.LoadStats   `json:"load"`
	Report  *update.Report `json:"report,omitempty"`
}

// handleUpdateModel trains a candidate from a CSV or JSON body. The format
// is sniffed from the content.
func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTrainingBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "no data provided for training")
		return
	}

	schema := ml.DefaultSchema()
	if m := s.pipeline.Adapter().Snapshot(); m != nil {
		schema = m.Schema()
	}

	var (
		ds *ml.Dataset
		st ml.LoadStats
	)
	mt := mimetype.Detect(body)
	switch {
	case mt.Is("application/json"):
		ds, st, err = ml.LoadJSON(bytes.NewReader(body), schema)
	case mt.Is("text/csv"), mt.Is("text/plain"):
		ds, st, err = ml.LoadCSV(bytes.NewReader(body), schema)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "training data must be CSV or JSON, got "+mt.String())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid training data: "+err.Error())
		return
	}
	s.logger.Info("training data received",
		"format", mt.String(), "read", st.Read, "kept", st.Kept,
		"missing", st.Missing, "duplicates", st.Duplicates, "bad_label", st.BadLabel)

	report, err := s.coordinator.Submit(r.Context(), ds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, updateResponse{Message: "Model updated successfully!", Load: st, Report: report})
	case errors.Is(err, update.ErrUpdateInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, update.ErrUpdateRejected):
		writeJSON(w, http.StatusUnprocessableEntity, updateResponse{Message: "Model update rejected", Load: st, Report: report})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("model update failed", logging.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type modelResponse struct {
	Loaded      bool           `json:"loaded"`
	Version     uint64         `json:"version"`
	Kind        string         `json:"kind,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	Threshold   float64        `json:"threshold,omitempty"`
	Schema      []string       `json:"schema,omitempty"`
	Evaluation  *ml.Evaluation `json:"evaluation,omitempty"`
	UpdateState update.State   `json:"update_state"`
	LastUpdate  *update.Report `json:"last_update,omitempty"`
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	resp := modelResponse{
		UpdateState: s.coordinator.State(),
		LastUpdate:  s.coordinator.LastReport(),
	}
	if m := s.pipeline.Adapter().Snapshot(); m != nil {
		created := m.CreatedAt()
		eval := m.Evaluation()
		resp.Loaded = true
		resp.Version = m.Version()
		resp.Kind = m.Kind()
		resp.CreatedAt = &created
		resp.Threshold = m.Threshold()
		resp.Schema = m.Schema().Names()
		resp.Evaluation = &eval
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := s.pipeline.Adapter().Version()
	status := "ok"
	if s.pipeline.Adapter().Snapshot() == nil {
		status = "no_model"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"model_version": version,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func decodeBody(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("no data provided")
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func writeClassifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ml.ErrMalformedRecord), errors.Is(err, ml.ErrSchemaMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ml.ErrNoModel):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			logging.Duration("duration", time.Since(start)),
		)
	})
}

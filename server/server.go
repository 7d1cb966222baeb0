// Package server exposes the facilitator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/latinumai/x402-facilitator/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Facilitator is the part of the facilitator the HTTP layer drives.
type Facilitator interface {
	Validate(ctx context.Context, req *types.ValidateRequest) *types.ValidationOutcome
	FeePayer(chain string) (*types.PayerAddressResponse, error)
}

// Server serves the validation and fee payer endpoints.
type Server struct {
	facilitator Facilitator
	logger      logger.Logger
	gatherer    prometheus.Gatherer
	timeout     time.Duration
}

// ServerOption configures optional dependencies.
type ServerOption func(*Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithRequestTimeout bounds each validation, including the wait for
// confirmation. Zero leaves only the client connection as a bound.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

func New(f Facilitator, opts ...ServerOption) *Server {
	s := &Server{
		facilitator: f,
		logger:      logger.NoopLogger{},
		gatherer:    prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(map[string]any{"component": "http"})
	return s
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/facilitator", s.handleFacilitator)
	mux.HandleFunc("GET /api/payer-address", s.handlePayerAddress)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// facilitatorResponse adds the allow flag that wallet middleware checks.
type facilitatorResponse struct {
	Allowed bool `json:"allowed"`
	*types.ValidationOutcome
}

func statusCode(st types.Status) int {
	switch st {
	case types.StatusSuccess:
		return http.StatusOK
	case types.StatusPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleFacilitator(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}

	req, err := utils.ParseValidateRequest(body)
	if err != nil {
		s.logger.Debug("malformed validation request", map[string]any{"error": err.Error()})
		out := &types.ValidationOutcome{
			Status: types.StatusPaymentRequired,
			Error:  "Invalid request body: " + err.Error(),
		}
		writeJSON(w, http.StatusPaymentRequired, facilitatorResponse{ValidationOutcome: out})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out := s.facilitator.Validate(ctx, req)
	writeJSON(w, statusCode(out.Status), facilitatorResponse{
		Allowed:           out.Allowed(),
		ValidationOutcome: out,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePayerAddress(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Surrogate-Control", "no-store")

	chain := strings.TrimSpace(r.URL.Query().Get("chain"))
	if chain == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing chain parameter"})
		return
	}

	resp, err := s.facilitator.FeePayer(chain)
	if err != nil {
		var xerr *types.X402Error
		if errors.As(err, &xerr) && xerr.Code == types.ErrUnsupportedNetwork {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: xerr.Message})
			return
		}
		s.logger.Error("fee payer lookup failed", map[string]any{"chain": chain, "error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("failed to write health response", map[string]any{"error": err.Error()})
	}
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

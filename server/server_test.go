package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/latinumai/x402-facilitator/metrics"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFacilitator struct {
	outcome  *types.ValidationOutcome
	got      *types.ValidateRequest
	deadline time.Time

	payer    *types.PayerAddressResponse
	payerErr error
}

func (s *stubFacilitator) Validate(ctx context.Context, req *types.ValidateRequest) *types.ValidationOutcome {
	s.got = req
	s.deadline, _ = ctx.Deadline()
	return s.outcome
}

func (s *stubFacilitator) FeePayer(string) (*types.PayerAddressResponse, error) {
	return s.payer, s.payerErr
}

func postValidate(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/facilitator", strings.NewReader(body)))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleFacilitator_StatusMapping(t *testing.T) {
	tests := []struct {
		status  types.Status
		code    int
		allowed bool
	}{
		{types.StatusSuccess, http.StatusOK, true},
		{types.StatusPaymentRequired, http.StatusPaymentRequired, false},
		{types.StatusFailure, http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			stub := &stubFacilitator{outcome: &types.ValidationOutcome{
				Status:       tt.status,
				SettlementID: "sig",
				Chain:        types.ChainSolana,
			}}
			rec, resp := postValidate(t, New(stub).Handler(),
				`{"chain":"solana","expectedRecipient":"R","expectedAmountAtomic":1000}`)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.allowed, resp["allowed"])
			assert.Equal(t, string(tt.status), resp["status"])
			assert.Equal(t, "sig", resp["settlementId"])
			assert.Equal(t, "1000", stub.got.ExpectedAmountAtomic.String())
		})
	}
}

func TestHandleFacilitator_RequestTimeout(t *testing.T) {
	stub := &stubFacilitator{outcome: &types.ValidationOutcome{Status: types.StatusFailure}}
	h := New(stub, WithRequestTimeout(time.Minute)).Handler()

	before := time.Now()
	postValidate(t, h, `{"chain":"base"}`)
	require.False(t, stub.deadline.IsZero())
	assert.WithinDuration(t, before.Add(time.Minute), stub.deadline, 5*time.Second)

	stub = &stubFacilitator{outcome: &types.ValidationOutcome{Status: types.StatusFailure}}
	postValidate(t, New(stub).Handler(), `{"chain":"base"}`)
	assert.True(t, stub.deadline.IsZero())
}

func TestHandleFacilitator_MalformedBody(t *testing.T) {
	stub := &stubFacilitator{}
	rec, resp := postValidate(t, New(stub).Handler(), `{"chain":`)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, false, resp["allowed"])
	assert.Equal(t, "payment_required", resp["status"])
	assert.Contains(t, resp["error"], "Invalid request body")
	assert.Nil(t, stub.got)
}

func TestHandleFacilitator_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	New(&stubFacilitator{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/facilitator", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlePayerAddress(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		stub     *stubFacilitator
		code     int
		field    string
		expected string
	}{
		{
			name:     "ok",
			query:    "?chain=solana",
			stub:     &stubFacilitator{payer: &types.PayerAddressResponse{Chain: types.ChainSolana, FeePayer: "Payer111"}},
			code:     http.StatusOK,
			field:    "feePayer",
			expected: "Payer111",
		},
		{
			name:     "missing chain",
			query:    "",
			stub:     &stubFacilitator{},
			code:     http.StatusBadRequest,
			field:    "error",
			expected: "Missing chain parameter",
		},
		{
			name:  "unsupported chain",
			query: "?chain=base",
			stub: &stubFacilitator{payerErr: &types.X402Error{
				Code: types.ErrUnsupportedNetwork, Message: "Unsupported chain: base",
			}},
			code:     http.StatusBadRequest,
			field:    "error",
			expected: "Unsupported chain: base",
		},
		{
			name:  "key not configured",
			query: "?chain=solana",
			stub: &stubFacilitator{payerErr: &types.X402Error{
				Code: types.ErrConfigError, Message: "Missing SOLANA_FEE_PAYER_PRIVATE_KEY",
			}},
			code:     http.StatusInternalServerError,
			field:    "error",
			expected: "Missing SOLANA_FEE_PAYER_PRIVATE_KEY",
		},
		{
			name:     "plain error",
			query:    "?chain=solana",
			stub:     &stubFacilitator{payerErr: errors.New("boom")},
			code:     http.StatusInternalServerError,
			field:    "error",
			expected: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tt.stub).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/payer-address"+tt.query, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "no-store, no-cache, must-revalidate, proxy-revalidate", rec.Header().Get("Cache-Control"))
			assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
			assert.Equal(t, "0", rec.Header().Get("Expires"))

			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.expected, resp[tt.field])
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	rec.IncCounter("validation_success", metrics.Labels("solana", "mainnet"))

	h := New(&stubFacilitator{}, WithGatherer(reg)).Handler()

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
	assert.Equal(t, "ok", health.Body.String())

	m := httptest.NewRecorder()
	h.ServeHTTP(m, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), `x402_events_total{chain="solana",network="mainnet",type="validation_success"} 1`)
}

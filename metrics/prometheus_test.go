package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_CountsByChainAndNetwork(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg).(*PrometheusRecorder)

	rec.IncCounter("outcome_success", Labels("solana", "mainnet"))
	rec.IncCounter("outcome_success", Labels("solana", "mainnet"))
	rec.IncCounter("outcome_failure", Labels("base", "testnet"))

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues("outcome_success", "solana", "mainnet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.counters.WithLabelValues("outcome_failure", "base", "testnet")))

	rec.ObserveLatency("broadcast", 250*time.Millisecond, Labels("solana", "devnet"))
	n, err := testutil.GatherAndCount(reg, "x402_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	assert.NotPanics(t, func() {
		r.IncCounter("x", nil)
		r.ObserveLatency("x", time.Second, nil)
	})
}

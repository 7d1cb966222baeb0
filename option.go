package facilitator

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/metrics"
	"github.com/latinumai/x402-facilitator/types"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = r
	}
}

// WithTimeout bounds read-only lookups such as token labels and decimals.
// Broadcast and confirmation are never cut short by it.
func WithTimeout(t time.Duration) Option {
	return func(f *Facilitator) {
		f.timeout = t
	}
}

func WithClock(c clock.Clock) Option {
	return func(f *Facilitator) {
		f.clock = c
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(f *Facilitator) {
		f.pollInterval = d
	}
}

// WithConfirmations sets how deep a Base transaction must be buried.
func WithConfirmations(n uint64) Option {
	return func(f *Facilitator) {
		f.confirmations = n
	}
}

// WithRateLimit applies to every RPC client created by AddNetwork.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Facilitator) {
		f.rps = rps
		f.burst = burst
	}
}

func WithTokenCache(size int, ttl time.Duration) Option {
	return func(f *Facilitator) {
		f.cacheSize = size
		f.cacheTTL = ttl
	}
}

// WithDefaultNetworks picks the tier used when a request names none.
func WithDefaultNetworks(solana, base types.NetworkTier) Option {
	return func(f *Facilitator) {
		f.solanaNetwork = solana
		f.baseNetwork = base
	}
}

func WithBatchConcurrency(n int) Option {
	return func(f *Facilitator) {
		if n > 0 {
			f.batchConcurrency = n
		}
	}
}

// Package settlement runs the chain-specific validate-and-settle pipelines.
// Each request gets its own run: a trace, an outcome and nothing shared
// with other requests besides read-only clients and keys.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/metrics"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/tracing"
	"github.com/latinumai/x402-facilitator/types"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultConfirmations = 3
)

// Validator settles payments for one chain.
type Validator interface {
	Validate(ctx context.Context, req *types.ValidateRequest) *types.ValidationOutcome
}

type settings struct {
	logger         logger.Logger
	metrics        metrics.Recorder
	clock          clock.Clock
	tracer         trace.Tracer
	pollInterval   time.Duration
	confirmations  uint64
	defaultNetwork types.NetworkTier
	resolverOpts   []tokens.ResolverOption
}

// Option configures a pipeline.
type Option func(*settings)

func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithClock sets the clock used for trace timestamps and polling.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithPollInterval sets the delay between confirmation polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithConfirmations sets the block depth Base payments wait for.
func WithConfirmations(n uint64) Option {
	return func(s *settings) {
		if n > 0 {
			s.confirmations = n
		}
	}
}

// WithDefaultNetwork is used when a request names no network.
func WithDefaultNetwork(n types.NetworkTier) Option {
	return func(s *settings) { s.defaultNetwork = n }
}

// WithResolverOptions configures the per-network token resolvers.
func WithResolverOptions(opts ...tokens.ResolverOption) Option {
	return func(s *settings) { s.resolverOpts = append(s.resolverOpts, opts...) }
}

func newSettings(def types.NetworkTier, opts []Option) *settings {
	s := &settings{
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
		clock:          clock.New(),
		tracer:         tracing.Tracer("github.com/latinumai/x402-facilitator/settlement"),
		pollInterval:   defaultPollInterval,
		confirmations:  defaultConfirmations,
		defaultNetwork: def,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *settings) resolver(registry *tokens.Registry, source tokens.MetadataSource) *tokens.Resolver {
	opts := append([]tokens.ResolverOption{tokens.WithLogger(s.logger)}, s.resolverOpts...)
	return tokens.NewResolver(registry, source, opts...)
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx so that pipeline logs carry the id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// run is the state of one validation. It is owned by a single goroutine.
type run struct {
	chain   types.Chain
	network types.NetworkTier
	trace   *types.Trace
	outcome *types.ValidationOutcome
	reason  string
	started time.Time
	s       *settings
	logger  logger.Logger
}

func (s *settings) newRun(ctx context.Context, chain types.Chain) *run {
	fields := map[string]any{"chain": chain.String()}
	if id := requestID(ctx); id != "" {
		fields["request_id"] = id
	}
	return &run{
		chain:   chain,
		trace:   types.NewTrace(s.clock),
		outcome: &types.ValidationOutcome{Chain: chain},
		started: s.clock.Now(),
		s:       s,
		logger:  s.logger.With(fields),
	}
}

func (r *run) note(format string, args ...any) {
	r.trace.Add(format, args...)
}

func (r *run) setNetwork(n types.NetworkTier) {
	r.network = n
	r.outcome.Network = n.String()
	r.logger = r.logger.With(map[string]any{"network": n.String()})
}

func (r *run) labels() map[string]string {
	return metrics.Labels(r.chain.String(), r.network.String())
}

// stage opens a span and returns a func that closes it and records latency.
func (r *run) stage(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := tracing.StartStage(ctx, r.s.tracer, name, r.chain.String(), r.network.String())
	start := r.s.clock.Now()
	return ctx, func(err error) {
		r.s.metrics.ObserveLatency(name, r.s.clock.Since(start), r.labels())
		tracing.EndStage(span, err)
	}
}

func (r *run) succeed() *types.ValidationOutcome {
	r.outcome.Status = types.StatusSuccess
	r.outcome.Error = ""
	return r.outcome
}

func (r *run) paymentRequired(reason, msg string) *types.ValidationOutcome {
	r.reason = reason
	r.outcome.Status = types.StatusPaymentRequired
	r.outcome.Error = msg
	return r.outcome
}

func (r *run) fail(reason, msg string) *types.ValidationOutcome {
	r.reason = reason
	r.outcome.Status = types.StatusFailure
	r.outcome.Error = msg
	return r.outcome
}

// recover converts a panic into a failure outcome.
func (r *run) recover(out **types.ValidationOutcome, reason string) {
	if p := recover(); p != nil {
		r.note("Unexpected error: %v", p)
		r.logger.Error("pipeline panicked", map[string]any{"panic": fmt.Sprint(p)})
		*out = r.fail(reason, fmt.Sprintf("Internal error: %v", p))
	}
}

// finish attaches the trace and reports the result.
func (r *run) finish(out *types.ValidationOutcome) {
	out.Trace = r.trace.Lines()

	labels := r.labels()
	r.s.metrics.IncCounter("validation_"+string(out.Status), labels)
	if r.reason != "" {
		r.s.metrics.IncCounter(r.reason, labels)
	}
	r.s.metrics.ObserveLatency("validate", r.s.clock.Since(r.started), labels)

	fields := map[string]any{
		"status":      string(out.Status),
		"duration_ms": r.s.clock.Since(r.started).Milliseconds(),
	}
	if out.SettlementID != "" {
		fields["settlement_id"] = out.SettlementID
	}
	if r.reason != "" {
		fields["reason"] = r.reason
	}
	switch out.Status {
	case types.StatusSuccess:
		r.logger.Info("payment settled", fields)
	case types.StatusPaymentRequired:
		r.logger.Info("payment required", fields)
	default:
		fields["error"] = out.Error
		r.logger.Warn("payment failed", fields)
	}
}

func sortedTiers[V any](m map[types.NetworkTier]V) []types.NetworkTier {
	out := make([]types.NetworkTier, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

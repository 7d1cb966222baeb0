// Package facilitator validates and settles x402 pay-to-call payments on
// Solana and Base. A protected API forwards the caller's signed transaction
// together with the price it expects; the facilitator answers success,
// payment_required or failure.
package facilitator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/decoder"
	"github.com/latinumai/x402-facilitator/logger"
	"github.com/latinumai/x402-facilitator/metrics"
	"github.com/latinumai/x402-facilitator/settlement"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLookupTimeout    = 5 * time.Second
	defaultBatchConcurrency = 8
)

// Facilitator dispatches validation requests to the pipeline of their chain.
type Facilitator struct {
	solana *settlement.SolanaPipeline
	base   *settlement.EVMPipeline

	logger           logger.Logger
	metrics          metrics.Recorder
	clock            clock.Clock
	timeout          time.Duration
	pollInterval     time.Duration
	confirmations    uint64
	cacheSize        int
	cacheTTL         time.Duration
	rps              float64
	burst            int
	solanaNetwork    types.NetworkTier
	baseNetwork      types.NetworkTier
	batchConcurrency int
}

// New creates a facilitator. feePayer co-signs Solana transactions and may
// be nil; Solana payments then fail at the co-sign stage.
func New(feePayer decoder.Signer, opts ...Option) *Facilitator {
	f := &Facilitator{
		logger:           logger.NoopLogger{},
		metrics:          metrics.NoopRecorder{},
		clock:            clock.New(),
		timeout:          defaultLookupTimeout,
		solanaNetwork:    types.NetworkMainnet,
		baseNetwork:      types.NetworkTestnet,
		batchConcurrency: defaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}

	resolverOpts := []tokens.ResolverOption{tokens.WithLookupTimeout(f.timeout)}
	if f.cacheSize > 0 && f.cacheTTL > 0 {
		resolverOpts = append(resolverOpts, tokens.WithCache(f.cacheSize, f.cacheTTL))
	}
	common := []settlement.Option{
		settlement.WithLogger(f.logger),
		settlement.WithMetrics(f.metrics),
		settlement.WithClock(f.clock),
		settlement.WithPollInterval(f.pollInterval),
		settlement.WithResolverOptions(resolverOpts...),
	}

	f.solana = settlement.NewSolanaPipeline(feePayer,
		append(common, settlement.WithDefaultNetwork(f.solanaNetwork))...)
	f.base = settlement.NewEVMPipeline(
		append(common[:len(common):len(common)],
			settlement.WithDefaultNetwork(f.baseNetwork),
			settlement.WithConfirmations(f.confirmations))...)
	return f
}

// AddNetwork dials rpcURL and registers it for chain and network.
func (f *Facilitator) AddNetwork(chain types.Chain, network types.NetworkTier, rpcURL string) error {
	switch chain {
	case types.ChainSolana:
		client, err := clients.NewSolanaClient(network, rpcURL, f.rps, f.burst)
		if err != nil {
			return fmt.Errorf("failed to create Solana client for %s: %w", network, err)
		}
		return f.AddSolanaClient(client)
	case types.ChainBase:
		client, err := clients.NewEVMClient(network, rpcURL, f.rps, f.burst)
		if err != nil {
			return fmt.Errorf("failed to create Base client for %s: %w", network, err)
		}
		if err := f.AddEVMClient(client); err != nil {
			client.Close()
			return err
		}
		return nil
	default:
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported chain: %s", chain),
		}
	}
}

// AddSolanaClient registers an already constructed Solana node.
func (f *Facilitator) AddSolanaClient(ledger clients.SolanaLedger) error {
	if err := f.solana.AddClient(ledger); err != nil {
		return err
	}
	f.logger.Info("solana network added", map[string]any{"network": ledger.Network().String()})
	return nil
}

// AddEVMClient registers an already constructed Base node.
func (f *Facilitator) AddEVMClient(ledger clients.EVMLedger) error {
	if err := f.base.AddClient(ledger); err != nil {
		return err
	}
	f.logger.Info("base network added", map[string]any{"network": ledger.Network().String()})
	return nil
}

// Validate settles one payment. It never returns nil.
func (f *Facilitator) Validate(ctx context.Context, req *types.ValidateRequest) *types.ValidationOutcome {
	id := uuid.NewString()
	ctx = settlement.ContextWithRequestID(ctx, id)

	if req == nil {
		return f.reject(id, "", "Empty validation request")
	}

	chain, err := types.ParseChain(req.Chain)
	if err != nil {
		name := strings.ToLower(strings.TrimSpace(req.Chain))
		if name == "" {
			return f.reject(id, name, `Missing chain field (expected "solana" or "base")`)
		}
		return f.reject(id, name, "Unsupported chain: "+name)
	}

	var out *types.ValidationOutcome
	switch chain {
	case types.ChainSolana:
		out = f.solana.Validate(ctx, req)
	case types.ChainBase:
		out = f.base.Validate(ctx, req)
	}
	out.RequestID = id
	return out
}

func (f *Facilitator) reject(id, chain, msg string) *types.ValidationOutcome {
	trace := types.NewTrace(f.clock)
	trace.Add("Rejected request: %s", msg)
	f.metrics.IncCounter("validation_"+string(types.StatusPaymentRequired), metrics.Labels(chain, ""))
	f.logger.Info("payment required", map[string]any{"request_id": id, "chain": chain, "error": msg})
	return &types.ValidationOutcome{
		Status:    types.StatusPaymentRequired,
		Error:     msg,
		Trace:     trace.Lines(),
		RequestID: id,
	}
}

// ValidateBatch validates reqs concurrently. Results keep the input order.
func (f *Facilitator) ValidateBatch(ctx context.Context, reqs []*types.ValidateRequest) []*types.ValidationOutcome {
	out := make([]*types.ValidationOutcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(f.batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			out[i] = f.Validate(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FeePayer returns the address that pays network fees on chain.
func (f *Facilitator) FeePayer(chain string) (*types.PayerAddressResponse, error) {
	c, err := types.ParseChain(chain)
	if err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: "Unsupported chain: " + strings.ToLower(strings.TrimSpace(chain)),
		}
	}
	switch c {
	case types.ChainSolana:
		key, ok := f.solana.FeePayer()
		if !ok {
			return nil, &types.X402Error{Code: types.ErrConfigError, Message: "Missing SOLANA_FEE_PAYER_PRIVATE_KEY"}
		}
		return &types.PayerAddressResponse{Chain: c, FeePayer: key.String()}, nil
	default:
		// Base payers submit fully signed transactions and pay their own gas.
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("Unsupported chain: %s", c),
		}
	}
}

// Supported lists the configured network tiers per chain.
func (f *Facilitator) Supported() map[types.Chain][]types.NetworkTier {
	return map[types.Chain][]types.NetworkTier{
		types.ChainSolana: f.solana.GetSupportedNetworks(),
		types.ChainBase:   f.base.GetSupportedNetworks(),
	}
}

// IsNetworkSupported checks if a network is configured for chain.
func (f *Facilitator) IsNetworkSupported(chain types.Chain, network types.NetworkTier) bool {
	switch chain {
	case types.ChainSolana:
		return f.solana.IsNetworkSupported(network)
	case types.ChainBase:
		return f.base.IsNetworkSupported(network)
	}
	return false
}

// Close closes all client connections
func (f *Facilitator) Close() {
	f.solana.Close()
	f.base.Close()
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_chains": []string{
			types.ChainSolana.String(), types.ChainBase.String(),
		},
		"supported_networks": []string{
			"mainnet", "devnet", "testnet",
		},
		"supported_standards": []string{
			"native", "spl", "erc20",
		},
	}
}

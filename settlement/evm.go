package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/latinumai/x402-facilitator/utils"
	"github.com/latinumai/x402-facilitator/verification"
)

const weiDecimals = 18

type evmNetwork struct {
	ledger   clients.EVMLedger
	resolver *tokens.Resolver
}

// EVMPipeline settles Base payments. Transactions arrive fully signed by
// the payer, so there is no co-sign stage.
type EVMPipeline struct {
	networks map[types.NetworkTier]*evmNetwork
	registry *tokens.Registry
	s        *settings
}

var _ Validator = (*EVMPipeline)(nil)

func NewEVMPipeline(opts ...Option) *EVMPipeline {
	return &EVMPipeline{
		networks: make(map[types.NetworkTier]*evmNetwork),
		registry: tokens.BaseRegistry(),
		s:        newSettings(types.NetworkTestnet, opts),
	}
}

// AddClient registers the node for the ledger's tier. Base has mainnet and
// Sepolia (testnet) only. Registering a tier again closes the previous node.
func (p *EVMPipeline) AddClient(ledger clients.EVMLedger) error {
	if ledger == nil {
		return &types.X402Error{Code: types.ErrConfigError, Message: "evm client is nil"}
	}
	if ledger.Network() == types.NetworkDevnet {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: "network devnet is not a Base network",
		}
	}
	if prev, ok := p.networks[ledger.Network()]; ok {
		if prev.ledger != ledger {
			prev.ledger.Close()
		}
		p.networks[ledger.Network()] = &evmNetwork{ledger: ledger, resolver: prev.resolver.Rebind(ledger)}
		return nil
	}
	p.networks[ledger.Network()] = &evmNetwork{
		ledger:   ledger,
		resolver: p.s.resolver(p.registry, ledger),
	}
	return nil
}

func (p *EVMPipeline) GetSupportedNetworks() []types.NetworkTier {
	return sortedTiers(p.networks)
}

func (p *EVMPipeline) IsNetworkSupported(n types.NetworkTier) bool {
	_, ok := p.networks[n]
	return ok
}

func (p *EVMPipeline) Close() {
	for _, n := range p.networks {
		n.ledger.Close()
		n.resolver.Close()
	}
}

// Validate broadcasts the payer's transaction, waits for it to be buried
// under the configured number of blocks and checks what it paid.
func (p *EVMPipeline) Validate(ctx context.Context, req *types.ValidateRequest) (out *types.ValidationOutcome) {
	r := p.s.newRun(ctx, types.ChainBase)
	defer func() { r.finish(out) }()
	defer r.recover(&out, clients.ErrUnexpectedSettleError)

	network, err := types.ParseNetworkTier(req.Network, p.s.defaultNetwork)
	if err != nil {
		r.note("Rejected network: %v", err)
		return r.paymentRequired(clients.ErrInvalidNetwork, err.Error())
	}
	r.setNetwork(network)
	n, ok := p.networks[network]
	if !ok {
		r.note("No Base node configured for %s", network)
		return r.paymentRequired(clients.ErrInvalidNetwork,
			fmt.Sprintf("Base %s is not supported by this facilitator", network))
	}
	r.note("Validating Base payment on %s", network)

	pr := p.price(ctx, n, req)
	r.note("Expecting %s", pr)

	payment, errs := utils.ParseEVMPayment(req, network)
	if len(errs) > 0 {
		for _, e := range errs {
			r.note("Input rejected: %s", e)
		}
		return r.paymentRequired(clients.ErrInvalidInput, paymentRequiredMessage(strings.Join(errs, "; "), pr))
	}

	if payment.RawHex == "" {
		r.note("No signed transaction supplied")
		return r.paymentRequired(clients.ErrInvalidEvmTransaction,
			paymentRequiredMessage("No signed transaction supplied", pr))
	}
	tx, err := decodeEVMTransaction(payment.RawHex)
	if err != nil {
		r.note("Decode failed: %v", err)
		return r.paymentRequired(clients.ErrInvalidEvmTransaction,
			paymentRequiredMessage("Invalid transaction: "+err.Error(), pr))
	}
	r.note("Decoded type %d transaction %s", tx.Type(), tx.Hash())

	from, err := senderOf(tx)
	if err != nil {
		r.note("Sender recovery failed: %v", err)
		return r.paymentRequired(clients.ErrInvalidEvmTransaction,
			paymentRequiredMessage("Invalid transaction signature: "+err.Error(), pr))
	}
	r.outcome.SubmitterIdentity = from.Hex()
	r.note("Signed by %s", from.Hex())

	if tx.Protected() {
		chainID, err := n.ledger.ChainID(ctx)
		if err != nil {
			r.note("Chain id query failed: %v", err)
			return r.fail(clients.ErrBroadcastFailed, "Network connection error: "+err.Error())
		}
		if tx.ChainId().Cmp(chainID) != 0 {
			r.note("Transaction chain id %s, node chain id %s", tx.ChainId(), chainID)
			return r.paymentRequired(clients.ErrInvalidEvmTransaction, paymentRequiredMessage(
				fmt.Sprintf("Transaction is signed for chain %s, expected %s", tx.ChainId(), chainID), pr))
		}
	}

	bctx, end := r.stage(ctx, "broadcast")
	err = n.ledger.SendTransaction(bctx, tx)
	end(err)
	if err != nil {
		kind := clients.ClassifyRPCError(err)
		r.note("Broadcast failed (%s): %v", kind, err)
		var rpcErr rpc.Error
		switch {
		case kind == "duplicate":
			r.note("Node already has the transaction, waiting for it")
		case kind == "nonce_used":
			return r.paymentRequired(clients.ErrInvalidEvmTransaction,
				paymentRequiredMessage("Transaction nonce already used: "+err.Error(), pr))
		case errors.As(err, &rpcErr):
			return r.paymentRequired(clients.ErrInvalidEvmTransaction,
				paymentRequiredMessage("Transaction rejected by node: "+err.Error(), pr))
		default:
			return r.fail(clients.ErrBroadcastFailed, "Network connection error: "+err.Error())
		}
	}
	hash := tx.Hash()
	r.outcome.SettlementID = hash.Hex()
	r.note("Broadcast transaction %s", hash.Hex())

	cctx, end := r.stage(ctx, "confirm")
	receipt, reason, err := p.waitConfirmations(cctx, r, n.ledger, hash)
	end(err)
	if err != nil {
		return r.fail(reason, err.Error())
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		r.note("Receipt status %d in block %s", receipt.Status, receipt.BlockNumber)
		return r.fail(clients.ErrSettledTransactionFailed, "Transaction failed")
	}

	settled, _, err := n.ledger.TransactionByHash(ctx, hash)
	if err != nil {
		r.note("Could not fetch settled transaction: %v", err)
		return r.fail(clients.ErrConfirmationFailed, "Settled transaction unavailable: "+err.Error())
	}

	m, ok := verification.MatchEVM(settled, receipt, &payment.Requirement)
	if !ok {
		r.note("No value transfer or Transfer log pays %s to %s", amountText(pr), payment.Requirement.Recipient)
		return r.paymentRequired(clients.ErrTransferMismatch,
			paymentRequiredMessage("Transfer mismatch or invalid format", pr))
	}

	r.outcome.AssetKind = m.Kind
	if m.Kind == types.AssetNative {
		r.outcome.AssetLabel = n.resolver.Label(ctx, "")
		r.note("Direct value transfer matched")
	} else {
		r.outcome.AssetLabel = n.resolver.Label(ctx, m.Token.Hex())
		r.note("Transfer log %d from %s matched", m.LogIndex, m.Token.Hex())
	}
	r.note("Payment settled")
	return r.succeed()
}

// waitConfirmations polls until the receipt's block is buried under
// confirmations blocks, counting its own.
func (p *EVMPipeline) waitConfirmations(
	ctx context.Context,
	r *run,
	ledger clients.EVMLedger,
	hash common.Hash,
) (*ethtypes.Receipt, string, error) {
	r.note("Waiting for %d confirmations", p.s.confirmations)
	for {
		receipt, err := ledger.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
		case err != nil:
			r.note("Receipt query failed: %v", err)
			return nil, clients.ErrConfirmationFailed, fmt.Errorf("Confirmation failed: %w", err)
		case receipt != nil && receipt.BlockNumber != nil:
			head, err := ledger.BlockNumber(ctx)
			if err != nil {
				r.note("Block number query failed: %v", err)
				return nil, clients.ErrConfirmationFailed, fmt.Errorf("Confirmation failed: %w", err)
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= p.s.confirmations {
				r.note("Mined in block %d, head %d", mined, head)
				return receipt, "", nil
			}
		}

		select {
		case <-ctx.Done():
			r.note("Stopped waiting: %v", ctx.Err())
			return nil, clients.ErrSettleTransactionConfirmationTimedOut,
				fmt.Errorf("Confirmation wait aborted: %w", ctx.Err())
		case <-p.s.clock.After(p.s.pollInterval):
		}
	}
}

func (p *EVMPipeline) price(ctx context.Context, n *evmNetwork, req *types.ValidateRequest) price {
	pr := price{recipient: req.ExpectedRecipient, rawAmount: req.Amount().String()}
	if v, err := req.Amount().Int(); err == nil {
		pr.amount = v
	}
	if pr.recipient == "" {
		pr.recipient = "(missing recipient)"
	}

	if req.Mint == "" {
		pr.label = n.resolver.Label(ctx, "")
		pr.decimals, pr.scaled = weiDecimals, true
		return pr
	}
	if utils.ValidateAddress(types.ChainBase, req.Mint) != nil {
		pr.label = utils.Truncate(req.Mint, 8)
		return pr
	}
	pr.label = n.resolver.Label(ctx, req.Mint)
	pr.decimals, pr.scaled = n.resolver.Decimals(ctx, req.Mint)
	return pr
}

func decodeEVMTransaction(rawHex string) (*ethtypes.Transaction, error) {
	raw, err := utils.DecodeHex(rawHex)
	if err != nil {
		return nil, err
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

func senderOf(tx *ethtypes.Transaction) (common.Address, error) {
	if !tx.Protected() {
		return ethtypes.Sender(ethtypes.HomesteadSigner{}, tx)
	}
	return ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
}

func amountText(p price) string {
	if p.amount == nil {
		return p.rawAmount
	}
	return p.amount.String()
}

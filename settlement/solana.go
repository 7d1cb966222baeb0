package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/decoder"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/latinumai/x402-facilitator/utils"
	"github.com/latinumai/x402-facilitator/verification"
)

const lamportDecimals = 9

type solanaNetwork struct {
	ledger   clients.SolanaLedger
	resolver *tokens.Resolver
}

// SolanaPipeline validates, co-signs, broadcasts and confirms Solana payments.
type SolanaPipeline struct {
	feePayer decoder.Signer
	networks map[types.NetworkTier]*solanaNetwork
	registry *tokens.Registry
	s        *settings
}

var _ Validator = (*SolanaPipeline)(nil)

// NewSolanaPipeline creates a pipeline. feePayer may be nil, in which case
// every payment that reaches the co-sign stage fails.
func NewSolanaPipeline(feePayer decoder.Signer, opts ...Option) *SolanaPipeline {
	return &SolanaPipeline{
		feePayer: feePayer,
		networks: make(map[types.NetworkTier]*solanaNetwork),
		registry: tokens.SolanaRegistry(),
		s:        newSettings(types.NetworkMainnet, opts),
	}
}

// AddClient registers the node used for the ledger's network tier.
// Registering a tier again closes the previous node.
func (p *SolanaPipeline) AddClient(ledger clients.SolanaLedger) error {
	if ledger == nil {
		return &types.X402Error{Code: types.ErrConfigError, Message: "solana client is nil"}
	}
	if prev, ok := p.networks[ledger.Network()]; ok {
		if prev.ledger != ledger {
			prev.ledger.Close()
		}
		p.networks[ledger.Network()] = &solanaNetwork{ledger: ledger, resolver: prev.resolver.Rebind(ledger)}
		return nil
	}
	p.networks[ledger.Network()] = &solanaNetwork{
		ledger:   ledger,
		resolver: p.s.resolver(p.registry, ledger),
	}
	return nil
}

// GetSupportedNetworks lists the configured tiers.
func (p *SolanaPipeline) GetSupportedNetworks() []types.NetworkTier {
	return sortedTiers(p.networks)
}

func (p *SolanaPipeline) IsNetworkSupported(n types.NetworkTier) bool {
	_, ok := p.networks[n]
	return ok
}

// FeePayer returns the co-signing address, if one is configured.
func (p *SolanaPipeline) FeePayer() (solana.PublicKey, bool) {
	if p.feePayer == nil {
		return solana.PublicKey{}, false
	}
	return p.feePayer.PublicKey(), true
}

func (p *SolanaPipeline) Close() {
	for _, n := range p.networks {
		n.ledger.Close()
		n.resolver.Close()
	}
}

// Validate runs the full settlement of one request.
func (p *SolanaPipeline) Validate(ctx context.Context, req *types.ValidateRequest) (out *types.ValidationOutcome) {
	r := p.s.newRun(ctx, types.ChainSolana)
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
		r.note("No Solana node configured for %s", network)
		return r.paymentRequired(clients.ErrInvalidNetwork,
			fmt.Sprintf("Solana %s is not supported by this facilitator", network))
	}
	r.note("Validating Solana payment on %s", network)

	pr := p.price(ctx, n, req)
	r.note("Expecting %s", pr)

	payment, errs := utils.ParseSolanaPayment(req, network)
	if len(errs) > 0 {
		for _, e := range errs {
			r.note("Input rejected: %s", e)
		}
		return r.paymentRequired(clients.ErrInvalidInput, paymentRequiredMessage(strings.Join(errs, "; "), pr))
	}
	req2 := &payment.Requirement

	raw := payment.Submitted.Raw
	if payment.Submitted.IsDetached() {
		submitter := solana.MustPublicKeyFromBase58(payment.Submitted.Submitter)
		if len(payment.Submitted.SubmitterSignature) != solana.SignatureLength {
			err = fmt.Errorf("signature must be %d bytes, got %d", solana.SignatureLength, len(payment.Submitted.SubmitterSignature))
		} else {
			raw, err = decoder.Reconstruct(submitter, payment.Submitted.Message, solana.SignatureFromBytes(payment.Submitted.SubmitterSignature))
		}
		if err != nil {
			r.note("Could not rebuild transaction from detached signature: %v", err)
			return r.paymentRequired(clients.ErrInvalidSvmTransaction,
				paymentRequiredMessage("Invalid signed message: "+err.Error(), pr))
		}
		r.note("Rebuilt transaction from message signed by %s", submitter)
	}

	_, end := r.stage(ctx, "decode")
	d, err := decoder.Decode(raw)
	end(err)
	if err != nil {
		r.note("Decode failed: %v", err)
		return r.paymentRequired(clients.ErrInvalidSvmTransaction,
			paymentRequiredMessage("Invalid transaction: "+err.Error(), pr))
	}
	if d.Fallback != nil {
		r.note("Versioned decode failed (%v), using legacy format", d.Fallback)
	}
	r.note("Decoded %s transaction with %d instructions", d.Format, len(d.Instructions))
	r.outcome.SubmitterIdentity = d.Submitter.String()

	matcher, err := verification.NewSolanaMatcher(req2)
	if err != nil {
		r.note("Invalid requirement: %v", err)
		return r.paymentRequired(clients.ErrInvalidInput, paymentRequiredMessage(err.Error(), pr))
	}
	if !req2.IsNative() {
		r.note("Expected token destination %s (associated account of %s)", matcher.Destination(), matcher.Recipient())
	}

	feeKey, _ := p.FeePayer()
	_, end = r.stage(ctx, "verify")
	t, rej := verification.VerifyInstructions(matcher, d.Instructions, feeKey)
	end(rejectionErr(rej))
	if rej != nil {
		r.note("Pre-sign check failed: %s", rej.Message)
		return r.paymentRequired(rej.Reason, paymentRequiredMessage(rej.Message, pr))
	}
	r.note("Instruction %d pays %d to %s", t.Index, t.Amount, t.Destination)

	signed, out := p.cosign(ctx, r, d, pr)
	if out != nil {
		return out
	}

	bctx, end := r.stage(ctx, "broadcast")
	sig, err := n.ledger.SendRawTransaction(bctx, signed)
	end(err)
	if err != nil {
		r.note("Broadcast failed (%s): %v", clients.ClassifyRPCError(err), err)
		return r.fail(clients.ErrBroadcastFailed, "Transaction send failed: "+err.Error())
	}
	r.outcome.SettlementID = sig.String()
	r.note("Broadcast transaction %s", sig)

	cctx, end := r.stage(ctx, "confirm")
	reason, err := p.confirm(cctx, r, n.ledger, sig)
	end(err)
	if err != nil {
		return r.fail(reason, err.Error())
	}

	vctx, end := r.stage(ctx, "settled_verify")
	reason, err = p.verifySettled(vctx, r, n.ledger, sig, matcher)
	end(err)
	if err != nil {
		return r.fail(reason, err.Error())
	}

	r.outcome.AssetLabel = pr.label
	r.outcome.AssetKind = types.AssetNative
	if !req2.IsNative() {
		r.outcome.AssetKind = types.AssetToken
	}
	r.note("Payment settled")
	return r.succeed()
}

// cosign returns the bytes to broadcast, or a terminal outcome.
func (p *SolanaPipeline) cosign(ctx context.Context, r *run, d *decoder.Decoded, pr price) ([]byte, *types.ValidationOutcome) {
	if p.feePayer == nil {
		r.note("No fee payer key configured")
		return nil, r.fail(clients.ErrFeePayerNotConfigured, "Fee payer is not configured")
	}
	feeKey := p.feePayer.PublicKey()

	_, end := r.stage(ctx, "cosign")
	var err error
	defer func() { end(err) }()

	missing, err := decoder.MissingSignatures(d, feeKey)
	if err != nil {
		return nil, r.fail(clients.ErrUnexpectedSettleError, err.Error())
	}
	if len(missing) > 0 {
		keys := make([]string, len(missing))
		for i, k := range missing {
			keys[i] = k.String()
		}
		r.note("Missing signatures from %s", strings.Join(keys, ", "))
		return nil, r.paymentRequired(clients.ErrTransactionSignerMissingSignatures,
			paymentRequiredMessage("Transaction is missing signatures from "+strings.Join(keys, ", "), pr))
	}

	if decoder.SignerIndex(&d.Tx.Message, feeKey) < 0 {
		r.note("Fee payer %s is not a signer, broadcasting as submitted", feeKey)
		raw, serr := decoder.Serialize(d)
		if serr != nil {
			err = serr
			return nil, r.fail(clients.ErrUnexpectedSettleError, "Could not encode transaction: "+serr.Error())
		}
		return raw, nil
	}

	raw, err := decoder.Cosign(d, p.feePayer)
	if err != nil {
		r.note("Co-sign failed: %v", err)
		return nil, r.fail(clients.ErrUnexpectedSettleError, "Fee payer signing failed: "+err.Error())
	}
	r.note("Co-signed as fee payer %s (%s format)", feeKey, d.Format)
	return raw, nil
}

// confirm polls until the signature is confirmed or its blockhash expires.
func (p *SolanaPipeline) confirm(ctx context.Context, r *run, ledger clients.SolanaLedger, sig solana.Signature) (string, error) {
	bh, err := ledger.LatestBlockhash(ctx)
	if err != nil {
		r.note("Could not fetch blockhash: %v", err)
		return clients.ErrConfirmationFailed, fmt.Errorf("Confirmation failed: %w", err)
	}
	r.note("Waiting for confirmation until block height %d", bh.LastValidBlockHeight)

	for {
		st, err := ledger.SignatureStatus(ctx, sig)
		if err != nil {
			r.note("Status query failed: %v", err)
			return clients.ErrConfirmationFailed, fmt.Errorf("Confirmation failed: %w", err)
		}
		if st != nil {
			if st.Err != nil {
				r.note("Transaction failed on-chain: %v", st.Err)
				return clients.ErrSettledTransactionFailed, fmt.Errorf("Transaction failed on-chain: %v", st.Err)
			}
			if st.IsConfirmed() {
				r.note("Confirmed (%s) in slot %d", st.Confirmation, st.Slot)
				return "", nil
			}
		}

		height, err := ledger.BlockHeight(ctx)
		if err != nil {
			r.note("Block height query failed: %v", err)
			return clients.ErrConfirmationFailed, fmt.Errorf("Confirmation failed: %w", err)
		}
		if height > bh.LastValidBlockHeight {
			r.note("Block height %d passed %d before confirmation", height, bh.LastValidBlockHeight)
			return clients.ErrSettleBlockHeightExceeded, errors.New("Transaction expired before confirmation")
		}

		select {
		case <-ctx.Done():
			r.note("Stopped waiting: %v", ctx.Err())
			return clients.ErrSettleTransactionConfirmationTimedOut,
				fmt.Errorf("Confirmation wait aborted: %w", ctx.Err())
		case <-p.s.clock.After(p.s.pollInterval):
		}
	}
}

func (p *SolanaPipeline) verifySettled(
	ctx context.Context,
	r *run,
	ledger clients.SolanaLedger,
	sig solana.Signature,
	matcher *verification.SolanaMatcher,
) (string, error) {
	settled, err := ledger.GetTransaction(ctx, sig)
	if err != nil {
		r.note("Could not fetch settled transaction: %v", err)
		return clients.ErrSettledTransactionMismatch, fmt.Errorf("Settled transaction unavailable: %w", err)
	}
	if settled.ExecErr != nil {
		r.note("Settled transaction carries execution error: %v", settled.ExecErr)
		return clients.ErrSettledTransactionFailed, fmt.Errorf("Transaction failed on-chain: %v", settled.ExecErr)
	}
	ixs, err := decoder.Normalize(&settled.Tx.Message)
	if err != nil {
		r.note("Settled transaction unreadable: %v", err)
		return clients.ErrSettledTransactionMismatch, fmt.Errorf("Settled transaction unreadable: %w", err)
	}
	t, rej := verification.VerifySettled(matcher, ixs)
	if rej != nil {
		r.note("Post-confirmation check failed: %s", rej.Message)
		return rej.Reason, rej
	}
	r.note("Settled instruction %d in slot %d pays %d to %s", t.Index, settled.Slot, t.Amount, t.Destination)
	return "", nil
}

// price is best effort: fields the caller got wrong are shown as sent.
func (p *SolanaPipeline) price(ctx context.Context, n *solanaNetwork, req *types.ValidateRequest) price {
	pr := price{recipient: req.ExpectedRecipient, rawAmount: req.Amount().String()}
	if v, err := req.Amount().Int(); err == nil {
		pr.amount = v
	}
	if pr.recipient == "" {
		pr.recipient = "(missing recipient)"
	}

	if req.Mint == "" {
		pr.label = n.resolver.Label(ctx, "")
		pr.decimals, pr.scaled = lamportDecimals, true
		return pr
	}
	if utils.ValidateAddress(types.ChainSolana, req.Mint) != nil {
		pr.label = utils.Truncate(req.Mint, 8)
		return pr
	}
	pr.label = n.resolver.Label(ctx, req.Mint)
	pr.decimals, pr.scaled = n.resolver.Decimals(ctx, req.Mint)
	return pr
}

func rejectionErr(rej *verification.Rejection) error {
	if rej == nil {
		return nil
	}
	return rej
}

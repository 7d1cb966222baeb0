package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
)

// Broadcast settings for co-signed payments.
const (
	broadcastMaxRetries = uint(3)
	broadcastCommitment = rpc.CommitmentConfirmed
)

var maxSupportedTxVersion = uint64(0)

// SolanaClient adapts a Solana JSON-RPC endpoint to SolanaLedger.
type SolanaClient struct {
	network types.NetworkTier
	rpcURL  string
	client  *rpc.Client
	limiter *limiter
}

var _ SolanaLedger = (*SolanaClient)(nil)

// NewSolanaClient creates a rate-limited Solana client.
func NewSolanaClient(network types.NetworkTier, rpcURL string, rps float64, burst int) (*SolanaClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("solana %s: empty rpc url", network)
	}
	return &SolanaClient{
		network: network,
		rpcURL:  rpcURL,
		client:  rpc.New(rpcURL),
		limiter: newLimiter(rps, burst),
	}, nil
}

// SendRawTransaction submits with preflight on, "confirmed" preflight
// commitment and at most three node-side retries.
func (c *SolanaClient) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	retries := broadcastMaxRetries
	sig, err := c.client.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: broadcastCommitment,
		MaxRetries:          &retries,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}
	return sig, nil
}

func (c *SolanaClient) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.client.GetLatestBlockhash(ctx, broadcastCommitment)
	if err != nil {
		return nil, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("getLatestBlockhash: empty result")
	}
	return &Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (c *SolanaClient) BlockHeight(ctx context.Context) (uint64, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return 0, err
	}
	h, err := c.client.GetBlockHeight(ctx, broadcastCommitment)
	if err != nil {
		return 0, fmt.Errorf("getBlockHeight: %w", err)
	}
	return h, nil
}

// SignatureStatus returns nil, nil when the node has not seen sig yet.
func (c *SolanaClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.client.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	v := out.Value[0]
	return &SignatureStatus{
		Slot:         v.Slot,
		Confirmation: v.ConfirmationStatus,
		Err:          v.Err,
	}, nil
}

// GetTransaction fetches a confirmed transaction, legacy or v0.
func (c *SolanaClient) GetTransaction(ctx context.Context, sig solana.Signature) (*SettledTransaction, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     broadcastCommitment,
		MaxSupportedTransactionVersion: &maxSupportedTxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("getTransaction %s: %w", sig, err)
	}
	if out == nil || out.Transaction == nil {
		return nil, fmt.Errorf("getTransaction %s: %w", sig, rpc.ErrNotFound)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode settled transaction %s: %w", sig, err)
	}

	settled := &SettledTransaction{Slot: out.Slot, Tx: tx}
	if out.Meta != nil {
		settled.ExecErr = out.Meta.Err
	}
	return settled, nil
}

type parsedMint struct {
	Parsed struct {
		Type string `json:"type"`
		Info struct {
			Decimals   *uint8 `json:"decimals"`
			Symbol     string `json:"symbol"`
			Extensions []struct {
				Extension string `json:"extension"`
				State     struct {
					Symbol string `json:"symbol"`
				} `json:"state"`
			} `json:"extensions"`
		} `json:"info"`
	} `json:"parsed"`
}

// TokenMetadata reads a mint account in jsonParsed form. Symbols come from
// the parsed info or the token-2022 metadata extension when present.
func (c *SolanaClient) TokenMetadata(ctx context.Context, id string) (*tokens.Metadata, error) {
	mint, err := solana.PublicKeyFromBase58(id)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", id, err)
	}
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.client.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingJSONParsed,
		Commitment: broadcastCommitment,
	})
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", id, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", id, rpc.ErrNotFound)
	}

	raw := out.Value.Data.GetRawJSON()
	if len(raw) == 0 {
		return nil, errors.New("mint account is not parsable")
	}
	var pm parsedMint
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, fmt.Errorf("decode mint %s: %w", id, err)
	}
	if pm.Parsed.Type != "mint" || pm.Parsed.Info.Decimals == nil {
		return nil, fmt.Errorf("account %s is not a token mint", id)
	}

	md := &tokens.Metadata{
		Symbol:   pm.Parsed.Info.Symbol,
		Decimals: *pm.Parsed.Info.Decimals,
	}
	if md.Symbol == "" {
		for _, ext := range pm.Parsed.Info.Extensions {
			if ext.Extension == "tokenMetadata" && ext.State.Symbol != "" {
				md.Symbol = ext.State.Symbol
				break
			}
		}
	}
	return md, nil
}

func (c *SolanaClient) Network() types.NetworkTier { return c.network }

func (c *SolanaClient) Close() {
	_ = c.client.Close()
}

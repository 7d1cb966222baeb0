package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
)

// Blockhash is a recent blockhash and the last block height at which
// transactions referencing it can still land.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the node's view of a broadcast transaction.
type SignatureStatus struct {
	Slot         uint64
	Confirmation rpc.ConfirmationStatusType
	Err          any
}

// IsConfirmed reports whether the status has reached at least "confirmed".
func (s *SignatureStatus) IsConfirmed() bool {
	return s.Confirmation == rpc.ConfirmationStatusConfirmed ||
		s.Confirmation == rpc.ConfirmationStatusFinalized
}

// SettledTransaction is a transaction as executed by the cluster.
type SettledTransaction struct {
	Slot    uint64
	Tx      *solana.Transaction
	ExecErr any
}

// SolanaLedger is the subset of Solana RPC used to settle a payment.
type SolanaLedger interface {
	tokens.MetadataSource

	SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	LatestBlockhash(ctx context.Context) (*Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*SettledTransaction, error)
	Network() types.NetworkTier
	Close()
}

// EVMLedger is the subset of EVM JSON-RPC used to settle a payment.
type EVMLedger interface {
	tokens.MetadataSource

	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Network() types.NetworkTier
	Close()
}

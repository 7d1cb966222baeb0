package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/latinumai/x402-facilitator/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseRecipient = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	sepoliaUSDC   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

type nodeError struct{ msg string }

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return -32000 }

type evmFixture struct {
	key      *ecdsa.PrivateKey
	ledger   *fakeEVM
	metrics  *countingRecorder
	pipeline *EVMPipeline
}

func newEVMFixture(t *testing.T, opts ...Option) *evmFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &evmFixture{
		key:     key,
		ledger:  newFakeEVM(types.NetworkTestnet),
		metrics: newCountingRecorder(),
	}
	opts = append([]Option{WithClock(clock.NewMock()), WithMetrics(f.metrics)}, opts...)
	f.pipeline = NewEVMPipeline(opts...)
	require.NoError(t, f.pipeline.AddClient(f.ledger))
	return f
}

func (f *evmFixture) signed(t *testing.T, to common.Address, wei int64) *ethtypes.Transaction {
	t.Helper()
	tx, err := ethtypes.SignNewTx(f.key, ethtypes.LatestSignerForChainID(f.ledger.chainID), &ethtypes.DynamicFeeTx{
		ChainID:   f.ledger.chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       60000,
		To:        &to,
		Value:     big.NewInt(wei),
	})
	require.NoError(t, err)
	return tx
}

func request(t *testing.T, tx *ethtypes.Transaction, recipient, amount string) *types.ValidateRequest {
	t.Helper()
	req := &types.ValidateRequest{
		Chain:             "base",
		ExpectedRecipient: recipient,
		ExpectedAmountWei: types.NewAtomicAmount(amount),
	}
	if tx != nil {
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		req.SignedTransactionHex = hexutil.Encode(raw)
	}
	return req
}

func minedReceipt(logs ...*ethtypes.Log) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        logs,
	}
}

func usdcTransfer(from, to common.Address, amount int64) *ethtypes.Log {
	return &ethtypes.Log{
		Address: sepoliaUSDC,
		Topics: []common.Hash{
			verification.TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:  common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		Index: 3,
	}
}

func TestEVMPipeline_NativeSuccess(t *testing.T) {
	f := newEVMFixture(t)
	f.ledger.receipt = minedReceipt()
	tx := f.signed(t, baseRecipient, 1000)

	out := f.pipeline.Validate(context.Background(), request(t, tx, baseRecipient.Hex(), "1000"))
	require.Equal(t, types.StatusSuccess, out.Status, out.Error)
	assert.Equal(t, tx.Hash().Hex(), out.SettlementID)
	assert.Equal(t, types.AssetNative, out.AssetKind)
	assert.Equal(t, "ETH", out.AssetLabel)
	assert.Equal(t, crypto.PubkeyToAddress(f.key.PublicKey).Hex(), out.SubmitterIdentity)
	assert.Equal(t, "testnet", out.Network)
	assert.Equal(t, 1, f.ledger.sentCount())
}

func TestEVMPipeline_TokenLogMatches(t *testing.T) {
	f := newEVMFixture(t)
	tx := f.signed(t, sepoliaUSDC, 0)
	from := crypto.PubkeyToAddress(f.key.PublicKey)
	f.ledger.receipt = minedReceipt(usdcTransfer(from, baseRecipient, 2_500_000))

	out := f.pipeline.Validate(context.Background(), request(t, tx, baseRecipient.Hex(), "2500000"))
	require.Equal(t, types.StatusSuccess, out.Status, out.Error)
	assert.Equal(t, types.AssetToken, out.AssetKind)
	assert.Equal(t, "USDC", out.AssetLabel)
}

func TestEVMPipeline_InvalidRecipient(t *testing.T) {
	f := newEVMFixture(t)
	out := f.pipeline.Validate(context.Background(), request(t, f.signed(t, baseRecipient, 1), "not-an-address", "1"))

	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "Invalid recipient address")
	assert.Zero(t, f.ledger.sentCount())
}

func TestEVMPipeline_MissingOrMalformedTransaction(t *testing.T) {
	f := newEVMFixture(t)

	out := f.pipeline.Validate(context.Background(), request(t, nil, baseRecipient.Hex(), "1000"))
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "latinum-wallet")
	assert.Contains(t, out.Error, baseRecipient.Hex())

	req := request(t, nil, baseRecipient.Hex(), "1000")
	req.SignedTransactionHex = "0xzz"
	out = f.pipeline.Validate(context.Background(), req)
	assert.Equal(t, types.StatusPaymentRequired, out.Status)

	req.SignedTransactionHex = "0x02c0"
	out = f.pipeline.Validate(context.Background(), req)
	assert.Equal(t, types.StatusPaymentRequired, out.Status)

	assert.Zero(t, f.ledger.sentCount())
	assert.Equal(t, 3, f.metrics.count(clients.ErrInvalidEvmTransaction))
}

func TestEVMPipeline_BroadcastErrors(t *testing.T) {
	f := newEVMFixture(t)
	f.ledger.sendErr = errors.New("dial tcp 127.0.0.1:8545: connection refused")
	out := f.pipeline.Validate(context.Background(), request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1"))
	assert.Equal(t, types.StatusFailure, out.Status)
	assert.Contains(t, out.Error, "connection refused")

	f.ledger.sendErr = nodeError{"insufficient funds for gas * price + value"}
	out = f.pipeline.Validate(context.Background(), request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1"))
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "insufficient funds")
}

func TestEVMPipeline_AlreadyKnownKeepsWaiting(t *testing.T) {
	f := newEVMFixture(t)
	tx := f.signed(t, baseRecipient, 1)
	f.ledger.sendErr = nodeError{"already known"}
	f.ledger.sent = []*ethtypes.Transaction{tx}
	f.ledger.receipt = minedReceipt()

	out := f.pipeline.Validate(context.Background(), request(t, tx, baseRecipient.Hex(), "1"))
	require.Equal(t, types.StatusSuccess, out.Status, out.Error)
}

func TestEVMPipeline_NonceTooLowRejectsImmediately(t *testing.T) {
	f := newEVMFixture(t)
	f.ledger.sendErr = nodeError{"nonce too low: next nonce 8, tx nonce 7"}
	f.ledger.receipt = minedReceipt()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := f.pipeline.Validate(ctx, request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1"))

	require.NoError(t, ctx.Err(), "pipeline waited for a transaction the node never accepted")
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "Transaction nonce already used")
	assert.Empty(t, out.SettlementID)
	for _, line := range out.Trace {
		assert.NotContains(t, line, "Waiting for")
	}
}

func TestEVMPipeline_RevertedReceipt(t *testing.T) {
	f := newEVMFixture(t)
	f.ledger.receipt = minedReceipt()
	f.ledger.receipt.Status = ethtypes.ReceiptStatusFailed

	out := f.pipeline.Validate(context.Background(), request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1"))
	assert.Equal(t, types.StatusFailure, out.Status)
	assert.Equal(t, "Transaction failed", out.Error)
	assert.NotEmpty(t, out.SettlementID)
}

func TestEVMPipeline_MismatchIsPaymentRequired(t *testing.T) {
	f := newEVMFixture(t)
	f.ledger.receipt = minedReceipt()

	out := f.pipeline.Validate(context.Background(), request(t, f.signed(t, baseRecipient, 999), baseRecipient.Hex(), "1000"))
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "Transfer mismatch or invalid format")
	assert.NotEmpty(t, out.SettlementID)
}

func TestEVMPipeline_ChainIDMismatch(t *testing.T) {
	f := newEVMFixture(t)
	tx := f.signed(t, baseRecipient, 1)
	f.ledger.chainID = big.NewInt(8453)

	out := f.pipeline.Validate(context.Background(), request(t, tx, baseRecipient.Hex(), "1"))
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Contains(t, out.Error, "84532")
	assert.Zero(t, f.ledger.sentCount())
}

func TestEVMPipeline_WaitsForConfirmations(t *testing.T) {
	f := newEVMFixture(t, WithClock(clock.New()), WithPollInterval(time.Millisecond), WithConfirmations(3))
	f.ledger.pending = 2
	f.ledger.receipt = minedReceipt()
	f.ledger.head = 101

	req := request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1")
	done := make(chan *types.ValidationOutcome, 1)
	go func() {
		done <- f.pipeline.Validate(context.Background(), req)
	}()

	// head 101 is only two blocks deep
	select {
	case out := <-done:
		t.Fatalf("settled too early: %+v", out)
	case <-time.After(30 * time.Millisecond):
	}

	f.ledger.mu.Lock()
	f.ledger.head = 102
	f.ledger.mu.Unlock()

	select {
	case out := <-done:
		require.Equal(t, types.StatusSuccess, out.Status, out.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation wait did not finish")
	}
}

func TestEVMPipeline_Networks(t *testing.T) {
	f := newEVMFixture(t)
	assert.Error(t, f.pipeline.AddClient(newFakeEVM(types.NetworkDevnet)))
	assert.Equal(t, []types.NetworkTier{types.NetworkTestnet}, f.pipeline.GetSupportedNetworks())

	req := request(t, f.signed(t, baseRecipient, 1), baseRecipient.Hex(), "1")
	req.Network = "mainnet"
	out := f.pipeline.Validate(context.Background(), req)
	assert.Equal(t, types.StatusPaymentRequired, out.Status)
	assert.Equal(t, 1, f.metrics.count(clients.ErrInvalidNetwork))

	f.pipeline.Close()
	assert.True(t, f.ledger.closed)
}

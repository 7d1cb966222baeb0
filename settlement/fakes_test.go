package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/tokens"
	"github.com/latinumai/x402-facilitator/types"
)

type fakeSolana struct {
	mu sync.Mutex

	network   types.NetworkTier
	sendErr   error
	sendPanic bool
	sent      [][]byte

	// statuses are returned in order; the last one repeats.
	statuses  []*clients.SignatureStatus
	statusN   int
	height    uint64
	lastValid uint64

	// settle rewrites what the node reports as executed.
	settle func(*solana.Transaction) *clients.SettledTransaction
	getErr error

	metadata map[string]*tokens.Metadata
	lookups  int
	closed   bool
}

var _ clients.SolanaLedger = (*fakeSolana)(nil)

func newFakeSolana(network types.NetworkTier) *fakeSolana {
	return &fakeSolana{
		network:   network,
		statuses:  []*clients.SignatureStatus{{Slot: 77, Confirmation: rpc.ConfirmationStatusConfirmed}},
		height:    100,
		lastValid: 250,
		metadata:  map[string]*tokens.Metadata{},
	}
}

func (f *fakeSolana) SendRawTransaction(_ context.Context, raw []byte) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendPanic {
		panic("node exploded")
	}
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, raw)
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, err
	}
	return tx.Signatures[0], nil
}

func (f *fakeSolana) LatestBlockhash(context.Context) (*clients.Blockhash, error) {
	return &clients.Blockhash{Hash: solana.Hash{1}, LastValidBlockHeight: f.lastValid}, nil
}

func (f *fakeSolana) BlockHeight(context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeSolana) SignatureStatus(context.Context, solana.Signature) (*clients.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.statusN
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusN++
	return f.statuses[i], nil
}

func (f *fakeSolana) GetTransaction(context.Context, solana.Signature) (*clients.SettledTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.sent) == 0 {
		return nil, rpc.ErrNotFound
	}
	tx, err := solana.TransactionFromBytes(f.sent[len(f.sent)-1])
	if err != nil {
		return nil, err
	}
	if f.settle != nil {
		return f.settle(tx), nil
	}
	return &clients.SettledTransaction{Slot: 77, Tx: tx}, nil
}

func (f *fakeSolana) TokenMetadata(_ context.Context, id string) (*tokens.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if md, ok := f.metadata[id]; ok {
		return md, nil
	}
	return nil, errors.New("account not found")
}

func (f *fakeSolana) Network() types.NetworkTier { return f.network }

func (f *fakeSolana) Close() { f.closed = true }

func (f *fakeSolana) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEVM struct {
	mu sync.Mutex

	network types.NetworkTier
	chainID *big.Int
	sendErr error
	sent    []*ethtypes.Transaction

	// pending receipt polls before the receipt appears
	pending int
	receipt *ethtypes.Receipt
	head    uint64

	metadata map[string]*tokens.Metadata
	closed   bool
}

var _ clients.EVMLedger = (*fakeEVM)(nil)

func newFakeEVM(network types.NetworkTier) *fakeEVM {
	return &fakeEVM{
		network:  network,
		chainID:  big.NewInt(84532),
		head:     102,
		metadata: map[string]*tokens.Metadata{},
	}
}

func (f *fakeEVM) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVM) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeEVM) TransactionByHash(_ context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeEVM) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeEVM) TokenMetadata(_ context.Context, id string) (*tokens.Metadata, error) {
	if md, ok := f.metadata[id]; ok {
		return md, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeEVM) Network() types.NetworkTier { return f.network }

func (f *fakeEVM) Close() { f.closed = true }

func (f *fakeEVM) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// countingRecorder keeps counter totals by name.
type countingRecorder struct {
	mu       sync.Mutex
	counters map[string]int
	latency  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counters: map[string]int{}, latency: map[string]int{}}
}

func (c *countingRecorder) IncCounter(name string, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
}

func (c *countingRecorder) ObserveLatency(name string, _ time.Duration, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency[name]++
}

func (c *countingRecorder) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

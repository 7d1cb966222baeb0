// Package feepayer holds the service key that co-signs Solana transactions
// so that the facilitator, not the submitter, pays network fees.
package feepayer

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/config"
	"github.com/latinumai/x402-facilitator/types"
)

// ErrNotConfigured is returned by Load when no key source is set.
var ErrNotConfigured = errors.New("missing SOLANA_FEE_PAYER_PRIVATE_KEY")

// Key is an immutable signing key. It is loaded once at startup and shared
// read-only by every request.
type Key struct {
	private solana.PrivateKey
	public  solana.PublicKey
}

// New validates pk and derives its public key.
func New(pk solana.PrivateKey) (*Key, error) {
	if len(pk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("fee payer key must be %d bytes, got %d", ed25519.PrivateKeySize, len(pk))
	}
	seed := ed25519.PrivateKey(pk).Seed()
	derived := ed25519.NewKeyFromSeed(seed)
	if !ed25519.PublicKey(derived[32:]).Equal(ed25519.PublicKey(pk[32:])) {
		return nil, fmt.Errorf("fee payer key has an inconsistent public half")
	}

	owned := make(solana.PrivateKey, len(pk))
	copy(owned, pk)
	return &Key{private: owned, public: owned.PublicKey()}, nil
}

// FromBase58 parses a base58-encoded 64-byte secret key.
func FromBase58(s string) (*Key, error) {
	pk, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("decode fee payer key: %w", err)
	}
	return New(pk)
}

// FromKeygenFile reads a solana-keygen JSON keypair file.
func FromKeygenFile(path string) (*Key, error) {
	pk, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee payer keypair %s: %w", path, err)
	}
	return New(pk)
}

// Load picks the base58 key first, then the keypair file.
func Load(cfg config.FeePayerConfig) (*Key, error) {
	var (
		k   *Key
		err error
	)
	switch {
	case cfg.PrivateKeyBase58 != "":
		k, err = FromBase58(cfg.PrivateKeyBase58)
	case cfg.KeypairPath != "":
		k, err = FromKeygenFile(cfg.KeypairPath)
	default:
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: err.Error()}
	}
	return k, nil
}

func (k *Key) PublicKey() solana.PublicKey {
	return k.public
}

// Sign signs msg with the fee payer key.
func (k *Key) Sign(msg []byte) (solana.Signature, error) {
	return k.private.Sign(msg)
}

func (k *Key) String() string {
	return k.public.String()
}

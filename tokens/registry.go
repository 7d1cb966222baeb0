package tokens

import "strings"

// Registry maps asset identifiers to display labels. It is built once and
// only read afterwards, so it is safe for concurrent use.
type Registry struct {
	labels     map[string]string
	foldCase   bool
	nativeName string
}

// NewRegistry copies labels. EVM registries fold case because contract
// addresses are compared case-insensitively.
func NewRegistry(native string, labels map[string]string, foldCase bool) *Registry {
	m := make(map[string]string, len(labels))
	for k, v := range labels {
		if foldCase {
			k = strings.ToLower(k)
		}
		m[k] = v
	}
	return &Registry{labels: m, foldCase: foldCase, nativeName: native}
}

// Lookup returns the label for id.
func (r *Registry) Lookup(id string) (string, bool) {
	if r == nil {
		return "", false
	}
	if r.foldCase {
		id = strings.ToLower(id)
	}
	l, ok := r.labels[id]
	return l, ok
}

// Native is the label of the chain's native asset.
func (r *Registry) Native() string {
	if r == nil {
		return ""
	}
	return r.nativeName
}

// SolanaRegistry holds well-known SPL mints.
func SolanaRegistry() *Registry {
	return NewRegistry("SOL", map[string]string{
		"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
		"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT",
		"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": "RAY",
		"SRMuApVNdxXokk5GT7XD5cUUgXMBCoAz2LHeuAoKWRt":  "SRM",
		"EchesyfXePKdLtoiZSL8pBe8Myagyy8ZRqsACNCFGnvp": "FIDA",
		"So11111111111111111111111111111111111111112":  "wSOL",
		// devnet USDC
		"4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU": "USDC",
	}, false)
}

// BaseRegistry holds well-known ERC-20 contracts on Base and Base Sepolia.
func BaseRegistry() *Registry {
	return NewRegistry("ETH", map[string]string{
		"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913": "USDC",
		"0x036CbD53842c5426634e7929541eC2318f3dCF7e": "USDC",
		"0x4200000000000000000000000000000000000006": "WETH",
	}, true)
}

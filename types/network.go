package types

import (
	"fmt"
	"strings"
)

// Chain is the closed set of ledgers the facilitator settles on.
type Chain string

const (
	ChainSolana Chain = "solana"
	ChainBase   Chain = "base"
)

// ParseChain normalizes a chain discriminator from a request.
func ParseChain(s string) (Chain, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch Chain(s) {
	case ChainSolana, ChainBase:
		return Chain(s), nil
	case "":
		return "", &X402Error{
			Code:    ErrUnsupportedNetwork,
			Message: `missing chain field (expected "solana" or "base")`,
		}
	default:
		return "", &X402Error{
			Code:    ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported chain: %s", s),
		}
	}
}

func (c Chain) String() string {
	return string(c)
}

// NetworkTier selects which deployment of a chain a request targets.
type NetworkTier string

const (
	NetworkMainnet NetworkTier = "mainnet"
	NetworkDevnet  NetworkTier = "devnet"
	NetworkTestnet NetworkTier = "testnet"
)

// ParseNetworkTier returns def when s is empty.
func ParseNetworkTier(s string, def NetworkTier) (NetworkTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	switch NetworkTier(s) {
	case NetworkMainnet, NetworkDevnet, NetworkTestnet:
		return NetworkTier(s), nil
	}
	return "", &X402Error{
		Code:    ErrUnsupportedNetwork,
		Message: fmt.Sprintf("unsupported network %q (expected mainnet, devnet or testnet)", s),
	}
}

func (n NetworkTier) String() string {
	return string(n)
}

// IsTestnet reports whether funds on this tier have no real value.
func (n NetworkTier) IsTestnet() bool {
	return n == NetworkDevnet || n == NetworkTestnet
}

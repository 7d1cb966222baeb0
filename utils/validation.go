package utils

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/types"
	"github.com/shopspring/decimal"
)

var base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")

// ValidateBigInt checks if a string is a valid non-negative big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}
	if bigInt.Sign() < 0 {
		return nil, fmt.Errorf("value cannot be negative")
	}

	return bigInt, nil
}

// ValidateAddress validates addresses for the given chain
func ValidateAddress(chain types.Chain, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch chain {
	case types.ChainBase:
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("%s is not a valid EVM address", address)
		}
	case types.ChainSolana:
		if !isBase58String(address) {
			return fmt.Errorf("Solana address must be valid base58")
		}
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address: %w", err)
		}
	default:
		return fmt.Errorf("unsupported chain for address validation: %s", chain)
	}

	return nil
}

// DecodeBase64 accepts padded or unpadded standard base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// FormatAtomic renders an atomic amount with the given number of decimals,
// trimming trailing zeros ("1000000", 6 -> "1").
func FormatAtomic(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// Truncate shortens an identifier for display.
func Truncate(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n] + "..."
}

// Helper function to check if a string is valid base58
func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}

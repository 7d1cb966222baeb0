package settlement

import (
	"fmt"
	"math/big"

	"github.com/latinumai/x402-facilitator/utils"
)

const walletHint = "Please generate a signed transaction with the wallet. " +
	"If you don't have a wallet, try Latinum MCP Wallet at https://pypi.org/project/latinum-wallet-mcp. " +
	"Instructions in: https://latinum.ai/articles/latinum-wallet"

// price describes what the caller still has to pay.
type price struct {
	recipient string
	amount    *big.Int
	rawAmount string
	label     string
	decimals  uint8
	scaled    bool
}

func (p price) String() string {
	switch {
	case p.amount == nil:
		raw := p.rawAmount
		if raw == "" {
			raw = "an unspecified amount of"
		} else {
			raw += " atomic units of"
		}
		return fmt.Sprintf("%s %s to %s", raw, p.label, p.recipient)
	case !p.scaled:
		return fmt.Sprintf("%s atomic units of %s to %s", p.amount, p.label, p.recipient)
	default:
		return fmt.Sprintf("%s %s (%s atomic units) to %s",
			utils.FormatAtomic(p.amount, p.decimals), p.label, p.amount, p.recipient)
	}
}

// paymentRequiredMessage is self-sufficient: it names recipient, amount and
// asset so the client can build a correct transaction from it alone.
func paymentRequiredMessage(cause string, p price) string {
	msg := "Payment required: " + p.String() + ". " + walletHint
	if cause == "" {
		return msg
	}
	return cause + ". " + msg
}

// Package verification decides whether a transaction pays a requirement.
// Solana payments are checked against decoded instructions before any
// network cost; Base payments against a confirmed transaction and its logs.
package verification

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/clients"
	"github.com/latinumai/x402-facilitator/types"
)

// Rejection explains why a transaction does not pay the requirement.
type Rejection struct {
	Reason  string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// VerifyInstructions runs the pre-broadcast checks: no transfer may be
// authorized by the fee payer, and some instruction must pay the
// requirement. A zero feePayer skips the first check.
func VerifyInstructions(
	m *SolanaMatcher,
	ixs []types.NormalizedInstruction,
	feePayer solana.PublicKey,
) (Transfer, *Rejection) {
	if !feePayer.IsZero() && FeePayerSpends(ixs, feePayer) {
		return Transfer{}, &Rejection{
			Reason:  clients.ErrFeePayerTransferringFunds,
			Message: "Transaction transfers funds from the fee payer",
		}
	}

	if t, ok := m.Match(ixs); ok {
		return t, nil
	}

	if m.PaysRawRecipient(ixs) {
		return Transfer{}, &Rejection{
			Reason: clients.ErrTransferToIncorrectATA,
			Message: fmt.Sprintf(
				"Token transfer targets %s instead of its associated token account %s",
				m.Recipient(), m.Destination(),
			),
		}
	}

	return Transfer{}, &Rejection{
		Reason:  clients.ErrTransferMismatch,
		Message: "Transfer mismatch or unsupported instruction format",
	}
}

// VerifySettled re-runs the match against executed instructions.
func VerifySettled(m *SolanaMatcher, ixs []types.NormalizedInstruction) (Transfer, *Rejection) {
	if t, ok := m.Match(ixs); ok {
		return t, nil
	}
	return Transfer{}, &Rejection{
		Reason:  clients.ErrSettledTransactionMismatch,
		Message: "Settled transaction does not contain the expected transfer",
	}
}

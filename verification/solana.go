package verification

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/latinumai/x402-facilitator/types"
)

// InstructionKind names the transfer shape that produced a match.
type InstructionKind string

const (
	KindSystemTransfer       InstructionKind = "system_transfer"
	KindTokenTransfer        InstructionKind = "token_transfer"
	KindTokenTransferChecked InstructionKind = "token_transfer_checked"
)

// Transfer is a decoded value movement found in one instruction.
type Transfer struct {
	Index       int
	Kind        InstructionKind
	Authority   solana.PublicKey // funding account or token owner
	Destination solana.PublicKey
	Mint        solana.PublicKey // TransferChecked only
	Amount      uint64
}

// SolanaMatcher checks instructions against one payment requirement.
type SolanaMatcher struct {
	recipient   solana.PublicKey
	mint        solana.PublicKey
	native      bool
	amount      uint64
	destination solana.PublicKey
}

// NewSolanaMatcher derives the expected destination: the recipient for
// native payments, its associated token account for token payments.
func NewSolanaMatcher(req *types.PaymentRequirement) (*SolanaMatcher, error) {
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", req.Recipient, err)
	}
	if req.Amount == nil || req.Amount.Sign() < 0 || !req.Amount.IsUint64() {
		return nil, fmt.Errorf("amount %v is not a valid u64", req.Amount)
	}

	m := &SolanaMatcher{
		recipient:   recipient,
		native:      req.IsNative(),
		amount:      req.Amount.Uint64(),
		destination: recipient,
	}
	if m.native {
		return m, nil
	}

	m.mint, err = solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %q: %w", req.Asset, err)
	}
	m.destination, err = AssociatedTokenAddress(m.mint, recipient)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AssociatedTokenAddress returns the canonical token account of owner for mint.
func AssociatedTokenAddress(mint, owner solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	return ata, nil
}

// Destination is the account the payment must land in.
func (m *SolanaMatcher) Destination() solana.PublicKey { return m.destination }

// Recipient is the requirement's owner address.
func (m *SolanaMatcher) Recipient() solana.PublicKey { return m.recipient }

// Amount is the expected atomic amount.
func (m *SolanaMatcher) Amount() *big.Int { return new(big.Int).SetUint64(m.amount) }

// Match returns the first instruction, in order, that pays the requirement.
func (m *SolanaMatcher) Match(ixs []types.NormalizedInstruction) (Transfer, bool) {
	for i := range ixs {
		t, ok := ParseTransfer(&ixs[i])
		if !ok {
			continue
		}
		t.Index = i
		if m.satisfies(t) {
			return t, true
		}
	}
	return Transfer{}, false
}

func (m *SolanaMatcher) satisfies(t Transfer) bool {
	if t.Amount != m.amount || !t.Destination.Equals(m.destination) {
		return false
	}
	switch t.Kind {
	case KindSystemTransfer:
		return m.native
	case KindTokenTransfer:
		return !m.native
	case KindTokenTransferChecked:
		return !m.native && t.Mint.Equals(m.mint)
	}
	return false
}

// PaysRawRecipient reports whether a token transfer of the right amount
// targets the recipient's wallet instead of its associated token account.
func (m *SolanaMatcher) PaysRawRecipient(ixs []types.NormalizedInstruction) bool {
	if m.native {
		return false
	}
	for i := range ixs {
		t, ok := ParseTransfer(&ixs[i])
		if ok && t.Kind != KindSystemTransfer && t.Amount == m.amount && t.Destination.Equals(m.recipient) {
			return true
		}
	}
	return false
}

// FeePayerSpends reports whether any transfer is funded or authorized by
// feePayer.
func FeePayerSpends(ixs []types.NormalizedInstruction, feePayer solana.PublicKey) bool {
	for i := range ixs {
		if t, ok := ParseTransfer(&ixs[i]); ok && t.Authority.Equals(feePayer) {
			return true
		}
	}
	return false
}

// ParseTransfer decodes a system transfer or an SPL token transfer.
// Anything else, including instructions whose relevant accounts come from
// a lookup table, yields false.
func ParseTransfer(ix *types.NormalizedInstruction) (t Transfer, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t, ok = Transfer{}, false
		}
	}()

	switch {
	case ix.ProgramID.Equals(solana.SystemProgramID):
		return parseSystemTransfer(ix)
	case ix.ProgramID.Equals(solana.TokenProgramID):
		return parseTokenTransfer(ix)
	}
	return Transfer{}, false
}

func parseSystemTransfer(ix *types.NormalizedInstruction) (Transfer, bool) {
	if len(ix.Data) < 4 || binary.LittleEndian.Uint32(ix.Data) != system.Instruction_Transfer {
		return Transfer{}, false
	}
	if len(ix.Accounts) < 2 || anyUnresolved(ix.Accounts[:2]) {
		return Transfer{}, false
	}

	inst, err := system.DecodeInstruction(ix.AccountMetas(), ix.Data)
	if err != nil {
		return Transfer{}, false
	}
	tr, ok := inst.Impl.(*system.Transfer)
	if !ok || tr.Lamports == nil {
		return Transfer{}, false
	}
	return Transfer{
		Kind:        KindSystemTransfer,
		Authority:   tr.GetFundingAccount().PublicKey,
		Destination: tr.GetRecipientAccount().PublicKey,
		Amount:      *tr.Lamports,
	}, true
}

func parseTokenTransfer(ix *types.NormalizedInstruction) (Transfer, bool) {
	if len(ix.Data) < 1 {
		return Transfer{}, false
	}
	switch ix.Data[0] {
	case token.Instruction_Transfer:
		if len(ix.Accounts) < 3 || anyUnresolved(ix.Accounts[:3]) {
			return Transfer{}, false
		}
	case token.Instruction_TransferChecked:
		if len(ix.Accounts) < 4 || anyUnresolved(ix.Accounts[:4]) {
			return Transfer{}, false
		}
	default:
		return Transfer{}, false
	}

	inst, err := token.DecodeInstruction(ix.AccountMetas(), ix.Data)
	if err != nil {
		return Transfer{}, false
	}
	switch tr := inst.Impl.(type) {
	case *token.Transfer:
		if tr.Amount == nil {
			return Transfer{}, false
		}
		return Transfer{
			Kind:        KindTokenTransfer,
			Authority:   tr.GetOwnerAccount().PublicKey,
			Destination: tr.GetDestinationAccount().PublicKey,
			Amount:      *tr.Amount,
		}, true
	case *token.TransferChecked:
		if tr.Amount == nil {
			return Transfer{}, false
		}
		return Transfer{
			Kind:        KindTokenTransferChecked,
			Authority:   tr.GetOwnerAccount().PublicKey,
			Destination: tr.GetDestinationAccount().PublicKey,
			Mint:        tr.GetMintAccount().PublicKey,
			Amount:      *tr.Amount,
		}, true
	}
	return Transfer{}, false
}

func anyUnresolved(refs []types.AccountRef) bool {
	for _, r := range refs {
		if r.Unresolved {
			return true
		}
	}
	return false
}

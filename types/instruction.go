package types

import "github.com/gagliardetto/solana-go"

// AccountRef is one account reference of a normalized instruction.
type AccountRef struct {
	PublicKey  solana.PublicKey
	IsSigner   bool
	IsWritable bool

	// Unresolved is set for accounts loaded through an address lookup table.
	// Their key is left zero because lookup tables are never fetched.
	Unresolved bool
}

// NormalizedInstruction is a format-independent view of a compiled instruction.
type NormalizedInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountRef
	Data      []byte
}

// AccountMetas converts the references to the form solana-go instruction
// decoders expect.
func (ix *NormalizedInstruction) AccountMetas() []*solana.AccountMeta {
	metas := make([]*solana.AccountMeta, len(ix.Accounts))
	for i, a := range ix.Accounts {
		metas[i] = &solana.AccountMeta{
			PublicKey:  a.PublicKey,
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		}
	}
	return metas
}

// SubmittedTransaction is the client payload after transport decoding.
// Solana accepts either Raw or the detached triple; Base only Raw.
type SubmittedTransaction struct {
	Chain Chain

	Raw []byte

	Submitter          string
	Message            []byte
	SubmitterSignature []byte
}

// IsDetached reports whether the transaction must be reconstructed from
// a message and a detached signature.
func (s *SubmittedTransaction) IsDetached() bool {
	return len(s.Raw) == 0 && len(s.Message) > 0
}

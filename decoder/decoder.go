// Package decoder parses client-supplied Solana transactions into a
// format-tagged, normalized instruction list and carries the matching
// signing strategy for the detected format.
package decoder

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/types"
	"go.uber.org/multierr"
)

// Format is the wire encoding a transaction was decoded from.
type Format int

const (
	FormatVersioned Format = iota + 1
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatVersioned:
		return "versioned"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

const (
	versionPrefixMask = 0x80
	signatureLength   = 64
)

var ErrEmptyTransaction = errors.New("empty transaction payload")

// Decoded is a successfully parsed transaction.
type Decoded struct {
	Format       Format
	Tx           *solana.Transaction
	Instructions []types.NormalizedInstruction
	Submitter    solana.PublicKey

	// Fallback holds the versioned-format error when the legacy parse won.
	Fallback error
}

// DecodeError is returned when neither format parses. Both causes are kept.
type DecodeError struct {
	Versioned error
	Legacy    error
}

func (e *DecodeError) Error() string {
	return "invalid transaction format: " + e.combined().Error()
}

func (e *DecodeError) Unwrap() []error {
	return multierr.Errors(e.combined())
}

func (e *DecodeError) combined() error {
	return multierr.Combine(
		fmt.Errorf("versioned: %w", e.Versioned),
		fmt.Errorf("legacy: %w", e.Legacy),
	)
}

// Decode tries the versioned encoding first and falls back to legacy.
func Decode(raw []byte) (*Decoded, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyTransaction
	}

	d, verr := decodeAs(raw, FormatVersioned)
	if verr == nil {
		return d, nil
	}
	d, lerr := decodeAs(raw, FormatLegacy)
	if lerr == nil {
		d.Fallback = verr
		return d, nil
	}
	return nil, &DecodeError{Versioned: verr, Legacy: lerr}
}

func decodeAs(raw []byte, format Format) (d *Decoded, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("malformed transaction: %v", r)
		}
	}()

	dec := bin.NewBinDecoder(raw)
	sigs, err := readSignatures(dec)
	if err != nil {
		return nil, err
	}

	tx := &solana.Transaction{Signatures: sigs}
	if err := unmarshalMessage(dec, &tx.Message, format); err != nil {
		return nil, err
	}
	if rest := dec.Remaining(); rest != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", rest)
	}
	if err := checkHeader(&tx.Message); err != nil {
		return nil, err
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	switch format {
	case FormatVersioned:
		if len(tx.Signatures) != required {
			return nil, fmt.Errorf("signature count %d does not match header %d", len(tx.Signatures), required)
		}
	case FormatLegacy:
		if len(tx.Signatures) > required {
			return nil, fmt.Errorf("signature count %d exceeds header %d", len(tx.Signatures), required)
		}
		tx.Signatures = padSignatures(tx.Signatures, required)
	}

	ixs, err := Normalize(&tx.Message)
	if err != nil {
		return nil, err
	}

	return &Decoded{
		Format:       format,
		Tx:           tx,
		Instructions: ixs,
		Submitter:    submitter(tx, format),
	}, nil
}

func readSignatures(dec *bin.Decoder) ([]solana.Signature, error) {
	n, err := dec.ReadCompactU16()
	if err != nil {
		return nil, fmt.Errorf("read signature count: %w", err)
	}
	if n > dec.Remaining()/signatureLength {
		return nil, fmt.Errorf("signature count %d too large for %d remaining bytes", n, dec.Remaining())
	}
	sigs := make([]solana.Signature, n)
	for i := range sigs {
		if _, err := dec.Read(sigs[i][:]); err != nil {
			return nil, fmt.Errorf("read signature %d: %w", i, err)
		}
	}
	return sigs, nil
}

func unmarshalMessage(dec *bin.Decoder, msg *solana.Message, format Format) error {
	prefix, err := dec.Peek(1)
	if err != nil {
		return fmt.Errorf("read message prefix: %w", err)
	}
	versioned := prefix[0]&versionPrefixMask != 0

	switch format {
	case FormatVersioned:
		if !versioned {
			return errors.New("message has no version prefix")
		}
		if v := prefix[0] &^ versionPrefixMask; v != 0 {
			return fmt.Errorf("unsupported message version %d", v)
		}
		return msg.UnmarshalV0(dec)
	case FormatLegacy:
		if versioned {
			return errors.New("message carries a version prefix")
		}
		return msg.UnmarshalLegacy(dec)
	default:
		return fmt.Errorf("unknown format %d", format)
	}
}

func checkHeader(msg *solana.Message) error {
	h := msg.Header
	keys := len(msg.AccountKeys)
	switch {
	case h.NumRequiredSignatures == 0:
		return errors.New("header requires no signatures")
	case int(h.NumRequiredSignatures) > keys:
		return fmt.Errorf("header requires %d signatures but only %d keys", h.NumRequiredSignatures, keys)
	case h.NumReadonlySignedAccounts >= h.NumRequiredSignatures:
		return errors.New("fee payer slot is read-only")
	case int(h.NumReadonlyUnsignedAccounts) > keys-int(h.NumRequiredSignatures):
		return errors.New("read-only unsigned count exceeds unsigned keys")
	}
	return nil
}

func padSignatures(sigs []solana.Signature, n int) []solana.Signature {
	if len(sigs) >= n {
		return sigs
	}
	out := make([]solana.Signature, n)
	copy(out, sigs)
	return out
}

// Normalize resolves compiled instructions against the static key table.
// Lookup-table accounts become Unresolved references; a program id outside
// the static keys is an error.
func Normalize(msg *solana.Message) ([]types.NormalizedInstruction, error) {
	static := len(msg.AccountKeys)
	lookups := 0
	writableLookups := 0
	if msg.IsVersioned() {
		lookups = msg.AddressTableLookups.NumLookups()
		writableLookups = msg.AddressTableLookups.NumWritableLookups()
	}

	out := make([]types.NormalizedInstruction, 0, len(msg.Instructions))
	for i, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= static {
			return nil, fmt.Errorf("instruction %d: program id index %d outside static keys", i, ci.ProgramIDIndex)
		}

		refs := make([]types.AccountRef, len(ci.Accounts))
		for j, idx := range ci.Accounts {
			k := int(idx)
			switch {
			case k < static:
				refs[j] = types.AccountRef{
					PublicKey:  msg.AccountKeys[k],
					IsSigner:   k < int(msg.Header.NumRequiredSignatures),
					IsWritable: isStaticWritable(msg, k),
				}
			case k < static+lookups:
				refs[j] = types.AccountRef{
					IsWritable: k-static < writableLookups,
					Unresolved: true,
				}
			default:
				return nil, fmt.Errorf("instruction %d: account index %d out of range", i, k)
			}
		}

		data := make([]byte, len(ci.Data))
		copy(data, ci.Data)
		out = append(out, types.NormalizedInstruction{
			ProgramID: msg.AccountKeys[ci.ProgramIDIndex],
			Accounts:  refs,
			Data:      data,
		})
	}
	return out, nil
}

func isStaticWritable(msg *solana.Message, i int) bool {
	h := msg.Header
	signers := int(h.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(h.NumReadonlySignedAccounts)
	}
	return i < len(msg.AccountKeys)-int(h.NumReadonlyUnsignedAccounts)
}

// submitter picks the paying user's identity. Versioned messages use the
// first static key. Legacy messages use the first signer that actually
// signed, falling back to the first key. This deliberately skips slot 0
// when it is the still-unsigned fee payer.
func submitter(tx *solana.Transaction, format Format) solana.PublicKey {
	keys := tx.Message.AccountKeys
	if format == FormatLegacy {
		for i := 0; i < int(tx.Message.Header.NumRequiredSignatures) && i < len(tx.Signatures); i++ {
			if !tx.Signatures[i].IsZero() {
				return keys[i]
			}
		}
	}
	return keys[0]
}

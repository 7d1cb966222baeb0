package decoder

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotRequiredSigner = errors.New("key is not a required signer")
	ErrInvalidSignature  = errors.New("signature does not verify over message")
)

// Signer produces ed25519 signatures for one key.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(message []byte) (solana.Signature, error)
}

// SignerIndex returns the signature slot of key, or -1.
func SignerIndex(msg *solana.Message, key solana.PublicKey) int {
	n := int(msg.Header.NumRequiredSignatures)
	for i := 0; i < n && i < len(msg.AccountKeys); i++ {
		if msg.AccountKeys[i].Equals(key) {
			return i
		}
	}
	return -1
}

// Reconstruct assembles a wire transaction from a message and the
// submitter's detached signature. The message bytes are kept verbatim.
func Reconstruct(submitter solana.PublicKey, message []byte, sig solana.Signature) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if !sig.Verify(submitter, message) {
		return nil, fmt.Errorf("submitter %s: %w", submitter, ErrInvalidSignature)
	}

	var msg solana.Message
	dec := bin.NewBinDecoder(message)
	format := FormatLegacy
	if message[0]&versionPrefixMask != 0 {
		format = FormatVersioned
	}
	if err := unmarshalMessage(dec, &msg, format); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if rest := dec.Remaining(); rest != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", rest)
	}
	if err := checkHeader(&msg); err != nil {
		return nil, err
	}

	idx := SignerIndex(&msg, submitter)
	if idx < 0 {
		return nil, fmt.Errorf("submitter %s: %w", submitter, ErrNotRequiredSigner)
	}

	sigs := make([]solana.Signature, msg.Header.NumRequiredSignatures)
	sigs[idx] = sig

	out := make([]byte, 0, 3+len(sigs)*signatureLength+len(message))
	bin.EncodeCompactU16Length(&out, len(sigs))
	for _, s := range sigs {
		out = append(out, s[:]...)
	}
	return append(out, message...), nil
}

// Cosign adds signer's signature at its slot using the strategy of the
// decoded format and returns the serialized transaction. The decoded
// transaction is not modified.
func Cosign(d *Decoded, signer Signer) ([]byte, error) {
	msg := d.Tx.Message
	idx := SignerIndex(&msg, signer.PublicKey())
	if idx < 0 {
		return nil, fmt.Errorf("fee payer %s: %w", signer.PublicKey(), ErrNotRequiredSigner)
	}

	content, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	required := int(msg.Header.NumRequiredSignatures)
	var sigs []solana.Signature
	switch d.Format {
	case FormatVersioned:
		if len(d.Tx.Signatures) != required {
			return nil, fmt.Errorf("versioned transaction has %d signature slots, want %d", len(d.Tx.Signatures), required)
		}
		sigs = make([]solana.Signature, required)
		copy(sigs, d.Tx.Signatures)
	case FormatLegacy:
		sigs = padSignatures(append([]solana.Signature(nil), d.Tx.Signatures...), required)
	default:
		return nil, fmt.Errorf("unknown format %d", d.Format)
	}

	sig, err := signer.Sign(content)
	if err != nil {
		return nil, fmt.Errorf("fee payer sign: %w", err)
	}
	sigs[idx] = sig

	signed := solana.Transaction{Signatures: sigs, Message: msg}
	return signed.MarshalBinary()
}

// MissingSignatures lists required signers other than except whose slot is
// empty or holds a signature that does not verify.
func MissingSignatures(d *Decoded, except solana.PublicKey) ([]solana.PublicKey, error) {
	content, err := d.Tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var missing []solana.PublicKey
	keys := d.Tx.Message.AccountKeys
	for i := 0; i < int(d.Tx.Message.Header.NumRequiredSignatures); i++ {
		if keys[i].Equals(except) {
			continue
		}
		if i >= len(d.Tx.Signatures) || d.Tx.Signatures[i].IsZero() || !d.Tx.Signatures[i].Verify(keys[i], content) {
			missing = append(missing, keys[i])
		}
	}
	return missing, nil
}

// Serialize returns the transaction bytes without adding signatures.
func Serialize(d *Decoded) ([]byte, error) {
	return d.Tx.MarshalBinary()
}

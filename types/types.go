package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Status is the tri-state result of a validation call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusPaymentRequired Status = "payment_required"
	StatusFailure         Status = "failure"
)

// AssetKind reports which matching path accepted a payment.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// PaymentRequirement is what a caller expects the submitted transaction to pay.
type PaymentRequirement struct {
	// Chain-native address of the payee.
	Recipient string `json:"recipient" validate:"required"`

	// Amount in the smallest unit of the asset.
	Amount *big.Int `json:"amount" validate:"required"`

	// Token identifier (mint or contract). Empty means the chain's native asset.
	Asset string `json:"asset,omitempty"`

	Network NetworkTier `json:"network"`
}

// IsNative reports whether the requirement is for the chain's native asset.
func (r *PaymentRequirement) IsNative() bool {
	return r.Asset == ""
}

// AtomicAmount accepts an integer encoded either as a JSON string or a JSON number.
// The raw text is kept so that validation can report what the caller sent.
type AtomicAmount struct {
	raw string
	set bool
}

// NewAtomicAmount wraps s as if it had been decoded from a request.
func NewAtomicAmount(s string) AtomicAmount {
	return AtomicAmount{raw: s, set: true}
}

// AtomicAmountFromBig wraps an already parsed integer.
func AtomicAmountFromBig(v *big.Int) AtomicAmount {
	return AtomicAmount{raw: v.String(), set: true}
}

func (a *AtomicAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = AtomicAmount{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AtomicAmount{raw: s, set: true}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("amount must be a string or number: %w", err)
	}
	*a = AtomicAmount{raw: n.String(), set: true}
	return nil
}

func (a AtomicAmount) MarshalJSON() ([]byte, error) {
	if !a.set {
		return []byte("null"), nil
	}
	return json.Marshal(a.raw)
}

// IsSet reports whether the field was present in the request.
func (a AtomicAmount) IsSet() bool {
	return a.set && strings.TrimSpace(a.raw) != ""
}

func (a AtomicAmount) String() string {
	return a.raw
}

// Int parses the amount as a non-negative base-10 integer.
func (a AtomicAmount) Int() (*big.Int, error) {
	if !a.IsSet() {
		return nil, fmt.Errorf("amount is missing")
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(a.raw), 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a valid integer", a.raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", a.raw)
	}
	return v, nil
}

// ValidateRequest is the body of a validation call. Field names follow the
// wire format used by existing wallet clients, so several aliases exist.
type ValidateRequest struct {
	Chain string `json:"chain"`

	// Generic payload; Solana expects base64, Base expects 0x-prefixed hex.
	SignedTransaction    string `json:"signedTransaction,omitempty"`
	SignedTransactionB64 string `json:"signedTransactionB64,omitempty"`
	SignedTransactionHex string `json:"signedTransactionHex,omitempty"`

	// Unsigned message plus the submitter's detached signature (Solana only).
	UserPubkey       string `json:"userPubkey,omitempty"`
	MessageB64       string `json:"messageB64,omitempty"`
	UserSignatureB64 string `json:"userSignatureB64,omitempty"`

	ExpectedRecipient    string       `json:"expectedRecipient"`
	ExpectedAmountAtomic AtomicAmount `json:"expectedAmountAtomic"`
	ExpectedAmountWei    AtomicAmount `json:"expectedAmountWei"`

	Mint    string `json:"mint,omitempty"`
	Network string `json:"network,omitempty"`
}

// Payload returns the first non-empty transaction field.
func (r *ValidateRequest) Payload() string {
	for _, s := range []string{r.SignedTransaction, r.SignedTransactionB64, r.SignedTransactionHex} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// HasDetachedSignature reports whether the request carries the
// {submitter, message, signature} triple instead of a transaction blob.
func (r *ValidateRequest) HasDetachedSignature() bool {
	return r.UserPubkey != "" || r.MessageB64 != "" || r.UserSignatureB64 != ""
}

// Amount returns whichever amount field the caller populated.
func (r *ValidateRequest) Amount() AtomicAmount {
	if r.ExpectedAmountAtomic.IsSet() {
		return r.ExpectedAmountAtomic
	}
	return r.ExpectedAmountWei
}

// ValidationOutcome is the externally visible result of a validation call.
type ValidationOutcome struct {
	Status            Status    `json:"status"`
	SettlementID      string    `json:"settlementId,omitempty"`
	Error             string    `json:"error,omitempty"`
	Trace             []string  `json:"trace,omitempty"`
	SubmitterIdentity string    `json:"submitterIdentity,omitempty"`
	AssetLabel        string    `json:"assetLabel,omitempty"`
	AssetKind         AssetKind `json:"assetKind,omitempty"`
	Chain             Chain     `json:"chain,omitempty"`
	Network           string    `json:"network,omitempty"`
	RequestID         string    `json:"requestId,omitempty"`
}

// Allowed reports whether the protected resource may be served.
func (o *ValidationOutcome) Allowed() bool {
	return o.Status == StatusSuccess
}

// PayerAddressResponse is returned by the fee payer lookup.
type PayerAddressResponse struct {
	Chain    Chain  `json:"chain"`
	FeePayer string `json:"feePayer"`
}

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrVerificationFailed  = "VERIFICATION_FAILED"
	ErrSettlementFailed    = "SETTLEMENT_FAILED"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrConfigError         = "CONFIG_ERROR"
)

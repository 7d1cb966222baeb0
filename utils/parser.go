package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/latinumai/x402-facilitator/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("solana_pubkey", func(fl validator.FieldLevel) bool {
		return ValidateAddress(types.ChainSolana, fl.Field().String()) == nil
	})
	validate.RegisterValidation("evm_address", func(fl validator.FieldLevel) bool {
		return ValidateAddress(types.ChainBase, fl.Field().String()) == nil
	})
	validate.RegisterValidation("atomic", func(fl validator.FieldLevel) bool {
		_, err := ValidateBigInt(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("b64", func(fl validator.FieldLevel) bool {
		_, err := DecodeBase64(fl.Field().String())
		return err == nil
	})
}

// ParseValidateRequest decodes a validation request body. Unknown fields are
// ignored so that older wallets keep working.
func ParseValidateRequest(data []byte) (*types.ValidateRequest, error) {
	var req types.ValidateRequest

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse validation request: %v", err),
		}
	}

	return &req, nil
}

// SolanaPayment is a validated Solana request.
type SolanaPayment struct {
	Submitted   types.SubmittedTransaction
	Requirement types.PaymentRequirement
}

type solanaBlobFields struct {
	SignedTransactionB64 string `validate:"required,b64"`
	ExpectedRecipient    string `validate:"required,solana_pubkey"`
	ExpectedAmountAtomic string `validate:"required,atomic"`
	Mint                 string `validate:"omitempty,solana_pubkey"`
}

type solanaDetachedFields struct {
	UserPubkey           string `validate:"required,solana_pubkey"`
	MessageB64           string `validate:"required,b64"`
	UserSignatureB64     string `validate:"required,b64"`
	ExpectedRecipient    string `validate:"required,solana_pubkey"`
	ExpectedAmountAtomic string `validate:"required,atomic"`
	Mint                 string `validate:"omitempty,solana_pubkey"`
}

// ParseSolanaPayment validates the request fields without touching the
// network. Every problem found is returned, in field order.
func ParseSolanaPayment(req *types.ValidateRequest, network types.NetworkTier) (*SolanaPayment, []string) {
	amount := req.Amount().String()

	var err error
	detached := req.Payload() == "" && req.HasDetachedSignature()
	if detached {
		err = validate.Struct(&solanaDetachedFields{
			UserPubkey:           req.UserPubkey,
			MessageB64:           req.MessageB64,
			UserSignatureB64:     req.UserSignatureB64,
			ExpectedRecipient:    req.ExpectedRecipient,
			ExpectedAmountAtomic: amount,
			Mint:                 req.Mint,
		})
	} else {
		err = validate.Struct(&solanaBlobFields{
			SignedTransactionB64: req.Payload(),
			ExpectedRecipient:    req.ExpectedRecipient,
			ExpectedAmountAtomic: amount,
			Mint:                 req.Mint,
		})
	}
	if errs := fieldMessages(err, types.ChainSolana); len(errs) > 0 {
		return nil, errs
	}

	out := &SolanaPayment{
		Submitted: types.SubmittedTransaction{Chain: types.ChainSolana},
		Requirement: types.PaymentRequirement{
			Recipient: req.ExpectedRecipient,
			Asset:     req.Mint,
			Network:   network,
		},
	}
	out.Requirement.Amount, _ = ValidateBigInt(amount)

	if detached {
		out.Submitted.Submitter = req.UserPubkey
		out.Submitted.Message, _ = DecodeBase64(req.MessageB64)
		out.Submitted.SubmitterSignature, _ = DecodeBase64(req.UserSignatureB64)
	} else {
		out.Submitted.Raw, _ = DecodeBase64(req.Payload())
	}
	return out, nil
}

// EVMPayment is a validated Base request. The raw transaction is checked
// separately because its absence is reported differently.
type EVMPayment struct {
	Requirement types.PaymentRequirement
	RawHex      string
}

type evmFields struct {
	ExpectedRecipient string `validate:"required,evm_address"`
	ExpectedAmountWei string `validate:"required,atomic"`
	Mint              string `validate:"omitempty,evm_address"`
}

func ParseEVMPayment(req *types.ValidateRequest, network types.NetworkTier) (*EVMPayment, []string) {
	amount := req.Amount().String()
	err := validate.Struct(&evmFields{
		ExpectedRecipient: req.ExpectedRecipient,
		ExpectedAmountWei: amount,
		Mint:              req.Mint,
	})
	if errs := fieldMessages(err, types.ChainBase); len(errs) > 0 {
		return nil, errs
	}

	out := &EVMPayment{
		Requirement: types.PaymentRequirement{
			Recipient: common.HexToAddress(req.ExpectedRecipient).Hex(),
			Asset:     req.Mint,
			Network:   network,
		},
		RawHex: req.Payload(),
	}
	if req.Mint != "" {
		out.Requirement.Asset = common.HexToAddress(req.Mint).Hex()
	}
	out.Requirement.Amount, _ = ValidateBigInt(amount)
	return out, nil
}

// DecodeHex accepts raw transaction hex with or without the 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty transaction")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b := common.FromHex(s)
	if len(b) == 0 || !isHex(s[2:]) {
		return nil, fmt.Errorf("transaction is not valid hex")
	}
	return b, nil
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var fieldNames = map[string]string{
	"SignedTransactionB64": "signedTransactionB64",
	"UserPubkey":           "userPubkey",
	"MessageB64":           "messageB64",
	"UserSignatureB64":     "userSignatureB64",
	"ExpectedRecipient":    "expectedRecipient",
	"ExpectedAmountAtomic": "expectedAmountAtomic",
	"ExpectedAmountWei":    "expectedAmountWei",
	"Mint":                 "mint",
}

func fieldMessages(err error, chain types.Chain) []string {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fieldNames[fe.StructField()]
		switch fe.Tag() {
		case "required":
			out = append(out, "Missing "+name)
		case "b64":
			out = append(out, name+" is not valid base64")
		case "solana_pubkey":
			out = append(out, name+" is not a valid Solana address")
		case "evm_address":
			if fe.StructField() == "ExpectedRecipient" {
				out = append(out, "Invalid recipient address")
			} else {
				out = append(out, name+" is not a valid "+chain.String()+" address")
			}
		case "atomic":
			out = append(out, name+" is not a valid integer")
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", name, fe.Tag()))
		}
	}
	return out
}

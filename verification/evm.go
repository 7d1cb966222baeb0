package verification

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/latinumai/x402-facilitator/types"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMMatch describes how a confirmed transaction satisfied a requirement.
type EVMMatch struct {
	Kind     types.AssetKind
	Token    common.Address // emitting contract for token matches
	LogIndex uint
}

// MatchEVM checks the direct value transfer first, then the receipt's
// Transfer event logs. With an asset set only logs emitted by that
// contract count, and a bare value transfer is not accepted.
func MatchEVM(tx *ethtypes.Transaction, receipt *ethtypes.Receipt, req *types.PaymentRequirement) (EVMMatch, bool) {
	if tx == nil || req.Amount == nil {
		return EVMMatch{}, false
	}

	if req.IsNative() && tx.To() != nil &&
		strings.EqualFold(tx.To().Hex(), req.Recipient) &&
		tx.Value().Cmp(req.Amount) == 0 {
		return EVMMatch{Kind: types.AssetNative}, true
	}

	if receipt == nil || len(receipt.Logs) == 0 {
		return EVMMatch{}, false
	}

	recipient := common.HexToAddress(req.Recipient)
	var asset common.Address
	if !req.IsNative() {
		asset = common.HexToAddress(req.Asset)
	}

	for _, lg := range receipt.Logs {
		to, value, ok := decodeTransferLog(lg)
		if !ok {
			continue
		}
		if !req.IsNative() && lg.Address != asset {
			continue
		}
		if to == recipient && value.Cmp(req.Amount) == 0 {
			return EVMMatch{Kind: types.AssetToken, Token: lg.Address, LogIndex: lg.Index}, true
		}
	}
	return EVMMatch{}, false
}

// decodeTransferLog reads an ERC-20 Transfer event. ERC-721 transfers
// carry a third indexed topic and are skipped.
func decodeTransferLog(lg *ethtypes.Log) (common.Address, *big.Int, bool) {
	if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != TransferEventTopic || len(lg.Data) != 32 {
		return common.Address{}, nil, false
	}
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	return to, new(big.Int).SetBytes(lg.Data), true
}

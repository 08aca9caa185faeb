package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FullTransferState is a conditionally locked sub-balance within a channel.
// It is created by a create update and removed from the active set by a
// resolve update. Balance holds the expected payout split while the transfer
// is active; once resolved, TransferResolver records the witness that
// released it.
type FullTransferState struct {
	TransferID          common.Hash       `json:"transferId"`
	ChannelAddress      common.Address    `json:"channelAddress"`
	TransferDefinition  common.Address    `json:"transferDefinition"`
	TransferTimeout     uint64            `json:"transferTimeout"`
	InitialState        hexutil.Bytes     `json:"initialState"`
	TransferEncodings   [2]string         `json:"transferEncodings"`
	Balance             Balance           `json:"balance"`
	AssetID             common.Address    `json:"assetId"`
	ChannelNonce        uint64            `json:"channelNonce"`
	TransferResolver    hexutil.Bytes     `json:"transferResolver,omitempty"`
	Meta                map[string]string `json:"meta,omitempty"`
}

// LockedValue is the total amount this transfer holds out of the channel's
// free balance.
func (t *FullTransferState) LockedValue() *big.Int {
	return t.Balance.Total()
}

// Clone returns a deep copy of the transfer.
func (t *FullTransferState) Clone() *FullTransferState {
	if t == nil {
		return nil
	}
	out := *t
	out.Balance = t.Balance.Clone()
	out.InitialState = append(hexutil.Bytes{}, t.InitialState...)
	out.TransferResolver = append(hexutil.Bytes{}, t.TransferResolver...)
	return &out
}

// Resolved reports whether a resolver has been recorded for this transfer.
func (t *FullTransferState) Resolved() bool {
	return len(t.TransferResolver) > 0
}

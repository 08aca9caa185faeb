package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChannelCommitment is the artifact the adjudicator accepts: the chain, the
// core state and the adjudicator address, attested by both participants'
// signatures. The signatures are never part of the signed preimage.
type ChannelCommitment struct {
	ChainID            uint64           `json:"chainId"`
	State              CoreChannelState `json:"state"`
	AdjudicatorAddress common.Address   `json:"adjudicatorAddress"`
	Signatures         [2]hexutil.Bytes `json:"signatures"`
}

// CommitmentFromState assembles the unsigned commitment for a channel state.
func CommitmentFromState(state *FullChannelState) *ChannelCommitment {
	return &ChannelCommitment{
		ChainID:            state.NetworkContext.ChainID,
		State:              state.CoreChannelState,
		AdjudicatorAddress: state.NetworkContext.AdjudicatorAddress,
	}
}

// Clone returns a deep copy of the commitment.
func (c *ChannelCommitment) Clone() *ChannelCommitment {
	if c == nil {
		return nil
	}
	out := *c
	out.State.Balances = make([]Balance, len(c.State.Balances))
	for i, b := range c.State.Balances {
		out.State.Balances[i] = b.Clone()
	}
	out.State.LockedBalance = make([]*big.Int, len(c.State.LockedBalance))
	for i, l := range c.State.LockedBalance {
		out.State.LockedBalance[i] = new(big.Int).Set(l)
	}
	out.State.AssetIDs = append([]common.Address{}, c.State.AssetIDs...)
	for i, sig := range c.Signatures {
		out.Signatures[i] = append(hexutil.Bytes{}, sig...)
	}
	return &out
}

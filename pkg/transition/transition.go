// Package transition implements the deterministic state transition for each
// update kind. Apply is pure: equal inputs yield equal outputs and no I/O
// happens. Anything that needs a collaborator (chain reads, program
// execution) is resolved by the caller before the update reaches Apply.
package transition

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/commitment"
	"github.com/alfredolopez80/vector/pkg/merkle"
	"github.com/alfredolopez80/vector/pkg/types"
)

// Apply produces the next channel state and active-transfer set for an
// accepted update. The previous state and transfer set are never mutated.
func Apply(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	activeTransfers []*types.FullTransferState,
) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	if prev == nil && update.Type != types.UpdateTypeSetup {
		return nil, nil, types.NewError(types.ReasonBadNonce,
			"updateType", string(update.Type),
			"channelAddress", update.ChannelAddress.Hex(),
			"detail", "no channel state for update",
		)
	}
	switch update.Type {
	case types.UpdateTypeSetup:
		return applySetup(prev, update, activeTransfers)
	case types.UpdateTypeDeposit:
		return applyDeposit(prev, update, activeTransfers)
	case types.UpdateTypeCreate:
		return applyCreate(prev, update, activeTransfers)
	case types.UpdateTypeResolve:
		return applyResolve(prev, update, activeTransfers)
	}
	return nil, nil, types.NewError(types.ReasonBadParticipants,
		"updateType", string(update.Type),
		"channelAddress", update.ChannelAddress.Hex(),
	)
}

func applySetup(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	activeTransfers []*types.FullTransferState,
) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	if prev != nil {
		return nil, nil, types.NewError(types.ReasonBadNonce,
			"updateType", string(types.UpdateTypeSetup),
			"channelAddress", update.ChannelAddress.Hex(),
			"existingNonce", itoa(prev.Nonce),
		)
	}
	details, ok := update.Details.(types.SetupDetails)
	if !ok {
		return nil, nil, badDetails(update)
	}
	next := &types.FullChannelState{
		CoreChannelState: types.CoreChannelState{
			ChannelAddress:     update.ChannelAddress,
			Participants:       details.Participants,
			Timeout:            details.Timeout,
			Balances:           []types.Balance{},
			LockedBalance:      []*big.Int{},
			AssetIDs:           []common.Address{},
			Nonce:              1,
			LatestDepositNonce: 0,
			MerkleRoot:         merkle.EmptyRoot,
		},
		PublicIdentifiers: [2]types.PublicIdentifier{update.FromIdentifier, update.ToIdentifier},
		NetworkContext:    details.NetworkContext,
		LatestUpdate:      update,
	}
	return next, cloneTransfers(activeTransfers), nil
}

func applyDeposit(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	activeTransfers []*types.FullTransferState,
) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	details, ok := update.Details.(types.DepositDetails)
	if !ok {
		return nil, nil, badDetails(update)
	}
	if details.LatestDepositNonce < prev.LatestDepositNonce {
		return nil, nil, types.NewError(types.ReasonBadNonce,
			"updateType", string(types.UpdateTypeDeposit),
			"channelAddress", update.ChannelAddress.Hex(),
			"latestDepositNonce", itoa(prev.LatestDepositNonce),
			"proposedDepositNonce", itoa(details.LatestDepositNonce),
		)
	}
	next := prev.Clone()
	idx := extendAsset(next, update.AssetID)
	next.Balances[idx] = update.Balance.Clone()
	next.LatestDepositNonce = details.LatestDepositNonce
	next.Nonce = prev.Nonce + 1
	next.LatestUpdate = update
	return next, cloneTransfers(activeTransfers), nil
}

func applyCreate(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	activeTransfers []*types.FullTransferState,
) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	details, ok := update.Details.(types.CreateDetails)
	if !ok {
		return nil, nil, badDetails(update)
	}
	for _, t := range activeTransfers {
		if t.TransferID == details.TransferID {
			return nil, nil, types.NewError(types.ReasonTransferNotAccepted,
				"transferId", details.TransferID.Hex(),
				"channelAddress", update.ChannelAddress.Hex(),
				"detail", "transferId already active",
			)
		}
	}
	next := prev.Clone()
	idx := extendAsset(next, update.AssetID)
	next.Balances[idx] = update.Balance.Clone()
	next.LockedBalance[idx] = new(big.Int).Add(next.LockedBalance[idx], details.TransferBalance.Total())
	next.Nonce = prev.Nonce + 1
	next.LatestUpdate = update

	transfer := &types.FullTransferState{
		TransferID:         details.TransferID,
		ChannelAddress:     update.ChannelAddress,
		TransferDefinition: details.TransferDefinition,
		TransferTimeout:    details.TransferTimeout,
		InitialState:       details.TransferInitialState,
		TransferEncodings:  details.TransferEncodings,
		Balance:            details.TransferBalance.Clone(),
		AssetID:            update.AssetID,
		ChannelNonce:       next.Nonce,
		Meta:               details.Meta,
	}
	nextTransfers := append(cloneTransfers(activeTransfers), transfer)

	root, err := transferRoot(nextTransfers)
	if err != nil {
		return nil, nil, types.ConvertError(err, types.ReasonMerkleRootMismatch,
			"transferId", details.TransferID.Hex(),
		)
	}
	next.MerkleRoot = root
	return next, nextTransfers, nil
}

func applyResolve(
	prev *types.FullChannelState,
	update *types.ChannelUpdate,
	activeTransfers []*types.FullTransferState,
) (*types.FullChannelState, []*types.FullTransferState, *types.Error) {
	details, ok := update.Details.(types.ResolveDetails)
	if !ok {
		return nil, nil, badDetails(update)
	}
	var resolved *types.FullTransferState
	nextTransfers := make([]*types.FullTransferState, 0, len(activeTransfers))
	for _, t := range activeTransfers {
		if t.TransferID == details.TransferID {
			resolved = t
			continue
		}
		nextTransfers = append(nextTransfers, t.Clone())
	}
	if resolved == nil {
		return nil, nil, types.NewError(types.ReasonTransferNotActive,
			"transferId", details.TransferID.Hex(),
			"channelAddress", update.ChannelAddress.Hex(),
		)
	}
	next := prev.Clone()
	idx, ok := next.AssetIndex(resolved.AssetID)
	if !ok {
		return nil, nil, types.NewError(types.ReasonLockedBalanceMismatch,
			"transferId", details.TransferID.Hex(),
			"assetId", resolved.AssetID.Hex(),
		)
	}
	next.Balances[idx] = update.Balance.Clone()
	next.LockedBalance[idx] = new(big.Int).Sub(next.LockedBalance[idx], resolved.LockedValue())
	next.Nonce = prev.Nonce + 1
	next.LatestUpdate = update

	root, err := transferRoot(nextTransfers)
	if err != nil {
		return nil, nil, types.ConvertError(err, types.ReasonMerkleRootMismatch,
			"transferId", details.TransferID.Hex(),
		)
	}
	next.MerkleRoot = root
	return next, nextTransfers, nil
}

// extendAsset appends a zero entry to every asset-indexed list if assetID is
// not yet known, and returns the asset's index.
func extendAsset(state *types.FullChannelState, assetID common.Address) int {
	if idx, ok := state.AssetIndex(assetID); ok {
		return idx
	}
	state.AssetIDs = append(state.AssetIDs, assetID)
	state.Balances = append(state.Balances, types.Balance{
		To:     state.Participants,
		Amount: [2]*big.Int{new(big.Int), new(big.Int)},
	})
	state.LockedBalance = append(state.LockedBalance, new(big.Int))
	return len(state.AssetIDs) - 1
}

func transferRoot(transfers []*types.FullTransferState) (common.Hash, error) {
	leaves, err := commitment.TransferLeaves(transfers)
	if err != nil {
		return common.Hash{}, err
	}
	return merkle.Root(leaves), nil
}

func cloneTransfers(transfers []*types.FullTransferState) []*types.FullTransferState {
	out := make([]*types.FullTransferState, len(transfers))
	for i, t := range transfers {
		out[i] = t.Clone()
	}
	return out
}

func badDetails(update *types.ChannelUpdate) *types.Error {
	return types.NewError(types.ReasonBadParticipants,
		"updateType", string(update.Type),
		"channelAddress", update.ChannelAddress.Hex(),
		"detail", "details do not match update type",
	)
}

func itoa(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}

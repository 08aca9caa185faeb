package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/transition"
	"github.com/alfredolopez80/vector/pkg/types"
)

// ReplayChannel reconstructs a channel from its append-only log by replaying
// every accepted update through the transition, and checks the result
// against the stored latest state. A mismatch means the store is corrupt.
func ReplayChannel(ctx context.Context, store Store, channelAddress common.Address) (*types.FullChannelState, error) {
	entries, err := store.GetChannelLog(ctx, channelAddress)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var state *types.FullChannelState
	var transfers []*types.FullTransferState
	for _, entry := range entries {
		next, nextTransfers, perr := transition.Apply(state, entry.Update, transfers)
		if perr != nil {
			return nil, fmt.Errorf("replaying update nonce %d: %w", entry.Update.Nonce, perr)
		}
		state = next
		transfers = nextTransfers
	}

	stored, err := store.GetChannelState(ctx, channelAddress)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Nonce != state.Nonce {
		return nil, fmt.Errorf("replayed nonce %d does not match stored nonce %d", state.Nonce, stored.Nonce)
	}
	if stored != nil && stored.MerkleRoot != state.MerkleRoot {
		return nil, fmt.Errorf("replayed merkle root %s does not match stored root %s", state.MerkleRoot.Hex(), stored.MerkleRoot.Hex())
	}
	return state, nil
}

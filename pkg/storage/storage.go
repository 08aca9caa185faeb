// Package storage persists channels, transfers and the append-only log of
// accepted commitments. Saving a new state is transactional: the state, its
// commitment and the transfer-set change land together or not at all.
package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// LogEntry is one accepted update in a channel's append-only history:
// the update that produced the state and the double-signed commitment
// attesting to it.
type LogEntry struct {
	Update     *types.ChannelUpdate     `json:"update"`
	Commitment *types.ChannelCommitment `json:"commitment"`
}

// Store is the persistence collaborator consumed by the protocol driver.
type Store interface {
	// GetChannelState returns the latest accepted state, or (nil, nil) when
	// the channel is unknown.
	GetChannelState(ctx context.Context, channelAddress common.Address) (*types.FullChannelState, error)

	// SaveChannelState atomically writes the new state, appends its
	// commitment to the channel log and applies the transfer-set change:
	// an unresolved transfer joins the active set, a resolved one leaves it.
	// transfer may be nil for setup and deposit updates.
	SaveChannelState(ctx context.Context, state *types.FullChannelState, commit *types.ChannelCommitment, transfer *types.FullTransferState) error

	// GetActiveTransfers returns the channel's currently active transfers.
	GetActiveTransfers(ctx context.Context, channelAddress common.Address) ([]*types.FullTransferState, error)

	// GetTransferState returns a transfer (active or resolved) by id, or
	// (nil, nil) when unknown.
	GetTransferState(ctx context.Context, transferID common.Hash) (*types.FullTransferState, error)

	// GetChannelLog returns the channel's accepted updates in nonce order.
	GetChannelLog(ctx context.Context, channelAddress common.Address) ([]*LogEntry, error)
}

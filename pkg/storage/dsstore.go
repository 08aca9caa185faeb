package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/alfredolopez80/vector/pkg/types"
)

var log = logging.Logger("vector/storage")

// DatastoreStore implements Store over any batching datastore.
type DatastoreStore struct {
	ds datastore.Batching
}

var _ Store = (*DatastoreStore)(nil)

// NewDatastoreStore wraps the given datastore.
func NewDatastoreStore(ds datastore.Batching) *DatastoreStore {
	return &DatastoreStore{ds: ds}
}

func channelKey(channelAddress common.Address) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/channels/%s/state", channelAddress.Hex()))
}

func logKey(channelAddress common.Address, nonce uint64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/channels/%s/log/%020d", channelAddress.Hex(), nonce))
}

func logPrefix(channelAddress common.Address) string {
	return fmt.Sprintf("/channels/%s/log", channelAddress.Hex())
}

func activeTransferKey(channelAddress common.Address, transferID common.Hash) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/channels/%s/transfers/active/%s", channelAddress.Hex(), transferID.Hex()))
}

func activeTransferPrefix(channelAddress common.Address) string {
	return fmt.Sprintf("/channels/%s/transfers/active", channelAddress.Hex())
}

func resolvedTransferKey(channelAddress common.Address, transferID common.Hash) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/channels/%s/transfers/resolved/%s", channelAddress.Hex(), transferID.Hex()))
}

func transferIndexKey(transferID common.Hash) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/transfers/%s", transferID.Hex()))
}

func (s *DatastoreStore) GetChannelState(ctx context.Context, channelAddress common.Address) (*types.FullChannelState, error) {
	raw, err := s.ds.Get(ctx, channelKey(channelAddress))
	if err == datastore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state types.FullChannelState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *DatastoreStore) SaveChannelState(ctx context.Context, state *types.FullChannelState, commit *types.ChannelCommitment, transfer *types.FullTransferState) error {
	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return err
	}

	stateRaw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := batch.Put(ctx, channelKey(state.ChannelAddress), stateRaw); err != nil {
		return err
	}

	entryRaw, err := json.Marshal(&LogEntry{Update: state.LatestUpdate, Commitment: commit})
	if err != nil {
		return err
	}
	if err := batch.Put(ctx, logKey(state.ChannelAddress, state.Nonce), entryRaw); err != nil {
		return err
	}

	if transfer != nil {
		transferRaw, err := json.Marshal(transfer)
		if err != nil {
			return err
		}
		indexRaw, err := json.Marshal(transfer.ChannelAddress)
		if err != nil {
			return err
		}
		if err := batch.Put(ctx, transferIndexKey(transfer.TransferID), indexRaw); err != nil {
			return err
		}
		if transfer.Resolved() {
			if err := batch.Delete(ctx, activeTransferKey(state.ChannelAddress, transfer.TransferID)); err != nil {
				return err
			}
			if err := batch.Put(ctx, resolvedTransferKey(state.ChannelAddress, transfer.TransferID), transferRaw); err != nil {
				return err
			}
		} else {
			if err := batch.Put(ctx, activeTransferKey(state.ChannelAddress, transfer.TransferID), transferRaw); err != nil {
				return err
			}
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return err
	}
	log.Debugw("saved channel state", "channelAddress", state.ChannelAddress.Hex(), "nonce", state.Nonce)
	return nil
}

func (s *DatastoreStore) GetActiveTransfers(ctx context.Context, channelAddress common.Address) ([]*types.FullTransferState, error) {
	results, err := s.ds.Query(ctx, query.Query{Prefix: activeTransferPrefix(channelAddress)})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var transfers []*types.FullTransferState
	for result := range results.Next() {
		if result.Error != nil {
			return nil, result.Error
		}
		var transfer types.FullTransferState
		if err := json.Unmarshal(result.Value, &transfer); err != nil {
			return nil, err
		}
		transfers = append(transfers, &transfer)
	}
	// queries give no order; active sets are ordered by creation nonce so
	// both peers derive the same merkle leaves
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].ChannelNonce < transfers[j].ChannelNonce
	})
	return transfers, nil
}

func (s *DatastoreStore) GetTransferState(ctx context.Context, transferID common.Hash) (*types.FullTransferState, error) {
	raw, err := s.ds.Get(ctx, transferIndexKey(transferID))
	if err == datastore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var channelAddress common.Address
	if err := json.Unmarshal(raw, &channelAddress); err != nil {
		return nil, err
	}
	for _, key := range []datastore.Key{
		activeTransferKey(channelAddress, transferID),
		resolvedTransferKey(channelAddress, transferID),
	} {
		transferRaw, err := s.ds.Get(ctx, key)
		if err == datastore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var transfer types.FullTransferState
		if err := json.Unmarshal(transferRaw, &transfer); err != nil {
			return nil, err
		}
		return &transfer, nil
	}
	return nil, nil
}

func (s *DatastoreStore) GetChannelLog(ctx context.Context, channelAddress common.Address) ([]*LogEntry, error) {
	results, err := s.ds.Query(ctx, query.Query{Prefix: logPrefix(channelAddress)})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var entries []*LogEntry
	for result := range results.Next() {
		if result.Error != nil {
			return nil, result.Error
		}
		var entry LogEntry
		if err := json.Unmarshal(result.Value, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Update.Nonce < entries[j].Update.Nonce
	})
	return entries, nil
}

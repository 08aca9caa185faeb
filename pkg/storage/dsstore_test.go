package storage_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/internal/testutil"
	"github.com/alfredolopez80/vector/pkg/storage"
	"github.com/alfredolopez80/vector/pkg/transition"
	"github.com/alfredolopez80/vector/pkg/types"
)

func newStore() *storage.DatastoreStore {
	return storage.NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func commitmentFor(t *testing.T, state *types.FullChannelState) *types.ChannelCommitment {
	t.Helper()
	commit := types.CommitmentFromState(state)
	sigs := testutil.SignState(t, state)
	commit.Signatures[0] = sigs[0]
	commit.Signatures[1] = sigs[1]
	return commit
}

func TestUnknownChannelIsNil(t *testing.T) {
	store := newStore()
	state, err := store.GetChannelState(context.Background(), common.HexToAddress("0x404"))
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestSaveAndLoadChannelState(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	state := testutil.FundedChannelState(t, 100, 50)
	state.LatestUpdate = &types.ChannelUpdate{
		Type:           types.UpdateTypeDeposit,
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: testutil.AliceIdentifier,
		ToIdentifier:   testutil.BobIdentifier,
		Nonce:          state.Nonce,
		Balance:        state.Balances[0].Clone(),
		Details:        types.DepositDetails{LatestDepositNonce: 1},
	}

	require.NoError(t, store.SaveChannelState(ctx, state, commitmentFor(t, state), nil))

	loaded, err := store.GetChannelState(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, state.Nonce, loaded.Nonce)
	require.Equal(t, state.Participants, loaded.Participants)
	require.Equal(t, 0, state.Balances[0].Amount[0].Cmp(loaded.Balances[0].Amount[0]))
	require.NotNil(t, loaded.LatestUpdate)
	require.Equal(t, types.UpdateTypeDeposit, loaded.LatestUpdate.Type)
	require.IsType(t, types.DepositDetails{}, loaded.LatestUpdate.Details)
}

func TestActiveTransferLifecycle(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	state := testutil.FundedChannelState(t, 60, 0)
	state.LatestUpdate = &types.ChannelUpdate{
		Type:           types.UpdateTypeCreate,
		ChannelAddress: state.ChannelAddress,
		Nonce:          state.Nonce,
		Details:        types.CreateDetails{TransferID: common.HexToHash("0x1111")},
	}

	transfer := &types.FullTransferState{
		TransferID:     common.HexToHash("0x1111"),
		ChannelAddress: state.ChannelAddress,
		Balance: types.Balance{
			To:     state.Participants,
			Amount: [2]*big.Int{big.NewInt(40), new(big.Int)},
		},
		ChannelNonce: state.Nonce,
	}
	require.NoError(t, store.SaveChannelState(ctx, state, commitmentFor(t, state), transfer))

	active, err := store.GetActiveTransfers(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, transfer.TransferID, active[0].TransferID)

	byID, err := store.GetTransferState(ctx, transfer.TransferID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.False(t, byID.Resolved())

	// resolving moves the transfer out of the active set
	resolvedState := state.Clone()
	resolvedState.Nonce++
	resolvedState.LatestUpdate = &types.ChannelUpdate{
		Type:           types.UpdateTypeResolve,
		ChannelAddress: state.ChannelAddress,
		Nonce:          resolvedState.Nonce,
		Details:        types.ResolveDetails{TransferID: transfer.TransferID},
	}
	resolved := transfer.Clone()
	resolved.TransferResolver = []byte{0x02}
	require.NoError(t, store.SaveChannelState(ctx, resolvedState, commitmentFor(t, resolvedState), resolved))

	active, err = store.GetActiveTransfers(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.Empty(t, active)

	byID, err = store.GetTransferState(ctx, transfer.TransferID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.True(t, byID.Resolved())
}

func TestChannelLogAndReplay(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	alice := testutil.AliceSigner(t)
	bob := testutil.BobSigner(t)
	networkContext := testutil.TestNetworkContext()
	participants := [2]common.Address{alice.Address(), bob.Address()}
	setup := &types.ChannelUpdate{
		Type:           types.UpdateTypeSetup,
		ChannelAddress: types.DeriveChannelAddress(alice.Address(), bob.Address(), networkContext),
		FromIdentifier: testutil.AliceIdentifier,
		ToIdentifier:   testutil.BobIdentifier,
		Nonce:          1,
		Balance:        types.Balance{To: participants, Amount: [2]*big.Int{new(big.Int), new(big.Int)}},
		Details: types.SetupDetails{
			Timeout:        86400,
			NetworkContext: networkContext,
			Participants:   participants,
		},
	}
	state, transfers, perr := transition.Apply(nil, setup, nil)
	require.Nil(t, perr)
	require.NoError(t, store.SaveChannelState(ctx, state, commitmentFor(t, state), nil))

	deposit := &types.ChannelUpdate{
		Type:           types.UpdateTypeDeposit,
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: testutil.AliceIdentifier,
		ToIdentifier:   testutil.BobIdentifier,
		Nonce:          state.Nonce + 1,
		Balance: types.Balance{
			To:     participants,
			Amount: [2]*big.Int{big.NewInt(100), new(big.Int)},
		},
		Details: types.DepositDetails{LatestDepositNonce: 1},
	}
	state, transfers, perr = transition.Apply(state, deposit, transfers)
	require.Nil(t, perr)
	require.NoError(t, store.SaveChannelState(ctx, state, commitmentFor(t, state), nil))

	entries, err := store.GetChannelLog(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].Update.Nonce)
	require.Equal(t, uint64(2), entries[1].Update.Nonce)

	replayed, err := storage.ReplayChannel(ctx, store, state.ChannelAddress)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	require.Equal(t, state.Nonce, replayed.Nonce)
	require.Equal(t, state.MerkleRoot, replayed.MerkleRoot)
	require.Equal(t, 0, state.Balances[0].Amount[0].Cmp(replayed.Balances[0].Amount[0]))
}

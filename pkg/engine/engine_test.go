package engine_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/internal/testutil"
	"github.com/alfredolopez80/vector/pkg/commitment"
	"github.com/alfredolopez80/vector/pkg/engine"
	"github.com/alfredolopez80/vector/pkg/merkle"
	"github.com/alfredolopez80/vector/pkg/messaging"
	"github.com/alfredolopez80/vector/pkg/storage"
	"github.com/alfredolopez80/vector/pkg/types"
)

var zeroAsset = common.Address{}

// mockReader serves canned chain data.
type mockReader struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	deposits map[common.Address]types.DepositRecord
}

func newMockReader() *mockReader {
	return &mockReader{
		balances: make(map[common.Address]*big.Int),
		deposits: make(map[common.Address]types.DepositRecord),
	}
}

func (r *mockReader) setDeposit(assetID common.Address, onchainBalance int64, record types.DepositRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[assetID] = big.NewInt(onchainBalance)
	r.deposits[assetID] = record
}

func (r *mockReader) GetChannelOnchainBalance(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[assetID]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(balance), nil
}

func (r *mockReader) GetLatestDepositByAssetID(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address, sinceNonce uint64) (*types.DepositRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.deposits[assetID]
	if !ok {
		return &types.DepositRecord{Amount: new(big.Int)}, nil
	}
	return &types.DepositRecord{Amount: new(big.Int).Set(record.Amount), Nonce: record.Nonce}, nil
}

func (r *mockReader) GetCode(ctx context.Context, address common.Address, chainID uint64) ([]byte, error) {
	return nil, nil
}

func (r *mockReader) GetGasPrice(ctx context.Context, chainID uint64) (*big.Int, error) {
	return new(big.Int), nil
}

func (r *mockReader) Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}

// mockExecutor returns canned condition-program verdicts.
type mockExecutor struct {
	mu      sync.Mutex
	accept  bool
	split   *types.Balance
}

func (e *mockExecutor) Create(ctx context.Context, transfer *types.FullTransferState, chainID uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accept, nil
}

func (e *mockExecutor) Resolve(ctx context.Context, transfer *types.FullTransferState, resolver []byte, chainID uint64) (*types.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	split := e.split.Clone()
	return &split, nil
}

type testPeer struct {
	engine *engine.Engine
	store  storage.Store
}

func newTestPair(t *testing.T) (alice, bob testPeer, reader *mockReader, executor *mockExecutor) {
	t.Helper()
	ctx := context.Background()
	messenger := messaging.NewMemoryMessenger()
	reader = newMockReader()
	executor = &mockExecutor{accept: true}

	aliceStore := storage.NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))
	bobStore := storage.NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))

	aliceEngine, err := engine.New(ctx, testutil.AliceIdentifier, testutil.AliceSigner(t), messenger, aliceStore, reader, executor,
		engine.WithMessagingTimeout(2*time.Second), engine.WithMessagingRetries(0))
	require.NoError(t, err)
	t.Cleanup(aliceEngine.Stop)

	bobEngine, err := engine.New(ctx, testutil.BobIdentifier, testutil.BobSigner(t), messenger, bobStore, reader, executor,
		engine.WithMessagingTimeout(2*time.Second), engine.WithMessagingRetries(0))
	require.NoError(t, err)
	t.Cleanup(bobEngine.Stop)

	return testPeer{aliceEngine, aliceStore}, testPeer{bobEngine, bobStore}, reader, executor
}

func setupChannel(t *testing.T, alice testPeer) *types.FullChannelState {
	t.Helper()
	state, perr := alice.engine.Setup(context.Background(), engine.SetupParams{
		CounterpartyIdentifier: testutil.BobIdentifier,
		CounterpartyAddress:    testutil.BobSigner(t).Address(),
		Timeout:                86400,
		NetworkContext:         testutil.TestNetworkContext(),
	})
	require.Nil(t, perr)
	return state
}

func requireSameState(t *testing.T, alice, bob testPeer, channelAddress common.Address) *types.FullChannelState {
	t.Helper()
	ctx := context.Background()
	var bobState *types.FullChannelState
	require.Eventually(t, func() bool {
		var err error
		bobState, err = bob.store.GetChannelState(ctx, channelAddress)
		require.NoError(t, err)
		aliceState, err := alice.store.GetChannelState(ctx, channelAddress)
		require.NoError(t, err)
		return bobState != nil && aliceState != nil && bobState.Nonce == aliceState.Nonce
	}, 2*time.Second, 10*time.Millisecond)
	aliceState, err := alice.store.GetChannelState(ctx, channelAddress)
	require.NoError(t, err)
	require.Equal(t, aliceState.MerkleRoot, bobState.MerkleRoot)
	return aliceState
}

func TestSetupRound(t *testing.T) {
	alice, bob, _, _ := newTestPair(t)

	state := setupChannel(t, alice)
	require.Equal(t, uint64(1), state.Nonce)
	require.Equal(t, uint64(0), state.LatestDepositNonce)
	require.Empty(t, state.Balances)
	require.Equal(t, merkle.EmptyRoot, state.MerkleRoot)

	// both signature slots of the accepted update recover to the participants
	commit := types.CommitmentFromState(state)
	commit.Signatures = state.LatestUpdate.Signatures
	require.NoError(t, commitment.VerifySlot(commit, 0))
	require.NoError(t, commitment.VerifySlot(commit, 1))

	requireSameState(t, alice, bob, state.ChannelAddress)
}

func TestDepositRound(t *testing.T) {
	alice, bob, reader, _ := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})

	next, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)
	require.Equal(t, uint64(2), next.Nonce)
	require.Equal(t, uint64(1), next.LatestDepositNonce)
	require.Equal(t, 0, big.NewInt(100).Cmp(next.Balances[0].Amount[0]))
	require.Equal(t, 0, new(big.Int).Cmp(next.Balances[0].Amount[1]))

	requireSameState(t, alice, bob, state.ChannelAddress)
}

func TestCreateAndResolveRound(t *testing.T) {
	alice, bob, reader, executor := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})

	_, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)

	created, perr := alice.engine.CreateTransfer(context.Background(), engine.CreateTransferParams{
		ChannelAddress:       state.ChannelAddress,
		AssetID:              zeroAsset,
		Amount:               big.NewInt(40),
		TransferDefinition:   common.HexToAddress("0x2222"),
		TransferInitialState: []byte{0x01},
		TransferTimeout:      3600,
	})
	require.Nil(t, perr)
	require.Equal(t, uint64(3), created.Nonce)
	require.Equal(t, 0, big.NewInt(60).Cmp(created.Balances[0].Amount[0]))
	require.Equal(t, 0, big.NewInt(40).Cmp(created.LockedBalance[0]))
	require.NotEqual(t, merkle.EmptyRoot, created.MerkleRoot)
	requireSameState(t, alice, bob, state.ChannelAddress)

	transfers, err := bob.store.GetActiveTransfers(context.Background(), state.ChannelAddress)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	// bob resolves with the program paying him the locked 40
	executor.mu.Lock()
	executor.split = &types.Balance{
		To:     [2]common.Address{testutil.BobSigner(t).Address(), testutil.AliceSigner(t).Address()},
		Amount: [2]*big.Int{big.NewInt(40), new(big.Int)},
	}
	executor.mu.Unlock()

	resolved, perr := bob.engine.ResolveTransfer(context.Background(), engine.ResolveTransferParams{
		ChannelAddress:   state.ChannelAddress,
		TransferID:       transfers[0].TransferID,
		TransferResolver: []byte{0x02},
	})
	require.Nil(t, perr)
	require.Equal(t, uint64(4), resolved.Nonce)
	require.Equal(t, 0, big.NewInt(60).Cmp(resolved.Balances[0].Amount[0]))
	require.Equal(t, 0, big.NewInt(40).Cmp(resolved.Balances[0].Amount[1]))
	require.Equal(t, 0, new(big.Int).Cmp(resolved.LockedBalance[0]))
	require.Equal(t, merkle.EmptyRoot, resolved.MerkleRoot)
	requireSameState(t, alice, bob, state.ChannelAddress)

	for _, peer := range []testPeer{alice, bob} {
		active, err := peer.store.GetActiveTransfers(context.Background(), state.ChannelAddress)
		require.NoError(t, err)
		require.Empty(t, active)
	}
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	alice, _, reader, _ := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})
	_, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)

	_, perr = alice.engine.CreateTransfer(context.Background(), engine.CreateTransferParams{
		ChannelAddress:     state.ChannelAddress,
		AssetID:            zeroAsset,
		Amount:             big.NewInt(1000),
		TransferDefinition: common.HexToAddress("0x2222"),
		TransferTimeout:    3600,
	})
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonConservationViolated, perr.Reason)
}

func TestCreateRejectsProgramVeto(t *testing.T) {
	alice, _, reader, executor := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})
	_, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)

	executor.mu.Lock()
	executor.accept = false
	executor.mu.Unlock()

	_, perr = alice.engine.CreateTransfer(context.Background(), engine.CreateTransferParams{
		ChannelAddress:     state.ChannelAddress,
		AssetID:            zeroAsset,
		Amount:             big.NewInt(40),
		TransferDefinition: common.HexToAddress("0x2222"),
		TransferTimeout:    3600,
	})
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonTransferNotAccepted, perr.Reason)
}

func TestStaleUpdateResync(t *testing.T) {
	alice, bob, reader, _ := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})
	deposited, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)
	requireSameState(t, alice, bob, state.ChannelAddress)

	// advance bob's view of the channel past alice's: a deposit she missed
	ahead := deposited.Clone()
	ahead.Nonce = deposited.Nonce + 1
	ahead.LatestDepositNonce = 2
	ahead.Balances[0].Amount[0] = big.NewInt(150)
	aheadUpdate := &types.ChannelUpdate{
		Type:           types.UpdateTypeDeposit,
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: testutil.BobIdentifier,
		ToIdentifier:   testutil.AliceIdentifier,
		Nonce:          ahead.Nonce,
		Balance:        ahead.Balances[0].Clone(),
		AssetID:        zeroAsset,
		Details:        types.DepositDetails{LatestDepositNonce: 2},
	}
	sigs := testutil.SignState(t, ahead)
	aheadUpdate.Signatures[0] = sigs[0]
	aheadUpdate.Signatures[1] = sigs[1]
	ahead.LatestUpdate = aheadUpdate
	commit := types.CommitmentFromState(ahead)
	commit.Signatures = aheadUpdate.Signatures
	require.NoError(t, bob.store.SaveChannelState(context.Background(), ahead, commit, nil))

	// the chain now backs bob's view, so the re-initiated round validates
	reader.setDeposit(zeroAsset, 150, types.DepositRecord{Amount: big.NewInt(50), Nonce: 2})

	created, perr := alice.engine.CreateTransfer(context.Background(), engine.CreateTransferParams{
		ChannelAddress:     state.ChannelAddress,
		AssetID:            zeroAsset,
		Amount:             big.NewInt(40),
		TransferDefinition: common.HexToAddress("0x2222"),
		TransferTimeout:    3600,
	})
	require.Nil(t, perr)

	// alice adopted bob's nonce 3 state, then completed her create at nonce 4
	require.Equal(t, uint64(4), created.Nonce)
	require.Equal(t, 0, big.NewInt(110).Cmp(created.Balances[0].Amount[0]))
	require.Equal(t, 0, big.NewInt(40).Cmp(created.LockedBalance[0]))
	requireSameState(t, alice, bob, state.ChannelAddress)
}

func TestTimeoutWithoutCounterparty(t *testing.T) {
	ctx := context.Background()
	messenger := messaging.NewMemoryMessenger()
	reader := newMockReader()
	store := storage.NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))

	eng, err := engine.New(ctx, testutil.AliceIdentifier, testutil.AliceSigner(t), messenger, store, reader, &mockExecutor{accept: true},
		engine.WithMessagingTimeout(50*time.Millisecond), engine.WithMessagingRetries(1))
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	_, perr := eng.Setup(ctx, engine.SetupParams{
		CounterpartyIdentifier: testutil.BobIdentifier,
		CounterpartyAddress:    testutil.BobSigner(t).Address(),
		Timeout:                86400,
		NetworkContext:         testutil.TestNetworkContext(),
	})
	require.NotNil(t, perr)
	require.Equal(t, types.ReasonMessagingTimeout, perr.Reason)
	// the retry happened with a fresh inbox before giving up
	require.Equal(t, "2", perr.Context["attempts"])

	// nothing was persisted for the failed round
	state, err := store.GetChannelState(ctx, types.DeriveChannelAddress(
		testutil.AliceSigner(t).Address(), testutil.BobSigner(t).Address(), testutil.TestNetworkContext()))
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestPerChannelSerialization(t *testing.T) {
	alice, bob, reader, _ := newTestPair(t)
	state := setupChannel(t, alice)
	reader.setDeposit(zeroAsset, 100, types.DepositRecord{Amount: big.NewInt(100), Nonce: 1})
	_, perr := alice.engine.Deposit(context.Background(), engine.DepositParams{
		ChannelAddress: state.ChannelAddress,
		AssetID:        zeroAsset,
	})
	require.Nil(t, perr)

	// two concurrent creates on one channel must serialize, not interleave
	var wg sync.WaitGroup
	errs := make([]*types.Error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = alice.engine.CreateTransfer(context.Background(), engine.CreateTransferParams{
				ChannelAddress:     state.ChannelAddress,
				AssetID:            zeroAsset,
				Amount:             big.NewInt(10),
				TransferDefinition: common.HexToAddress("0x2222"),
				TransferTimeout:    3600,
			})
		}(i)
	}
	wg.Wait()
	require.Nil(t, errs[0])
	require.Nil(t, errs[1])

	final := requireSameState(t, alice, bob, state.ChannelAddress)
	require.Equal(t, uint64(4), final.Nonce)
	require.Equal(t, 0, big.NewInt(20).Cmp(final.LockedBalance[0]))
	require.Equal(t, 0, big.NewInt(80).Cmp(final.Balances[0].Amount[0]))
}

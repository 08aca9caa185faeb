// Package testutil holds shared fixtures for protocol tests: deterministic
// participant keys and ready-made channel states.
package testutil

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/pkg/commitment"
	"github.com/alfredolopez80/vector/pkg/merkle"
	"github.com/alfredolopez80/vector/pkg/signer"
	"github.com/alfredolopez80/vector/pkg/types"
)

// Deterministic test keys. Never use these outside tests.
const (
	AliceKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	BobKeyHex   = "6cbed15c793ce57650b9877cf6fa156fbef513c4e6134f022a85b1ffdd59b2a1"
)

const (
	AliceIdentifier = types.PublicIdentifier("vector6Alice1111111111111111111111111111111111")
	BobIdentifier   = types.PublicIdentifier("vector6Bob222222222222222222222222222222222222")
)

// AliceSigner returns the deterministic alice signer.
func AliceSigner(t *testing.T) *signer.InMemorySigner {
	t.Helper()
	s, err := signer.NewInMemorySignerFromHex(AliceKeyHex)
	require.NoError(t, err)
	return s
}

// BobSigner returns the deterministic bob signer.
func BobSigner(t *testing.T) *signer.InMemorySigner {
	t.Helper()
	s, err := signer.NewInMemorySignerFromHex(BobKeyHex)
	require.NoError(t, err)
	return s
}

// TestNetworkContext is the network context used across tests.
func TestNetworkContext() types.NetworkContext {
	return types.NetworkContext{
		ChainID:            1,
		AdjudicatorAddress: common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
	}
}

// NewChannelState builds a freshly set-up channel between alice and bob at
// nonce 1 with no balances.
func NewChannelState(t *testing.T) *types.FullChannelState {
	t.Helper()
	alice := AliceSigner(t)
	bob := BobSigner(t)
	networkContext := TestNetworkContext()
	channelAddress := types.DeriveChannelAddress(alice.Address(), bob.Address(), networkContext)
	return &types.FullChannelState{
		CoreChannelState: types.CoreChannelState{
			ChannelAddress:     channelAddress,
			Participants:       [2]common.Address{alice.Address(), bob.Address()},
			Timeout:            86400,
			Balances:           []types.Balance{},
			LockedBalance:      []*big.Int{},
			AssetIDs:           []common.Address{},
			Nonce:              1,
			LatestDepositNonce: 0,
			MerkleRoot:         merkle.EmptyRoot,
		},
		PublicIdentifiers: [2]types.PublicIdentifier{AliceIdentifier, BobIdentifier},
		NetworkContext:    networkContext,
	}
}

// FundedChannelState builds a channel holding the given alice/bob balance of
// the zero asset at nonce 2.
func FundedChannelState(t *testing.T, aliceAmount, bobAmount int64) *types.FullChannelState {
	t.Helper()
	state := NewChannelState(t)
	state.AssetIDs = []common.Address{{}}
	state.Balances = []types.Balance{{
		To:     state.Participants,
		Amount: [2]*big.Int{big.NewInt(aliceAmount), big.NewInt(bobAmount)},
	}}
	state.LockedBalance = []*big.Int{new(big.Int)}
	state.Nonce = 2
	state.LatestDepositNonce = 1
	return state
}

// SignState signs the state's commitment with both participant keys and
// returns the signature pair.
func SignState(t *testing.T, state *types.FullChannelState) [2][]byte {
	t.Helper()
	digest, err := commitment.SigningDigestForState(state)
	require.NoError(t, err)
	aliceSig, err := AliceSigner(t).SignMessage(digest.Bytes())
	require.NoError(t, err)
	bobSig, err := BobSigner(t).SignMessage(digest.Bytes())
	require.NoError(t, err)
	return [2][]byte{aliceSig, bobSig}
}

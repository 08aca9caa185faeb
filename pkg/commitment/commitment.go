// Package commitment produces the exact bytes both participants sign to
// attest to a channel state, and recovers signing addresses from those
// signatures. The encoding follows the adjudicator's ABI and must stay
// byte-identical across implementations.
package commitment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alfredolopez80/vector/pkg/types"
)

// SignatureLength is the expected length of a compact secp256k1 signature
// with recovery id.
const SignatureLength = crypto.SignatureLength

var (
	ErrEmptySignature   = errors.New("empty signature")
	ErrBadSignatureSize = errors.New("signature must be 65 bytes")
)

var (
	commitmentArgs abi.Arguments
	transferArgs   abi.Arguments
)

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("bad abi type %s: %s", t, err))
		}
		return typ
	}
	// Field order: chainId, then the core state fields in declared order,
	// then the adjudicator address. Signatures never enter the preimage.
	commitmentArgs = abi.Arguments{
		{Name: "chainId", Type: mustType("uint256")},
		{Name: "channelAddress", Type: mustType("address")},
		{Name: "participants", Type: mustType("address[2]")},
		{Name: "timeout", Type: mustType("uint256")},
		{Name: "balances", Type: mustType("uint256[]")},
		{Name: "lockedBalance", Type: mustType("uint256[]")},
		{Name: "assetIds", Type: mustType("address[]")},
		{Name: "nonce", Type: mustType("uint256")},
		{Name: "latestDepositNonce", Type: mustType("uint256")},
		{Name: "merkleRoot", Type: mustType("bytes32")},
		{Name: "adjudicatorAddress", Type: mustType("address")},
	}
	transferArgs = abi.Arguments{
		{Name: "channelAddress", Type: mustType("address")},
		{Name: "transferId", Type: mustType("bytes32")},
		{Name: "transferDefinition", Type: mustType("address")},
		{Name: "assetId", Type: mustType("address")},
		{Name: "transferTimeout", Type: mustType("uint256")},
		{Name: "channelNonce", Type: mustType("uint256")},
		{Name: "amounts", Type: mustType("uint256[2]")},
		{Name: "initialStateHash", Type: mustType("bytes32")},
	}
}

// Encode returns the canonical ABI encoding of the commitment preimage.
func Encode(c *types.ChannelCommitment) ([]byte, error) {
	state := c.State
	balances := make([]*big.Int, 0, 2*len(state.Balances))
	for _, b := range state.Balances {
		for _, amt := range b.Amount {
			if amt == nil {
				amt = new(big.Int)
			}
			balances = append(balances, amt)
		}
	}
	locked := make([]*big.Int, len(state.LockedBalance))
	for i, l := range state.LockedBalance {
		if l == nil {
			l = new(big.Int)
		}
		locked[i] = l
	}
	assetIDs := append([]common.Address{}, state.AssetIDs...)
	return commitmentArgs.Pack(
		new(big.Int).SetUint64(c.ChainID),
		state.ChannelAddress,
		state.Participants,
		new(big.Int).SetUint64(state.Timeout),
		balances,
		locked,
		assetIDs,
		new(big.Int).SetUint64(state.Nonce),
		new(big.Int).SetUint64(state.LatestDepositNonce),
		state.MerkleRoot,
		c.AdjudicatorAddress,
	)
}

// Hash returns the keccak256 digest of the canonical encoding.
func Hash(c *types.ChannelCommitment) (common.Hash, error) {
	encoded, err := Encode(c)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// SigningDigest returns the domain-separated digest a participant actually
// signs: the EIP-191 prefixed hash of the commitment digest.
func SigningDigest(c *types.ChannelCommitment) (common.Hash, error) {
	hash, err := Hash(c)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(accounts.TextHash(hash.Bytes())), nil
}

// SigningDigestForState is SigningDigest over the commitment assembled from a
// full channel state.
func SigningDigestForState(state *types.FullChannelState) (common.Hash, error) {
	return SigningDigest(types.CommitmentFromState(state))
}

// RecoverSigner recovers the address that produced sig over digest. Both
// recovery id conventions (0/1 and 27/28) are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) == 0 {
		return common.Address{}, ErrEmptySignature
	}
	if len(sig) != SignatureLength {
		return common.Address{}, ErrBadSignatureSize
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySlot checks that the signature in slot idx recovers to the
// corresponding participant. This is the only criterion that makes a
// signature valid in that slot.
func VerifySlot(c *types.ChannelCommitment, idx int) error {
	digest, err := SigningDigest(c)
	if err != nil {
		return err
	}
	signer, err := RecoverSigner(digest, c.Signatures[idx])
	if err != nil {
		return err
	}
	if signer != c.State.Participants[idx] {
		return fmt.Errorf("signature slot %d recovered %s, want %s", idx, signer.Hex(), c.State.Participants[idx].Hex())
	}
	return nil
}

// HashTransferState produces the merkle leaf for an active transfer: the
// keccak digest of its own commitment encoding.
func HashTransferState(t *types.FullTransferState) (common.Hash, error) {
	var amounts [2]*big.Int
	for i, amt := range t.Balance.Amount {
		if amt == nil {
			amt = new(big.Int)
		}
		amounts[i] = amt
	}
	encoded, err := transferArgs.Pack(
		t.ChannelAddress,
		t.TransferID,
		t.TransferDefinition,
		t.AssetID,
		new(big.Int).SetUint64(t.TransferTimeout),
		new(big.Int).SetUint64(t.ChannelNonce),
		amounts,
		crypto.Keccak256Hash(t.InitialState),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// TransferLeaves maps a set of active transfers to their merkle leaves.
func TransferLeaves(transfers []*types.FullTransferState) ([]common.Hash, error) {
	leaves := make([]common.Hash, 0, len(transfers))
	for _, t := range transfers {
		leaf, err := HashTransferState(t)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

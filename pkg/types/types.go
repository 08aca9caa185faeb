package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PublicIdentifier is the long-lived routing identifier of a participant. It
// is distinct from the participant's on-chain address, which is only used for
// signature recovery.
type PublicIdentifier string

func (p PublicIdentifier) String() string {
	return string(p)
}

// Balance is a per-asset two-element balance. Element order matches
// participant order.
type Balance struct {
	To     [2]common.Address `json:"to"`
	Amount [2]*big.Int       `json:"amount"`
}

// Clone returns a deep copy; the amounts are never shared.
func (b Balance) Clone() Balance {
	out := Balance{To: b.To}
	for i, amt := range b.Amount {
		if amt != nil {
			out.Amount[i] = new(big.Int).Set(amt)
		} else {
			out.Amount[i] = new(big.Int)
		}
	}
	return out
}

// Total returns the sum of both elements.
func (b Balance) Total() *big.Int {
	total := new(big.Int)
	for _, amt := range b.Amount {
		if amt != nil {
			total.Add(total, amt)
		}
	}
	return total
}

// NetworkContext pins a channel to a chain and the adjudicator contract that
// rules on its signed commitments. Immutable once the channel is set up.
type NetworkContext struct {
	ChainID            uint64         `json:"chainId"`
	AdjudicatorAddress common.Address `json:"adjudicatorAddress"`
}

// CoreChannelState holds exactly the fields that enter the commitment both
// participants sign. Asset-indexed fields (Balances, LockedBalance) are
// parallel to AssetIDs.
type CoreChannelState struct {
	ChannelAddress     common.Address    `json:"channelAddress"`
	Participants       [2]common.Address `json:"participants"`
	Timeout            uint64            `json:"timeout"`
	Balances           []Balance         `json:"balances"`
	LockedBalance      []*big.Int        `json:"lockedBalance"`
	AssetIDs           []common.Address  `json:"assetIds"`
	Nonce              uint64            `json:"nonce"`
	LatestDepositNonce uint64            `json:"latestDepositNonce"`
	MerkleRoot         common.Hash       `json:"merkleRoot"`
}

// AssetIndex returns the index of assetID in the asset list.
func (s *CoreChannelState) AssetIndex(assetID common.Address) (int, bool) {
	for i, a := range s.AssetIDs {
		if a == assetID {
			return i, true
		}
	}
	return 0, false
}

// ParticipantIndex returns the signature slot for the given on-chain address.
func (s *CoreChannelState) ParticipantIndex(addr common.Address) (int, bool) {
	for i, p := range s.Participants {
		if p == addr {
			return i, true
		}
	}
	return 0, false
}

// FullChannelState extends the core (signed) state with the routing
// identifiers, the network context and the last accepted update. Only the
// embedded core fields enter the commitment.
type FullChannelState struct {
	CoreChannelState
	PublicIdentifiers [2]PublicIdentifier `json:"publicIdentifiers"`
	NetworkContext    NetworkContext      `json:"networkContext"`
	LatestUpdate      *ChannelUpdate      `json:"latestUpdate,omitempty"`
}

// Clone returns a deep copy of the state. Transitions operate on clones so
// that the previous state is never mutated.
func (s *FullChannelState) Clone() *FullChannelState {
	if s == nil {
		return nil
	}
	out := &FullChannelState{
		CoreChannelState: CoreChannelState{
			ChannelAddress:     s.ChannelAddress,
			Participants:       s.Participants,
			Timeout:            s.Timeout,
			Nonce:              s.Nonce,
			LatestDepositNonce: s.LatestDepositNonce,
			MerkleRoot:         s.MerkleRoot,
		},
		PublicIdentifiers: s.PublicIdentifiers,
		NetworkContext:    s.NetworkContext,
		LatestUpdate:      s.LatestUpdate,
	}
	out.Balances = make([]Balance, len(s.Balances))
	for i, b := range s.Balances {
		out.Balances[i] = b.Clone()
	}
	out.LockedBalance = make([]*big.Int, len(s.LockedBalance))
	for i, l := range s.LockedBalance {
		if l != nil {
			out.LockedBalance[i] = new(big.Int).Set(l)
		} else {
			out.LockedBalance[i] = new(big.Int)
		}
	}
	out.AssetIDs = append([]common.Address{}, s.AssetIDs...)
	return out
}

// IdentifierIndex returns the participant slot for a routing identifier.
func (s *FullChannelState) IdentifierIndex(id PublicIdentifier) (int, bool) {
	for i, p := range s.PublicIdentifiers {
		if p == id {
			return i, true
		}
	}
	return 0, false
}

// CounterpartyOf returns the other participant's identifier.
func (s *FullChannelState) CounterpartyOf(id PublicIdentifier) PublicIdentifier {
	if s.PublicIdentifiers[0] == id {
		return s.PublicIdentifiers[1]
	}
	return s.PublicIdentifiers[0]
}

func (s *FullChannelState) String() string {
	return fmt.Sprintf("channel %s nonce=%d depositNonce=%d assets=%d", s.ChannelAddress.Hex(), s.Nonce, s.LatestDepositNonce, len(s.AssetIDs))
}

// DepositRecord is the latest recognized on-chain deposit for an asset: the
// amount credited to participant 0 and the on-chain deposit counter at which
// it happened.
type DepositRecord struct {
	Amount *big.Int `json:"amount"`
	Nonce  uint64   `json:"nonce"`
}

// DeriveChannelAddress computes the deterministic channel identifier from the
// ordered participant pair and the network context. The same inputs always
// produce the same address on both peers.
func DeriveChannelAddress(alice, bob common.Address, networkContext NetworkContext) common.Address {
	preimage := make([]byte, 0, 3*common.AddressLength+8)
	preimage = append(preimage, alice.Bytes()...)
	preimage = append(preimage, bob.Bytes()...)
	preimage = append(preimage, new(big.Int).SetUint64(networkContext.ChainID).FillBytes(make([]byte, 8))...)
	preimage = append(preimage, networkContext.AdjudicatorAddress.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(preimage)[12:])
}

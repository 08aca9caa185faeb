package engine

import (
	"crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// SetupParams opens a new channel with a counterparty.
type SetupParams struct {
	CounterpartyIdentifier types.PublicIdentifier
	CounterpartyAddress    common.Address
	Timeout                uint64
	NetworkContext         types.NetworkContext
}

// DepositParams reconciles on-chain balance changes for one asset into the
// channel.
type DepositParams struct {
	ChannelAddress common.Address
	AssetID        common.Address
}

// CreateTransferParams locks part of the proposer's free balance under a
// condition program.
type CreateTransferParams struct {
	ChannelAddress common.Address
	AssetID        common.Address
	Amount         *big.Int
	// TransferID may be left zero, in which case a random id is assigned.
	TransferID           common.Hash
	TransferDefinition   common.Address
	TransferInitialState []byte
	TransferEncodings    [2]string
	TransferTimeout      uint64
	Meta                 map[string]string
}

// ResolveTransferParams releases an active transfer per the condition
// program's verdict on the resolver.
type ResolveTransferParams struct {
	ChannelAddress   common.Address
	TransferID       common.Hash
	TransferResolver []byte
	Meta             map[string]string
}

func newTransferID() common.Hash {
	var id common.Hash
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return id
}

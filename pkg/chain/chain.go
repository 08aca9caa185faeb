// Package chain exposes the read-only view of the settlement chains the
// protocol core needs: channel holdings, deposit records, deployed code and
// gas price. The core never writes to a chain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// Reader is the chain collaborator consumed by the protocol driver.
// Implementations must be safe for concurrent use across channels.
type Reader interface {
	// GetChannelOnchainBalance returns the channel contract's current holding
	// of the given asset.
	GetChannelOnchainBalance(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address) (*big.Int, error)

	// GetLatestDepositByAssetID returns the most recent participant-0 deposit
	// record for the asset. The record is not filtered by sinceNonce: its
	// nonce is at or below sinceNonce when no newer deposit exists.
	GetLatestDepositByAssetID(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address, sinceNonce uint64) (*types.DepositRecord, error)

	// GetCode returns the bytecode deployed at address. Empty bytes mean the
	// address is undeployed.
	GetCode(ctx context.Context, address common.Address, chainID uint64) ([]byte, error)

	// GetGasPrice returns the suggested gas price for the chain.
	GetGasPrice(ctx context.Context, chainID uint64) (*big.Int, error)

	// Call executes a read-only contract call and returns the raw result.
	Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error)
}

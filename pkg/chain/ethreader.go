package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	logging "github.com/ipfs/go-log/v2"

	"github.com/alfredolopez80/vector/pkg/types"
)

var log = logging.Logger("vector/chain")

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const channelABI = `[
	{"name":"latestDepositByAssetId","type":"function","stateMutability":"view",
	 "inputs":[{"name":"assetId","type":"address"}],
	 "outputs":[{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"}]}
]`

// EthReader implements Reader over one RPC client per chain id.
type EthReader struct {
	clients    map[uint64]*ethclient.Client
	erc20ABI   abi.ABI
	channelABI abi.ABI
}

var _ Reader = (*EthReader)(nil)

// NewEthReader wires an EthReader over the provided per-chain clients.
func NewEthReader(clients map[uint64]*ethclient.Client) (*EthReader, error) {
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	chanABI, err := abi.JSON(strings.NewReader(channelABI))
	if err != nil {
		return nil, err
	}
	return &EthReader{
		clients:    clients,
		erc20ABI:   tokenABI,
		channelABI: chanABI,
	}, nil
}

// DialEthReader connects one RPC endpoint per chain id.
func DialEthReader(ctx context.Context, endpoints map[uint64]string) (*EthReader, error) {
	clients := make(map[uint64]*ethclient.Client, len(endpoints))
	for chainID, endpoint := range endpoints {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dialing chain %d: %w", chainID, err)
		}
		clients[chainID] = client
	}
	return NewEthReader(clients)
}

func (r *EthReader) client(chainID uint64) (*ethclient.Client, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no client configured for chain %d", chainID)
	}
	return client, nil
}

func (r *EthReader) GetChannelOnchainBalance(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address) (*big.Int, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	if assetID == (common.Address{}) {
		return client.BalanceAt(ctx, channelAddress, nil)
	}
	data, err := r.erc20ABI.Pack("balanceOf", channelAddress)
	if err != nil {
		return nil, err
	}
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &assetID, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := r.erc20ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

func (r *EthReader) GetLatestDepositByAssetID(ctx context.Context, channelAddress common.Address, chainID uint64, assetID common.Address, sinceNonce uint64) (*types.DepositRecord, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	data, err := r.channelABI.Pack("latestDepositByAssetId", assetID)
	if err != nil {
		return nil, err
	}
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &channelAddress, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := r.channelABI.Unpack("latestDepositByAssetId", result)
	if err != nil {
		return nil, err
	}
	record := &types.DepositRecord{
		Amount: values[0].(*big.Int),
		Nonce:  values[1].(*big.Int).Uint64(),
	}
	if record.Nonce < sinceNonce {
		log.Debugw("no deposit at or after nonce", "channelAddress", channelAddress.Hex(), "sinceNonce", sinceNonce, "chainNonce", record.Nonce)
	}
	return record, nil
}

func (r *EthReader) GetCode(ctx context.Context, address common.Address, chainID uint64) ([]byte, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.CodeAt(ctx, address, nil)
}

func (r *EthReader) GetGasPrice(ctx context.Context, chainID uint64) (*big.Int, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

func (r *EthReader) Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

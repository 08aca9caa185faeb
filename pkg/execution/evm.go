package execution

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	"github.com/alfredolopez80/vector/pkg/chain"
	"github.com/alfredolopez80/vector/pkg/metrics"
	"github.com/alfredolopez80/vector/pkg/types"
)

var log = logging.Logger("vector/execution")

// staticCallGas bounds a single program evaluation. Condition programs are
// small pure functions; anything that needs more gas than this is broken.
const staticCallGas = uint64(10_000_000)

// caller is the synthetic origin of local evaluations.
var caller = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// EVMExecutor evaluates condition programs against a local copy of their
// bytecode in a fresh in-memory EVM per call. Evaluation is a static call:
// deterministic, read-only, no side effects.
type EVMExecutor struct {
	reader chain.Reader

	mu        sync.Mutex
	codeCache map[common.Address][]byte
}

var _ Executor = (*EVMExecutor)(nil)

// NewEVMExecutor creates a local executor that fetches program bytecode
// through the chain reader and caches it per definition address.
func NewEVMExecutor(reader chain.Reader) *EVMExecutor {
	return &EVMExecutor{
		reader:    reader,
		codeCache: make(map[common.Address][]byte),
	}
}

func (e *EVMExecutor) Create(ctx context.Context, transfer *types.FullTransferState, chainID uint64) (bool, error) {
	input, err := packCreate(transfer)
	if err != nil {
		return false, err
	}
	result, err := e.staticCall(ctx, transfer.TransferDefinition, chainID, input)
	if err != nil {
		return false, err
	}
	return unpackCreate(result)
}

func (e *EVMExecutor) Resolve(ctx context.Context, transfer *types.FullTransferState, resolver []byte, chainID uint64) (*types.Balance, error) {
	input, err := packResolve(transfer, resolver)
	if err != nil {
		return nil, err
	}
	result, err := e.staticCall(ctx, transfer.TransferDefinition, chainID, input)
	if err != nil {
		return nil, err
	}
	return unpackResolve(result)
}

func (e *EVMExecutor) code(ctx context.Context, definitionAddress common.Address, chainID uint64) ([]byte, error) {
	e.mu.Lock()
	cached, ok := e.codeCache[definitionAddress]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}
	code, err := e.reader.GetCode(ctx, definitionAddress, chainID)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, ErrUndeployed
	}
	e.mu.Lock()
	e.codeCache[definitionAddress] = code
	e.mu.Unlock()
	return code, nil
}

func (e *EVMExecutor) staticCall(ctx context.Context, definitionAddress common.Address, chainID uint64, input []byte) ([]byte, error) {
	code, err := e.code(ctx, definitionAddress, chainID)
	if err != nil {
		return nil, err
	}
	statedb, err := state.New(gethtypes.EmptyRootHash, state.NewDatabase(rawdb.NewMemoryDatabase()), nil)
	if err != nil {
		return nil, err
	}
	statedb.CreateAccount(definitionAddress)
	statedb.SetCode(definitionAddress, code)

	blockCtx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     func(uint64) common.Hash { return common.Hash{} },
		Coinbase:    common.Address{},
		BlockNumber: big.NewInt(1),
		Time:        big.NewInt(1),
		Difficulty:  big.NewInt(0),
		GasLimit:    staticCallGas,
		BaseFee:     big.NewInt(0),
	}
	txCtx := vm.TxContext{Origin: caller, GasPrice: big.NewInt(0)}
	evm := vm.NewEVM(blockCtx, txCtx, statedb, params.MainnetChainConfig, vm.Config{})

	result, _, err := evm.StaticCall(vm.AccountRef(caller), definitionAddress, input, staticCallGas)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChainExecutor evaluates condition programs against the deployed contract
// through the chain reader.
type ChainExecutor struct {
	reader chain.Reader
}

var _ Executor = (*ChainExecutor)(nil)

func NewChainExecutor(reader chain.Reader) *ChainExecutor {
	return &ChainExecutor{reader: reader}
}

func (e *ChainExecutor) Create(ctx context.Context, transfer *types.FullTransferState, chainID uint64) (bool, error) {
	input, err := packCreate(transfer)
	if err != nil {
		return false, err
	}
	result, err := e.reader.Call(ctx, chainID, transfer.TransferDefinition, input)
	if err != nil {
		return false, err
	}
	return unpackCreate(result)
}

func (e *ChainExecutor) Resolve(ctx context.Context, transfer *types.FullTransferState, resolver []byte, chainID uint64) (*types.Balance, error) {
	input, err := packResolve(transfer, resolver)
	if err != nil {
		return nil, err
	}
	result, err := e.reader.Call(ctx, chainID, transfer.TransferDefinition, input)
	if err != nil {
		return nil, err
	}
	return unpackResolve(result)
}

// FallbackExecutor prefers local bytecode evaluation and falls back to the
// on-chain read on any local failure.
type FallbackExecutor struct {
	local  Executor
	remote Executor
}

var _ Executor = (*FallbackExecutor)(nil)

// NewFallbackExecutor builds the default executor stack over a chain reader.
func NewFallbackExecutor(reader chain.Reader) *FallbackExecutor {
	return &FallbackExecutor{
		local:  NewEVMExecutor(reader),
		remote: NewChainExecutor(reader),
	}
}

// NewFallbackExecutorWith composes an explicit local/remote pair.
func NewFallbackExecutorWith(local, remote Executor) *FallbackExecutor {
	return &FallbackExecutor{local: local, remote: remote}
}

func (e *FallbackExecutor) Create(ctx context.Context, transfer *types.FullTransferState, chainID uint64) (bool, error) {
	verdict, err := e.local.Create(ctx, transfer, chainID)
	if err == nil {
		return verdict, nil
	}
	log.Debugw("local create evaluation failed, falling back to chain", "transferId", transfer.TransferID.Hex(), "error", err)
	stats.Record(ctx, metrics.ProgramFallbackCount.M(1))
	return e.remote.Create(ctx, transfer, chainID)
}

func (e *FallbackExecutor) Resolve(ctx context.Context, transfer *types.FullTransferState, resolver []byte, chainID uint64) (*types.Balance, error) {
	balance, err := e.local.Resolve(ctx, transfer, resolver, chainID)
	if err == nil {
		return balance, nil
	}
	log.Debugw("local resolve evaluation failed, falling back to chain", "transferId", transfer.TransferID.Hex(), "error", err)
	stats.Record(ctx, metrics.ProgramFallbackCount.M(1))
	return e.remote.Resolve(ctx, transfer, resolver, chainID)
}

// Package execution runs a transfer's condition program. The program's
// create method vets a proposed lock; its resolve method rules on the final
// balance split. Both run either against a local copy of the bytecode in a
// sandboxed VM or, as a fallback, against the deployed contract through the
// chain reader. The two modes must agree for any well-formed program.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alfredolopez80/vector/pkg/types"
)

// ErrUndeployed is returned when no bytecode exists at the transfer
// definition address.
var ErrUndeployed = errors.New("no bytecode at transfer definition")

const definitionABI = `[
	{"name":"create","type":"function","stateMutability":"view",
	 "inputs":[{"name":"encodedState","type":"bytes"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"resolve","type":"function","stateMutability":"view",
	 "inputs":[{"name":"encodedState","type":"bytes"},{"name":"encodedResolver","type":"bytes"}],
	 "outputs":[{"components":[{"name":"to","type":"address[2]"},{"name":"amount","type":"uint256[2]"}],
	             "name":"","type":"tuple"}]}
]`

type resolveOutput struct {
	To     [2]common.Address
	Amount [2]*big.Int
}

var definition abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(definitionABI))
	if err != nil {
		panic(fmt.Sprintf("bad transfer definition abi: %s", err))
	}
	definition = parsed
}

// Executor evaluates condition programs.
type Executor interface {
	// Create returns the program's verdict on a proposed lock.
	Create(ctx context.Context, transfer *types.FullTransferState, chainID uint64) (bool, error)

	// Resolve returns the final balance split for the transfer given the
	// resolver witness.
	Resolve(ctx context.Context, transfer *types.FullTransferState, resolver []byte, chainID uint64) (*types.Balance, error)
}

func packCreate(transfer *types.FullTransferState) ([]byte, error) {
	return definition.Pack("create", []byte(transfer.InitialState))
}

func packResolve(transfer *types.FullTransferState, resolver []byte) ([]byte, error) {
	return definition.Pack("resolve", []byte(transfer.InitialState), resolver)
}

func unpackCreate(result []byte) (bool, error) {
	values, err := definition.Unpack("create", result)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

func unpackResolve(result []byte) (*types.Balance, error) {
	values, err := definition.Unpack("resolve", result)
	if err != nil {
		return nil, err
	}
	out := abi.ConvertType(values[0], new(resolveOutput)).(*resolveOutput)
	return &types.Balance{To: out.To, Amount: out.Amount}, nil
}

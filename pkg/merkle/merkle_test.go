package merkle_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/pkg/merkle"
)

func TestEmptyRoot(t *testing.T) {
	require.Equal(t, merkle.EmptyRoot, merkle.Root(nil))
	require.Equal(t, merkle.EmptyRoot, merkle.Root([]common.Hash{}))
}

func TestSingleLeafIsItsOwnRoot(t *testing.T) {
	leaf := crypto.Keccak256Hash([]byte("transfer-1"))
	require.Equal(t, leaf, merkle.Root([]common.Hash{leaf}))
}

func TestPairOrderInvariance(t *testing.T) {
	a := crypto.Keccak256Hash([]byte("a"))
	b := crypto.Keccak256Hash([]byte("b"))
	require.Equal(t, merkle.Root([]common.Hash{a, b}), merkle.Root([]common.Hash{b, a}))
}

func TestAddRemoveLeafChangesRoot(t *testing.T) {
	a := crypto.Keccak256Hash([]byte("a"))
	b := crypto.Keccak256Hash([]byte("b"))
	c := crypto.Keccak256Hash([]byte("c"))

	rootAB := merkle.Root([]common.Hash{a, b})
	rootABC := merkle.Root([]common.Hash{a, b, c})
	require.NotEqual(t, rootAB, rootABC)

	// removing the added leaf restores the old root
	require.Equal(t, rootAB, merkle.Root([]common.Hash{a, b}))
	// removing everything restores the empty root
	require.Equal(t, merkle.EmptyRoot, merkle.Root(nil))
}

func TestRootIsDeterministic(t *testing.T) {
	leaves := []common.Hash{
		crypto.Keccak256Hash([]byte("1")),
		crypto.Keccak256Hash([]byte("2")),
		crypto.Keccak256Hash([]byte("3")),
		crypto.Keccak256Hash([]byte("4")),
		crypto.Keccak256Hash([]byte("5")),
	}
	require.Equal(t, merkle.Root(leaves), merkle.Root(leaves))
}

// Package merkle computes the root over the set of a channel's active
// transfers. Interior nodes hash their children in sorted order so that both
// participants derive the same root regardless of insertion history.
package merkle

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EmptyRoot is the root of the empty leaf set.
var EmptyRoot = common.Hash{}

// Root computes the keccak256 merkle root over the given leaves. A single
// leaf is its own root; an odd node is carried up unhashed.
func Root(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	layer := append([]common.Hash{}, leaves...)
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		layer = next
	}
	return layer[0]
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

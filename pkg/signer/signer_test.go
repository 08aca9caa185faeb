package signer_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alfredolopez80/vector/pkg/signer"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestAddressMatchesKey(t *testing.T) {
	s, err := signer.NewInMemorySignerFromHex(testKeyHex)
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
}

func TestSignMessageRecoversToAddress(t *testing.T) {
	s, err := signer.NewInMemorySignerFromHex(testKeyHex)
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("commitment"))
	sig, err := s.SignMessage(digest)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestSignMessageRejectsBadDigest(t *testing.T) {
	s, err := signer.NewInMemorySignerFromHex(testKeyHex)
	require.NoError(t, err)

	_, err = s.SignMessage([]byte("too short"))
	require.ErrorIs(t, err, signer.ErrBadDigest)
}

func TestRandomSignersAreDistinct(t *testing.T) {
	a, err := signer.NewRandomSigner()
	require.NoError(t, err)
	b, err := signer.NewRandomSigner()
	require.NoError(t, err)
	require.NotEqual(t, a.Address(), b.Address())
}

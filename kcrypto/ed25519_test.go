package kcrypto_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/keel-engine/keel/kcrypto"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, seed byte) kcrypto.Ed25519Signer {
	t.Helper()

	s := make([]byte, ed25519.SeedSize)
	s[0] = seed
	return kcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(s))
}

func TestEd25519_SignVerify(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer := newSigner(t, 1)
	msg := []byte("sign me")

	sig, err := signer.Sign(ctx, msg)
	require.NoError(t, err)
	require.True(t, signer.PubKey().Verify(msg, sig))
	require.False(t, signer.PubKey().Verify([]byte("other"), sig))
}

func TestEd25519_Equal(t *testing.T) {
	t.Parallel()

	a := newSigner(t, 1).PubKey()
	b := newSigner(t, 1).PubKey()
	c := newSigner(t, 2).PubKey()

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestEd25519_AddressStable(t *testing.T) {
	t.Parallel()

	a := newSigner(t, 1).PubKey()
	b := newSigner(t, 1).PubKey()

	require.Equal(t, a.Address(), b.Address())
	require.Len(t, a.Address(), 32)
	require.NotEqual(t, a.Address(), newSigner(t, 2).PubKey().Address())
}

func TestNewEd25519PubKey_Length(t *testing.T) {
	t.Parallel()

	_, err := kcrypto.NewEd25519PubKey(make([]byte, 5))
	require.Error(t, err)

	pub := newSigner(t, 1).PubKey()
	parsed, err := kcrypto.NewEd25519PubKey(pub.PubKeyBytes())
	require.NoError(t, err)
	require.True(t, parsed.Equal(pub))
}

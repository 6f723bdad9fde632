// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package group

import (
	"bytes"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestGroups(t *testing.T) {
	t.Parallel()
	for _, g := range All() {
		g := g
		t.Run(g.Name(), func(t *testing.T) {
			t.Parallel()
			require := require.New(t)

			a, err := NewKeypair(g, rand.Reader)
			require.NoError(err)
			b, err := NewKeypair(g, rand.Reader)
			require.NoError(err)

			require.Len(a.Public.Alpha(), g.AlphaLength())
			require.Len(a.Secret.Bytes(), g.ScalarLength())
			require.True(a.Public.IsValid())

			// Diffie-Hellman commutes.
			ab := b.Public.Mul(a.Secret)
			ba := a.Public.Mul(b.Secret)
			require.Equal(ab.Alpha(), ba.Alpha())

			// (x*y)*G == y*(x*G)
			xy := a.Secret.Mul(b.Secret)
			require.Equal(g.BaseMul(xy).Alpha(), a.Public.Mul(b.Secret).Alpha())

			decoded, err := g.ElementFromAlpha(a.Public.Alpha())
			require.NoError(err)
			require.Equal(a.Public.Alpha(), decoded.Alpha())

			restored, err := KeypairFromSecret(g, a.Secret.Bytes())
			require.NoError(err)
			require.Equal(a.Public.Alpha(), restored.Public.Alpha())

			_, err = g.ScalarFromBytes(make([]byte, g.ScalarLength()))
			require.ErrorIs(err, ErrInvalidScalar)
			_, err = g.ScalarFromBytes(make([]byte, g.ScalarLength()-1))
			require.ErrorIs(err, ErrInvalidScalar)
			_, err = g.ScalarFromKeyMaterial(make([]byte, g.KeyMaterialLength()))
			require.ErrorIs(err, ErrInvalidScalar)

			km := DeriveKey([]byte("ikm"), "test", nil, g.KeyMaterialLength())
			_, err = g.ScalarFromKeyMaterial(km)
			require.NoError(err)

			_, err = g.ElementFromAlpha(make([]byte, g.AlphaLength()))
			require.ErrorIs(err, ErrInvalidElement)
			_, err = g.ElementFromAlpha(a.Public.Alpha()[1:])
			require.ErrorIs(err, ErrInvalidElement)

			require.Equal(g, ByName(g.Name()))
		})
	}
}

func TestEd25519RejectsTorsion(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// The identity is encoded as y = 1.
	identity := make([]byte, 32)
	identity[0] = 1
	_, err := Ed25519.ElementFromAlpha(identity)
	require.ErrorIs(err, ErrInvalidElement)

	// A point of order 2, y = -1.
	order2 := bytes.Repeat([]byte{0xff}, 32)
	order2[0] = 0xec
	order2[31] = 0x7f
	_, err = Ed25519.ElementFromAlpha(order2)
	require.ErrorIs(err, ErrInvalidElement)
}

func TestDeriveKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := DeriveKey([]byte("secret"), "HASH_KEY_A", []byte("salt"), 32)
	b := DeriveKey([]byte("secret"), "HASH_KEY_B", []byte("salt"), 32)
	c := DeriveKey([]byte("secret"), "HASH_KEY_A", []byte("pepper"), 32)
	require.Len(a, 32)
	require.NotEqual(a, b)
	require.NotEqual(a, c)
	require.Equal(a, DeriveKey([]byte("secret"), "HASH_KEY_A", []byte("salt"), 32))
	require.Nil(ByName("x448"))
}

// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package group provides the prime order group abstraction the Sphinx
// key agreement is built on, along with Ed25519 and secp256k1 backends.
package group

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrInvalidScalar is returned when bytes do not encode a valid,
	// non-zero scalar.
	ErrInvalidScalar = errors.New("group: invalid scalar")

	// ErrInvalidElement is returned when bytes do not encode a valid group
	// element, or the element is the identity or a torsion point.
	ErrInvalidElement = errors.New("group: invalid group element")

	// ErrCalculation is returned when a derived value is unusable.
	ErrCalculation = errors.New("group: calculation error")
)

// Scalar is a non-zero, canonically reduced element of a group's scalar
// field.
type Scalar interface {
	// Bytes returns the canonical encoding of the scalar.
	Bytes() []byte

	// Mul returns the product of the scalar with s.  Both scalars must
	// belong to the same group.
	Mul(s Scalar) Scalar
}

// Element is an element of the group.
type Element interface {
	// Alpha returns the compressed encoding of the element.
	Alpha() []byte

	// Mul returns the element multiplied by the scalar s.
	Mul(s Scalar) Element

	// IsValid returns false for the neutral element and for points of
	// small order.
	IsValid() bool
}

// Group is a prime order group with a fixed size element encoding.
type Group interface {
	// Name returns the name of the group.
	Name() string

	// AlphaLength returns the size of an encoded Element.
	AlphaLength() int

	// ScalarLength returns the size of an encoded Scalar.
	ScalarLength() int

	// KeyMaterialLength returns the number of uniformly random bytes
	// ScalarFromKeyMaterial consumes.
	KeyMaterialLength() int

	// NewScalar samples a random non-zero scalar from r.
	NewScalar(r io.Reader) (Scalar, error)

	// ScalarFromBytes decodes a canonical scalar encoding.
	ScalarFromBytes(b []byte) (Scalar, error)

	// ScalarFromKeyMaterial reduces KeyMaterialLength bytes of KDF
	// output into a scalar.
	ScalarFromKeyMaterial(b []byte) (Scalar, error)

	// BaseMul multiplies the group generator by s.
	BaseMul(s Scalar) Element

	// ElementFromAlpha decodes and validates an encoded element.
	ElementFromAlpha(b []byte) (Element, error)
}

var groups = map[string]Group{
	strings.ToLower(Ed25519.Name()):   Ed25519,
	strings.ToLower(Secp256k1.Name()): Secp256k1,
}

// ByName returns the group with the given name, or nil.
func ByName(name string) Group {
	return groups[strings.ToLower(name)]
}

// All returns every supported group.
func All() []Group {
	return []Group{Ed25519, Secp256k1}
}

// Keypair is a secret scalar and its public element.
type Keypair struct {
	Secret Scalar
	Public Element
}

// NewKeypair generates a fresh keypair in g using entropy from r.
func NewKeypair(g Group, r io.Reader) (*Keypair, error) {
	s, err := g.NewScalar(r)
	if err != nil {
		return nil, err
	}
	return &Keypair{Secret: s, Public: g.BaseMul(s)}, nil
}

// KeypairFromSecret rebuilds a keypair from an encoded secret scalar.
func KeypairFromSecret(g Group, b []byte) (*Keypair, error) {
	s, err := g.ScalarFromBytes(b)
	if err != nil {
		return nil, err
	}
	return &Keypair{Secret: s, Public: g.BaseMul(s)}, nil
}

func readScalarEntropy(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("group: failed to read entropy: %w", err)
	}
	return b, nil
}

// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package group

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	secp256k1AlphaLength  = btcec.PubKeyBytesLenCompressed
	secp256k1ScalarLength = 32
)

// Secp256k1 is the secp256k1 curve group, as used by Bitcoin and Ethereum.
var Secp256k1 Group = secp256k1Group{}

type secp256k1Group struct{}

type secp256k1Scalar struct {
	s btcec.ModNScalar
}

func (s *secp256k1Scalar) Bytes() []byte {
	b := s.s.Bytes()
	return b[:]
}

func (s *secp256k1Scalar) Mul(o Scalar) Scalar {
	r := new(secp256k1Scalar)
	r.s.Mul2(&s.s, &o.(*secp256k1Scalar).s)
	return r
}

// secp256k1Element is kept in affine form so that Alpha is cheap.
type secp256k1Element struct {
	p btcec.JacobianPoint
}

func (e *secp256k1Element) isInfinity() bool {
	return (e.p.X.IsZero() && e.p.Y.IsZero()) || e.p.Z.IsZero()
}

func (e *secp256k1Element) Alpha() []byte {
	if e.isInfinity() {
		return make([]byte, secp256k1AlphaLength)
	}
	x, y := e.p.X, e.p.Y
	return btcec.NewPublicKey(&x, &y).SerializeCompressed()
}

func (e *secp256k1Element) Mul(s Scalar) Element {
	r := new(secp256k1Element)
	btcec.ScalarMultNonConst(&s.(*secp256k1Scalar).s, &e.p, &r.p)
	r.p.ToAffine()
	return r
}

// IsValid only has to rule out the point at infinity, the curve has a
// cofactor of 1.
func (e *secp256k1Element) IsValid() bool {
	return !e.isInfinity()
}

func (secp256k1Group) Name() string           { return "secp256k1" }
func (secp256k1Group) AlphaLength() int       { return secp256k1AlphaLength }
func (secp256k1Group) ScalarLength() int      { return secp256k1ScalarLength }
func (secp256k1Group) KeyMaterialLength() int { return secp256k1ScalarLength }

func (g secp256k1Group) NewScalar(r io.Reader) (Scalar, error) {
	for {
		b, err := readScalarEntropy(r, secp256k1ScalarLength)
		if err != nil {
			return nil, err
		}
		s, err := g.ScalarFromBytes(b)
		if err == nil {
			return s, nil
		}
	}
}

func (secp256k1Group) ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != secp256k1ScalarLength {
		return nil, ErrInvalidScalar
	}
	s := new(secp256k1Scalar)
	if overflow := s.s.SetByteSlice(b); overflow || s.s.IsZero() {
		return nil, ErrInvalidScalar
	}
	return s, nil
}

// ScalarFromKeyMaterial rejects rather than reduces out of range input,
// the probability of that happening with KDF output is negligible.
func (g secp256k1Group) ScalarFromKeyMaterial(b []byte) (Scalar, error) {
	return g.ScalarFromBytes(b)
}

func (secp256k1Group) BaseMul(s Scalar) Element {
	r := new(secp256k1Element)
	_, pub := btcec.PrivKeyFromBytes(s.Bytes())
	pub.AsJacobian(&r.p)
	return r
}

func (secp256k1Group) ElementFromAlpha(b []byte) (Element, error) {
	if len(b) != secp256k1AlphaLength {
		return nil, ErrInvalidElement
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidElement
	}
	e := new(secp256k1Element)
	pk.AsJacobian(&e.p)
	if !e.IsValid() {
		return nil, ErrInvalidElement
	}
	return e, nil
}

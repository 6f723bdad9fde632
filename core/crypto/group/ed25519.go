// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package group

import (
	"io"

	"filippo.io/edwards25519"
)

const (
	ed25519AlphaLength  = 32
	ed25519ScalarLength = 32
	ed25519WideLength   = 64
)

// Ed25519 is the prime order subgroup of edwards25519.
var Ed25519 Group = ed25519Group{}

type ed25519Group struct{}

type ed25519Scalar struct {
	s *edwards25519.Scalar
}

func (s *ed25519Scalar) Bytes() []byte {
	return s.s.Bytes()
}

func (s *ed25519Scalar) Mul(o Scalar) Scalar {
	return &ed25519Scalar{s: edwards25519.NewScalar().Multiply(s.s, o.(*ed25519Scalar).s)}
}

type ed25519Element struct {
	p *edwards25519.Point
}

func (e *ed25519Element) Alpha() []byte {
	return e.p.Bytes()
}

func (e *ed25519Element) Mul(s Scalar) Element {
	return &ed25519Element{p: new(edwards25519.Point).ScalarMult(s.(*ed25519Scalar).s, e.p)}
}

func (e *ed25519Element) IsValid() bool {
	id := edwards25519.NewIdentityPoint()
	if e.p.Equal(id) == 1 {
		return false
	}
	return new(edwards25519.Point).MultByCofactor(e.p).Equal(id) == 0
}

func (ed25519Group) Name() string           { return "Ed25519" }
func (ed25519Group) AlphaLength() int       { return ed25519AlphaLength }
func (ed25519Group) ScalarLength() int      { return ed25519ScalarLength }
func (ed25519Group) KeyMaterialLength() int { return ed25519WideLength }

func (g ed25519Group) NewScalar(r io.Reader) (Scalar, error) {
	for {
		b, err := readScalarEntropy(r, ed25519WideLength)
		if err != nil {
			return nil, err
		}
		s, err := g.ScalarFromKeyMaterial(b)
		if err == nil {
			return s, nil
		}
	}
}

func (ed25519Group) ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != ed25519ScalarLength {
		return nil, ErrInvalidScalar
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil || s.Equal(edwards25519.NewScalar()) == 1 {
		return nil, ErrInvalidScalar
	}
	return &ed25519Scalar{s: s}, nil
}

func (ed25519Group) ScalarFromKeyMaterial(b []byte) (Scalar, error) {
	if len(b) != ed25519WideLength {
		return nil, ErrInvalidScalar
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(b)
	if err != nil || s.Equal(edwards25519.NewScalar()) == 1 {
		return nil, ErrInvalidScalar
	}
	return &ed25519Scalar{s: s}, nil
}

func (ed25519Group) BaseMul(s Scalar) Element {
	return &ed25519Element{p: new(edwards25519.Point).ScalarBaseMult(s.(*ed25519Scalar).s)}
}

func (ed25519Group) ElementFromAlpha(b []byte) (Element, error) {
	if len(b) != ed25519AlphaLength {
		return nil, ErrInvalidElement
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, ErrInvalidElement
	}
	e := &ed25519Element{p: p}
	if !e.IsValid() {
		return nil, ErrInvalidElement
	}
	return e, nil
}

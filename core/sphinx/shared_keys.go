// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package sphinx implements the Sphinx packet format used between HOPR
// nodes: key agreement over a pluggable group, routing info, SURBs and
// packet unwrapping.
package sphinx

import (
	"io"

	"github.com/katzenpost/hopr/core/crypto/group"
)

// SharedKeys is the result of the Sphinx key agreement with every hop of
// a path: the initial Alpha to put in the header and one secret per hop,
// in path order.
type SharedKeys struct {
	Alpha   []byte
	Secrets []SharedSecret
}

// NewSharedKeys runs the iterative blinding key agreement with the public
// keys in path, using entropy from r for the initial ephemeral scalar.
func NewSharedKeys(g group.Group, path []group.Element, r io.Reader) (*SharedKeys, error) {
	if len(path) == 0 {
		return nil, ErrInvalidInput
	}

	coeff, err := g.NewScalar(r)
	if err != nil {
		return nil, err
	}
	alpha := g.BaseMul(coeff)

	keys := &SharedKeys{
		Alpha:   alpha.Alpha(),
		Secrets: make([]SharedSecret, 0, len(path)),
	}
	for i, pub := range path {
		shared := pub.Mul(coeff)
		keys.Secrets = append(keys.Secrets, deriveSecret(shared, pub.Alpha()))

		if i == len(path)-1 {
			break
		}
		b, err := blindingFactor(g, shared, alpha.Alpha())
		if err != nil {
			return nil, err
		}
		alpha = alpha.Mul(b)
		if !alpha.IsValid() {
			return nil, group.ErrCalculation
		}
		coeff = coeff.Mul(b)
	}
	return keys, nil
}

// ForwardTransform is the relay side of the key agreement.  From the
// received alpha and the node's keypair it recomputes the secret shared
// with the packet's creator and the alpha to forward to the next hop.
func ForwardTransform(g group.Group, alpha []byte, kp *group.Keypair) ([]byte, SharedSecret, error) {
	var secret SharedSecret
	a, err := g.ElementFromAlpha(alpha)
	if err != nil {
		return nil, secret, err
	}

	shared := a.Mul(kp.Secret)
	secret = deriveSecret(shared, kp.Public.Alpha())

	b, err := blindingFactor(g, shared, alpha)
	if err != nil {
		return nil, secret, err
	}
	next := a.Mul(b)
	if !next.IsValid() {
		return nil, secret, group.ErrCalculation
	}
	return next.Alpha(), secret, nil
}

func deriveSecret(shared group.Element, peerAlpha []byte) SharedSecret {
	var s SharedSecret
	copy(s[:], group.DeriveFromElement(shared, kdfSphinxSecret, peerAlpha, SharedSecretLength))
	return s
}

func blindingFactor(g group.Group, shared group.Element, alpha []byte) (group.Scalar, error) {
	km := group.DeriveFromElement(shared, kdfSphinxBlinding, alpha, g.KeyMaterialLength())
	b, err := g.ScalarFromKeyMaterial(km)
	if err != nil {
		return nil, group.ErrCalculation
	}
	return b, nil
}

// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hopr/core/crypto/group"
)

type identityFile struct {
	Group  string `cbor:"1,keyasint"`
	Secret []byte `cbor:"2,keyasint"`
}

// GenerateIdentity creates a new packet keypair in g and writes it to
// path, which must not exist.
func GenerateIdentity(path string, g group.Group, r io.Reader) (*group.Keypair, error) {
	kp, err := group.NewKeypair(g, r)
	if err != nil {
		return nil, err
	}
	b, err := cbor.Marshal(&identityFile{Group: g.Name(), Secret: kp.Secret.Bytes()})
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return nil, err
	}
	return kp, f.Sync()
}

// LoadIdentity reads the packet keypair at path, which must be in g.
func LoadIdentity(path string, g group.Group) (*group.Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id identityFile
	if err := cbor.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("server: identity '%v' is corrupted: %w", path, err)
	}
	if group.ByName(id.Group) != g {
		return nil, fmt.Errorf("server: identity '%v' is a %v key, expected %v", path, id.Group, g.Name())
	}
	return group.KeypairFromSecret(g, id.Secret)
}

// LoadOrGenerateIdentity loads the packet keypair at path, creating it
// if it does not exist.
func LoadOrGenerateIdentity(path string, g group.Group, r io.Reader) (*group.Keypair, error) {
	kp, err := LoadIdentity(path, g)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateIdentity(path, g, r)
	}
	return kp, err
}

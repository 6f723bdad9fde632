// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"fmt"
	"sync"
)

// KeyIDMapper maps between node public keys (Alpha encodings) and the
// short key identifiers carried in Sphinx headers.  The mapping must be
// one to one.
type KeyIDMapper interface {
	// KeyToID returns the identifier of a public key.
	KeyToID(pub []byte) ([]byte, bool)

	// IDToKey returns the public key for an identifier.
	IDToKey(id []byte) ([]byte, bool)
}

// KeyIDMap is an in-memory, concurrency safe KeyIDMapper.
type KeyIDMap struct {
	sync.RWMutex

	keyLen int
	idLen  int

	byID  map[string][]byte
	byKey map[string][]byte
}

// NewKeyIDMap creates an empty map for the geometry's key and identifier
// sizes.
func NewKeyIDMap(geo *Geometry) *KeyIDMap {
	return &KeyIDMap{
		keyLen: geo.AlphaLength,
		idLen:  geo.KeyIDLength,
		byID:   make(map[string][]byte),
		byKey:  make(map[string][]byte),
	}
}

// Insert adds a mapping.  Re-inserting an existing pair is a no-op, any
// other overlap with an existing mapping is an error.
func (m *KeyIDMap) Insert(id, pub []byte) error {
	if len(id) != m.idLen || len(pub) != m.keyLen {
		return ErrInvalidSize
	}

	m.Lock()
	defer m.Unlock()

	if k, ok := m.byID[string(id)]; ok {
		if string(k) == string(pub) {
			return nil
		}
		return fmt.Errorf("sphinx: key id %x is already mapped", id)
	}
	if _, ok := m.byKey[string(pub)]; ok {
		return fmt.Errorf("sphinx: key %x is already mapped", pub)
	}
	m.byID[string(id)] = append([]byte(nil), pub...)
	m.byKey[string(pub)] = append([]byte(nil), id...)
	return nil
}

// Len returns the number of mappings.
func (m *KeyIDMap) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.byID)
}

// KeyToID implements KeyIDMapper.
func (m *KeyIDMap) KeyToID(pub []byte) ([]byte, bool) {
	m.RLock()
	defer m.RUnlock()
	id, ok := m.byKey[string(pub)]
	return id, ok
}

// IDToKey implements KeyIDMapper.
func (m *KeyIDMap) IDToKey(id []byte) ([]byte, bool) {
	m.RLock()
	defer m.RUnlock()
	pub, ok := m.byID[string(id)]
	return pub, ok
}

func mapKeysToIDs(m KeyIDMapper, keys [][]byte) ([][]byte, error) {
	ids := make([][]byte, 0, len(keys))
	for _, k := range keys {
		id, ok := m.KeyToID(k)
		if !ok {
			return nil, fmt.Errorf("%w: key %x", ErrUnknownKeyID, k)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

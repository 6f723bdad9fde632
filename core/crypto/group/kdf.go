// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package group

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands ikm into length bytes of key material bound to the
// context string and salt, using HKDF-SHA256.
func DeriveKey(ikm []byte, context string, salt []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, ikm, salt, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		// Only possible when length exceeds 255 * 32 bytes.
		panic("group: DeriveKey: " + err.Error())
	}
	return out
}

// DeriveFromElement is DeriveKey with the element's encoding as input key
// material.
func DeriveFromElement(e Element, context string, salt []byte, length int) []byte {
	return DeriveKey(e.Alpha(), context, salt, length)
}

// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"crypto/subtle"
	"encoding/hex"

	"gitlab.com/yawning/aez.git"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/katzenpost/hopr/core/crypto/group"
)

const (
	// SharedSecretLength is the size of a per hop shared secret.
	SharedSecretLength = 32

	// MACLength is the size of the header authentication tag.
	MACLength = 16

	// SenderKeyLength is the size of a SURB's payload key.
	SenderKeyLength = 16

	// PacketTagLength is the size of the replay detection tag.
	PacketTagLength = 16

	prpKeyLength = 48
	prpIVLength  = 16

	macKeyLength = 32

	chacha20BlockSize = 64

	kdfSphinxSecret   = "HASH_KEY_SPHINX_SECRET"
	kdfSphinxBlinding = "HASH_KEY_SPHINX_BLINDING"
	kdfPRG            = "HASH_KEY_PRG"
	kdfMAC            = "HASH_KEY_HMAC"
	kdfPRP            = "HASH_KEY_PRP"
	kdfReplyPRP       = "HASH_KEY_REPLY_PRP"
	kdfPacketTag      = "HASH_KEY_PACKET_TAG"
)

// SharedSecret is the secret a packet's creator shares with one hop.
type SharedSecret [SharedSecretLength]byte

// Equal compares two secrets in constant time.
func (s *SharedSecret) Equal(o *SharedSecret) bool {
	return subtle.ConstantTimeCompare(s[:], o[:]) == 1
}

// Reset clears the secret.
func (s *SharedSecret) Reset() {
	clear(s[:])
}

// PacketTag identifies a packet layer for replay detection.
type PacketTag [PacketTagLength]byte

func (t PacketTag) String() string {
	return hex.EncodeToString(t[:])
}

// DerivePacketTag derives the replay tag of the layer encrypted with secret.
func DerivePacketTag(secret *SharedSecret) PacketTag {
	var t PacketTag
	copy(t[:], group.DeriveKey(secret[:], kdfPacketTag, nil, PacketTagLength))
	return t
}

// prgDigest returns bytes [from, to) of the keystream derived from secret.
func prgDigest(secret *SharedSecret, from, to int) []byte {
	km := group.DeriveKey(secret[:], kdfPRG, nil, chacha20.KeySize+chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(km[:chacha20.KeySize], km[chacha20.KeySize:])
	if err != nil {
		panic("sphinx: BUG: " + err.Error())
	}
	c.SetCounter(uint32(from / chacha20BlockSize))
	skip := from % chacha20BlockSize
	buf := make([]byte, skip+to-from)
	c.XORKeyStream(buf, buf)
	return buf[skip:]
}

// xorInPlace xors b into a, over the length of the shorter slice.
func xorInPlace(a, b []byte) {
	n := min(len(a), len(b))
	subtle.XORBytes(a[:n], a[:n], b[:n])
}

func computeMAC(secret *SharedSecret, data []byte) []byte {
	h, err := blake2b.New(MACLength, group.DeriveKey(secret[:], kdfMAC, nil, macKeyLength))
	if err != nil {
		panic("sphinx: BUG: " + err.Error())
	}
	h.Write(data)
	return h.Sum(nil)
}

// prp is a keyed pseudo random permutation over a whole payload, AEZ with
// no authenticator.
type prp struct {
	key [prpKeyLength]byte
	iv  [prpIVLength]byte
}

func newPRP(km []byte) *prp {
	p := new(prp)
	copy(p.key[:], km[:prpKeyLength])
	copy(p.iv[:], km[prpKeyLength:])
	return p
}

func newPRPFromSecret(secret *SharedSecret) *prp {
	return newPRP(group.DeriveKey(secret[:], kdfPRP, nil, prpKeyLength+prpIVLength))
}

func newReplyPRP(senderKey *[SenderKeyLength]byte, receiverData []byte) *prp {
	return newPRP(group.DeriveKey(senderKey[:], kdfReplyPRP, receiverData, prpKeyLength+prpIVLength))
}

func (p *prp) bytes() []byte {
	b := make([]byte, 0, prpKeyLength+prpIVLength)
	b = append(b, p.key[:]...)
	return append(b, p.iv[:]...)
}

func (p *prp) forward(b []byte) {
	copy(b, aez.Encrypt(p.key[:], p.iv[:], nil, 0, b, nil))
}

func (p *prp) inverse(b []byte) {
	dst, ok := aez.Decrypt(p.key[:], p.iv[:], nil, 0, b, nil)
	if !ok {
		panic("sphinx: BUG: aez.Decrypt failed with tau = 0")
	}
	copy(b, dst)
}

func (p *prp) reset() {
	clear(p.key[:])
	clear(p.iv[:])
}

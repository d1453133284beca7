// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratchet

import (
	"crypto/ed25519"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"

	"github.com/aspacca/pantalaimon/core/utils"
)

// IdentityKeyPair is a device's long term identity key material: an ed25519
// signing key and an X25519 key used in session establishment.  The key
// material is immutable once created.
type IdentityKeyPair struct {
	SigningPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey

	public  [publicKeySize]byte
	private *memguard.LockedBuffer
}

type serializedIdentity struct {
	SigningPrivate []byte
	Private        []byte
}

// NewIdentityKeyPair generates a new identity key pair.
func NewIdentityKeyPair(rand io.Reader) (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	k := &IdentityKeyPair{
		SigningPublic:  pub,
		signingPrivate: priv,
	}
	k.private, err = memguard.NewBufferFromReader(rand, privateKeySize)
	if err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&k.public, k.private.ByteArray32())
	return k, nil
}

// LoadIdentityKeyPair deserializes an identity key pair previously
// serialized with Save.  The input bytes are wiped.
func LoadIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	defer utils.ExplicitBzero(data)
	s := new(serializedIdentity)
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if len(s.SigningPrivate) != ed25519.PrivateKeySize || len(s.Private) != privateKeySize {
		return nil, ErrSerialisedKeyLength
	}
	k := &IdentityKeyPair{
		signingPrivate: ed25519.PrivateKey(s.SigningPrivate),
		private:        memguard.NewBufferFromBytes(s.Private),
	}
	k.SigningPublic = k.signingPrivate.Public().(ed25519.PublicKey)
	curve25519.ScalarBaseMult(&k.public, k.private.ByteArray32())
	return k, nil
}

// Save serializes the identity key pair for persistence.
func (k *IdentityKeyPair) Save() ([]byte, error) {
	return cbor.Marshal(&serializedIdentity{
		SigningPrivate: k.signingPrivate,
		Private:        k.private.Bytes(),
	})
}

// PublicX25519 returns a copy of the X25519 identity public key.
func (k *IdentityKeyPair) PublicX25519() []byte {
	out := make([]byte, publicKeySize)
	copy(out, k.public[:])
	return out
}

// Sign signs msg with the identity signing key.
func (k *IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.signingPrivate, msg)
}

// Destroy wipes the identity private key material.
func (k *IdentityKeyPair) Destroy() {
	utils.ExplicitBzero(k.signingPrivate)
	k.private.Destroy()
}

// PrekeyPair is a medium term (signed prekey) or single use (one time key)
// X25519 key pair published as part of a device's key bundle.
type PrekeyPair struct {
	ID      uint32
	Public  [publicKeySize]byte
	private *memguard.LockedBuffer
}

type serializedPrekey struct {
	ID      uint32
	Private []byte
}

// NewPrekeyPair generates a new prekey pair with the given identifier.
func NewPrekeyPair(rand io.Reader, id uint32) (*PrekeyPair, error) {
	p := &PrekeyPair{ID: id}
	var err error
	p.private, err = memguard.NewBufferFromReader(rand, privateKeySize)
	if err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&p.Public, p.private.ByteArray32())
	return p, nil
}

// LoadPrekeyPair deserializes a prekey pair.  The input bytes are wiped.
func LoadPrekeyPair(data []byte) (*PrekeyPair, error) {
	defer utils.ExplicitBzero(data)
	s := new(serializedPrekey)
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if len(s.Private) != privateKeySize {
		return nil, ErrSerialisedKeyLength
	}
	p := &PrekeyPair{
		ID:      s.ID,
		private: memguard.NewBufferFromBytes(s.Private),
	}
	curve25519.ScalarBaseMult(&p.Public, p.private.ByteArray32())
	return p, nil
}

// Save serializes the prekey pair for persistence.
func (p *PrekeyPair) Save() ([]byte, error) {
	return cbor.Marshal(&serializedPrekey{
		ID:      p.ID,
		Private: p.private.Bytes(),
	})
}

// Destroy wipes the prekey private key.
func (p *PrekeyPair) Destroy() {
	p.private.Destroy()
}

// KeyBundle is the public half of a device's published keys, fetched from
// the server by whoever wants to establish a session with the device.
type KeyBundle struct {
	IdentityKey     []byte
	SigningKey      []byte
	SignedPrekey    []byte
	PrekeySignature []byte
	OneTimeKey      []byte
	OneTimeKeyID    uint32
}

// Verify checks the prekey signature against the bundle's signing key.
func (b *KeyBundle) Verify() error {
	if len(b.SigningKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicIdentityKey
	}
	if len(b.IdentityKey) != publicKeySize || len(b.SignedPrekey) != publicKeySize {
		return ErrInvalidPubkey
	}
	if !ed25519.Verify(ed25519.PublicKey(b.SigningKey), b.SignedPrekey, b.PrekeySignature) {
		return ErrInvalidSignature
	}
	return nil
}

// Bundle assembles the public key bundle for an identity with the given
// signed prekey and optional one time key.
func Bundle(identity *IdentityKeyPair, signedPrekey *PrekeyPair, oneTime *PrekeyPair) *KeyBundle {
	b := &KeyBundle{
		IdentityKey:     identity.PublicX25519(),
		SigningKey:      append([]byte{}, identity.SigningPublic...),
		SignedPrekey:    append([]byte{}, signedPrekey.Public[:]...),
		PrekeySignature: identity.Sign(signedPrekey.Public[:]),
	}
	if oneTime != nil {
		b.OneTimeKey = append([]byte{}, oneTime.Public[:]...)
		b.OneTimeKeyID = oneTime.ID
	}
	return b
}

// PrekeyHeader accompanies messages sent on a freshly established outbound
// session, and lets the responder derive the same session root.
type PrekeyHeader struct {
	IdentityKey  []byte
	EphemeralKey []byte
	OneTimeKeyID uint32
	HasOneTime   bool
}

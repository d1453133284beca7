// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package senderkey implements the group sessions used for room
// encryption.  Each sending device owns one outbound session per room: a
// hash ratchet chain key advanced once per message, with every message
// signed by the session's ed25519 key.  The session is shared with the
// room's member devices as a chain key at a known index; a recipient holds
// an inbound session that can decrypt messages at or after that index and
// is unable to derive any earlier message key.
package senderkey

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"

	"github.com/aspacca/pantalaimon/core/utils"
)

const (
	keySize   = 32
	nonceSize = 24

	// payload layout: uint32 message index, nonce, sealed message.
	indexSize  = 4
	headerSize = indexSize + nonceSize

	// Overhead is the number of bytes a group session adds in ciphertext
	// overhead.
	Overhead = headerSize + secretbox.Overhead + ed25519.SignatureSize
)

var (
	ErrBadSignature   = errors.New("senderkey: bad message signature")
	ErrIndexUnknown   = errors.New("senderkey: message index precedes the session's first known index")
	ErrCorruptMessage = errors.New("senderkey: corrupt message")
	ErrMessageTooSmall = errors.New("senderkey: message too small to be valid")
	ErrSerialisedKeyLength = errors.New("senderkey: bad serialised key length")
	ErrSessionIDMismatch   = errors.New("senderkey: session id does not match the signing key")

	messageKeyLabel   = []byte("group message key")
	chainKeyStepLabel = []byte("group chain key step")
)

// SharedKey is the exportable form of a group session, sent to member
// devices over their pairwise sessions.  Index is the earliest message
// index the chain key can decrypt.
type SharedKey struct {
	RoomID     string
	SessionID  string
	ChainKey   []byte
	Index      uint32
	SigningKey []byte
}

// Wipe clears the chain key material.
func (k *SharedKey) Wipe() {
	utils.ExplicitBzero(k.ChainKey)
}

// sessionID derives the session identifier from the signing public key.
func sessionID(signingKey []byte) string {
	h := sha3.Sum256(signingKey)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, b := range h {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

func deriveMessageKey(chainKey *memguard.LockedBuffer) *memguard.LockedBuffer {
	h := hmac.New(sha3.New256, chainKey.Bytes())
	h.Write(messageKeyLabel)
	key := memguard.NewBuffer(keySize)
	h.Sum(key.Bytes()[:0])
	return key
}

func stepChainKey(chainKey *memguard.LockedBuffer) {
	h := hmac.New(sha3.New256, chainKey.Bytes())
	h.Write(chainKeyStepLabel)
	if !chainKey.IsMutable() {
		chainKey.Melt()
		defer chainKey.Freeze()
	}
	h.Sum(chainKey.Bytes()[:0])
}

// OutboundSession is the sending side of a group session.  Only the
// chain key at the current index is held: a share taken now cannot
// reach any earlier message, so a device added mid-session gets no
// history.
type OutboundSession struct {
	roomID    string
	id        string
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey

	chainKey *memguard.LockedBuffer
	index    uint32

	createdAt time.Time
	rand      io.Reader
}

type serializedOutbound struct {
	RoomID         string
	SigningPrivate []byte
	ChainKey       []byte
	Index          uint32
	CreatedAt      int64
}

// NewOutboundSession creates a fresh outbound group session for a room.
func NewOutboundSession(rand io.Reader, roomID string) (*OutboundSession, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	chainKey, err := memguard.NewBufferFromReader(rand, keySize)
	if err != nil {
		return nil, err
	}
	return &OutboundSession{
		roomID:         roomID,
		id:             sessionID(pub),
		signingPublic:  pub,
		signingPrivate: priv,
		chainKey:       chainKey,
		createdAt:      time.Now(),
		rand:           rand,
	}, nil
}

// ID returns the session identifier.
func (s *OutboundSession) ID() string {
	return s.id
}

// RoomID returns the room this session encrypts for.
func (s *OutboundSession) RoomID() string {
	return s.roomID
}

// Index returns the next message index.
func (s *OutboundSession) Index() uint32 {
	return s.index
}

// CreatedAt returns the session creation time.
func (s *OutboundSession) CreatedAt() time.Time {
	return s.createdAt
}

// Encrypt encrypts plaintext and returns the message index that was
// consumed along with the signed ciphertext.  The index advances exactly
// once per call.
func (s *OutboundSession) Encrypt(plaintext []byte) (uint32, []byte, error) {
	messageKey := deriveMessageKey(s.chainKey)
	defer messageKey.Destroy()

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return 0, nil, err
	}

	index := s.index
	payload := make([]byte, headerSize, headerSize+len(plaintext)+secretbox.Overhead+ed25519.SignatureSize)
	binary.BigEndian.PutUint32(payload[0:indexSize], index)
	copy(payload[indexSize:], nonce[:])
	payload = secretbox.Seal(payload, plaintext, &nonce, messageKey.ByteArray32())

	sig := ed25519.Sign(s.signingPrivate, payload)
	payload = append(payload, sig...)

	stepChainKey(s.chainKey)
	s.index++
	return index, payload, nil
}

// Share exports the session key at the current index for distribution
// to member devices.  The recipient can decrypt this index onward and
// nothing earlier.
func (s *OutboundSession) Share() *SharedKey {
	return &SharedKey{
		RoomID:     s.roomID,
		SessionID:  s.id,
		ChainKey:   append([]byte{}, s.chainKey.Bytes()...),
		Index:      s.index,
		SigningKey: append([]byte{}, s.signingPublic...),
	}
}

// Save serializes the outbound session.
func (s *OutboundSession) Save() ([]byte, error) {
	return cbor.Marshal(&serializedOutbound{
		RoomID:         s.roomID,
		SigningPrivate: s.signingPrivate,
		ChainKey:       s.chainKey.Bytes(),
		Index:          s.index,
		CreatedAt:      s.createdAt.UnixNano(),
	})
}

// LoadOutboundSession takes ownership of data and unmarshals it into an
// *OutboundSession.  The bytes are wiped afterwards.
func LoadOutboundSession(rand io.Reader, data []byte) (*OutboundSession, error) {
	defer utils.ExplicitBzero(data)
	ser := new(serializedOutbound)
	if err := cbor.Unmarshal(data, ser); err != nil {
		return nil, err
	}
	if len(ser.SigningPrivate) != ed25519.PrivateKeySize || len(ser.ChainKey) != keySize {
		return nil, ErrSerialisedKeyLength
	}
	priv := ed25519.PrivateKey(ser.SigningPrivate)
	pub := priv.Public().(ed25519.PublicKey)
	return &OutboundSession{
		roomID:         ser.RoomID,
		id:             sessionID(pub),
		signingPublic:  pub,
		signingPrivate: priv,
		chainKey:       memguard.NewBufferFromBytes(ser.ChainKey),
		index:          ser.Index,
		createdAt:      time.Unix(0, ser.CreatedAt),
		rand:           rand,
	}, nil
}

// Destroy wipes the outbound session's key material.
func (s *OutboundSession) Destroy() {
	utils.ExplicitBzero(s.signingPrivate)
	s.chainKey.Destroy()
}

// InboundSession is the receiving side of a group session: the chain key at
// the first known index plus the sender's signing public key.
type InboundSession struct {
	roomID     string
	id         string
	signingKey ed25519.PublicKey

	chainKey   *memguard.LockedBuffer
	firstIndex uint32
}

type serializedInbound struct {
	RoomID     string
	SigningKey []byte
	ChainKey   []byte
	FirstIndex uint32
}

// NewInboundSession creates an inbound session from a shared key.  The
// key's claimed session id must be the one derived from its signing
// key, so a share cannot occupy a session slot whose messages it could
// never verify.
func NewInboundSession(shared *SharedKey) (*InboundSession, error) {
	if len(shared.ChainKey) != keySize {
		return nil, ErrSerialisedKeyLength
	}
	if len(shared.SigningKey) != ed25519.PublicKeySize {
		return nil, ErrSerialisedKeyLength
	}
	if shared.SessionID != sessionID(shared.SigningKey) {
		return nil, ErrSessionIDMismatch
	}
	chainKey := memguard.NewBuffer(keySize)
	chainKey.Copy(shared.ChainKey)
	return &InboundSession{
		roomID:     shared.RoomID,
		id:         shared.SessionID,
		signingKey: append([]byte{}, shared.SigningKey...),
		chainKey:   chainKey,
		firstIndex: shared.Index,
	}, nil
}

// ID returns the session identifier.
func (s *InboundSession) ID() string {
	return s.id
}

// RoomID returns the room this session decrypts for.
func (s *InboundSession) RoomID() string {
	return s.roomID
}

// FirstIndex returns the earliest message index the session can decrypt.
func (s *InboundSession) FirstIndex() uint32 {
	return s.firstIndex
}

// Decrypt verifies and decrypts a group message, returning its index and
// plaintext.  The stored chain key is never advanced, so messages may be
// decrypted in any order at or after the first known index.
func (s *InboundSession) Decrypt(message []byte) (uint32, []byte, error) {
	if len(message) < headerSize+secretbox.Overhead+ed25519.SignatureSize {
		return 0, nil, ErrMessageTooSmall
	}

	sigOffset := len(message) - ed25519.SignatureSize
	payload, sig := message[:sigOffset], message[sigOffset:]
	if !ed25519.Verify(s.signingKey, payload, sig) {
		return 0, nil, ErrBadSignature
	}

	index := binary.BigEndian.Uint32(payload[0:indexSize])
	if index < s.firstIndex {
		return 0, nil, ErrIndexUnknown
	}

	var nonce [nonceSize]byte
	copy(nonce[:], payload[indexSize:headerSize])

	// Walk a copy of the chain key forward to the message index.
	provisional := memguard.NewBuffer(keySize)
	provisional.Copy(s.chainKey.Bytes())
	defer provisional.Destroy()
	for i := s.firstIndex; i < index; i++ {
		stepChainKey(provisional)
	}
	messageKey := deriveMessageKey(provisional)
	defer messageKey.Destroy()

	plaintext, ok := secretbox.Open(nil, payload[headerSize:], &nonce, messageKey.ByteArray32())
	if !ok {
		return 0, nil, ErrCorruptMessage
	}
	return index, plaintext, nil
}

// Export re-exports the inbound session as a shared key at its first known
// index, for key backup.
func (s *InboundSession) Export() *SharedKey {
	return &SharedKey{
		RoomID:     s.roomID,
		SessionID:  s.id,
		ChainKey:   append([]byte{}, s.chainKey.Bytes()...),
		Index:      s.firstIndex,
		SigningKey: append([]byte{}, s.signingKey...),
	}
}

// Save serializes the inbound session.
func (s *InboundSession) Save() ([]byte, error) {
	return cbor.Marshal(&serializedInbound{
		RoomID:     s.roomID,
		SigningKey: s.signingKey,
		ChainKey:   s.chainKey.Bytes(),
		FirstIndex: s.firstIndex,
	})
}

// LoadInboundSession takes ownership of data and unmarshals it into an
// *InboundSession.  The bytes are wiped afterwards.
func LoadInboundSession(data []byte) (*InboundSession, error) {
	defer utils.ExplicitBzero(data)
	ser := new(serializedInbound)
	if err := cbor.Unmarshal(data, ser); err != nil {
		return nil, err
	}
	if len(ser.ChainKey) != keySize || len(ser.SigningKey) != ed25519.PublicKeySize {
		return nil, ErrSerialisedKeyLength
	}
	return &InboundSession{
		roomID:     ser.RoomID,
		id:         sessionID(ser.SigningKey),
		signingKey: append([]byte{}, ser.SigningKey...),
		chainKey:   memguard.NewBufferFromBytes(ser.ChainKey),
		firstIndex: ser.FirstIndex,
	}, nil
}

// Destroy wipes the inbound session's key material.
func (s *InboundSession) Destroy() {
	s.chainKey.Destroy()
}

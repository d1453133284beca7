// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratchet implements the pairwise double ratchet sessions used for
// device to device encryption.  The construction follows the axolotl
// ratchet: a DH ratchet feeding a KDF root chain, header key encrypted
// headers and per message chain keys, with keys for delayed messages saved
// up to a reordering limit.  Session establishment is non interactive; the
// initiator derives the session root from a triple Diffie-Hellman against
// the responder's published key bundle and attaches a prekey header to the
// first messages so the responder can derive the same root.
package ratchet

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"

	"github.com/aspacca/pantalaimon/core/utils"
)

var (
	ErrDuplicateOrDelayed            = errors.New("ratchet: duplicate message or message delayed longer than tolerance")
	ErrCannotDecrypt                 = errors.New("ratchet: cannot decrypt")
	ErrIncorrectHeaderSize           = errors.New("ratchet: incorrect header size")
	ErrSerialisedKeyLength           = errors.New("ratchet: bad serialised key length")
	ErrNextEncryptedMessageWithoutRatchetFlag = errors.New("ratchet: received message encrypted to next header key without ratchet flag set")
	ErrCorruptMessage                = errors.New("ratchet: corrupt message")
	ErrMessageExceedsReorderingLimit = errors.New("ratchet: message exceeds reordering limit")
	ErrRatchetHeaderTooSmall         = errors.New("ratchet: header too small to be valid")
	ErrInvalidPubkey                 = errors.New("ratchet: invalid public key")
	ErrInvalidPublicIdentityKey      = errors.New("ratchet: invalid public identity key")
	ErrInvalidSignature              = errors.New("ratchet: invalid signature")
	ErrInconsistentState             = errors.New("ratchet: the state is inconsistent")

	// These constants are used as the label argument to deriveKey to derive
	// independent keys from a master key.

	chainKeyLabel      = []byte("chain key")
	headerKeyLabel     = []byte("header key")
	nextHeaderKeyLabel = []byte("next header key")
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	messageKeyLabel    = []byte("message key")
	chainKeyStepLabel  = []byte("chain key step")
)

// messageKey is structure containing the data associated with the message key
type messageKey struct {
	Num          uint32
	Key          *memguard.LockedBuffer
	CreationTime int64
}

// savedKeys is structure containing the saved keys from delayed messages
type savedKeys struct {
	HeaderKey   *memguard.LockedBuffer
	MessageKeys []*messageKey
}

type cborMessageKey struct {
	Num          uint32
	Key          []byte
	CreationTime int64
}

type cborSavedKeys struct {
	HeaderKey   []byte
	MessageKeys []*cborMessageKey
}

// MarshalBinary implements the encoding.BinaryMarshaler interface.
func (s *savedKeys) MarshalBinary() ([]byte, error) {
	tmp := &cborSavedKeys{}
	if s.HeaderKey.IsAlive() {
		tmp.HeaderKey = s.HeaderKey.Bytes()
		for _, m := range s.MessageKeys {
			tmp.MessageKeys = append(tmp.MessageKeys, &cborMessageKey{Num: m.Num, Key: m.Key.Bytes(), CreationTime: m.CreationTime})
		}
	}
	return cbor.Marshal(tmp)
}

// UnmarshalBinary instantiates memguard.LockedBuffer instances for each
// deserialized key.
func (s *savedKeys) UnmarshalBinary(data []byte) error {
	tmp := &cborSavedKeys{}
	if err := cbor.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if len(tmp.HeaderKey) == keySize {
		s.HeaderKey = memguard.NewBufferFromBytes(tmp.HeaderKey)
		for _, m := range tmp.MessageKeys {
			if len(m.Key) == keySize {
				s.MessageKeys = append(s.MessageKeys, &messageKey{Num: m.Num,
					Key: memguard.NewBufferFromBytes(m.Key), CreationTime: m.CreationTime})
			}
		}
	}
	return nil
}

// state contains all the data associated with a session.
type state struct {
	SavedKeys          []*savedKeys
	RootKey            []byte
	SendHeaderKey      []byte
	RecvHeaderKey      []byte
	NextSendHeaderKey  []byte
	NextRecvHeaderKey  []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendRatchetPrivate []byte
	RecvRatchetPublic  []byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32
	Ratchet            bool
	PrekeyHeader       *PrekeyHeader
}

// savedKey contains a message key and timestamp for a message which has not
// been received.  The timestamp comes from the message by which we learn of
// the missing message.
type savedKey struct {
	key       *memguard.LockedBuffer
	timestamp time.Time
}

// Session contains the pairwise, per remote device crypto state.
type Session struct {
	// Now is an optional function that will be used to get the current
	// time.  If nil, time.Now is used.
	Now func() time.Time

	// rootKey gets updated by the DH ratchet.
	rootKey *memguard.LockedBuffer
	// Header keys are used to encrypt message headers.
	sendHeaderKey, recvHeaderKey         *memguard.LockedBuffer
	nextSendHeaderKey, nextRecvHeaderKey *memguard.LockedBuffer
	// Chain keys are used for forward secrecy updating.
	sendChainKey, recvChainKey *memguard.LockedBuffer

	sendCount, recvCount uint32
	prevSendCount        uint32

	// DH ratchet keys.
	sendRatchetPrivate, recvRatchetPublic *memguard.LockedBuffer

	// ratchet is true if we will send a new ratchet value in the next
	// message.
	ratchet bool

	// saved is a map from a header key to a map from sequence number to
	// message key.
	saved map[*memguard.LockedBuffer]map[uint32]savedKey

	// prekeyHeader is retained on the initiator side until the responder
	// demonstrably completed the session, so that every outgoing message
	// may carry it until then.
	prekeyHeader *PrekeyHeader

	rand io.Reader
}

func (s *Session) randBytes(buf []byte) {
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		panic(err)
	}
}

func newSession(rand io.Reader) *Session {
	s := &Session{
		rand:  rand,
		saved: make(map[*memguard.LockedBuffer]map[uint32]savedKey),
	}
	s.rootKey = memguard.NewBuffer(keySize)
	s.sendHeaderKey = memguard.NewBuffer(keySize)
	s.recvHeaderKey = memguard.NewBuffer(keySize)
	s.nextSendHeaderKey = memguard.NewBuffer(keySize)
	s.nextRecvHeaderKey = memguard.NewBuffer(keySize)
	s.sendChainKey = memguard.NewBuffer(keySize)
	s.recvChainKey = memguard.NewBuffer(keySize)
	s.sendRatchetPrivate = memguard.NewBuffer(keySize)
	s.recvRatchetPublic = memguard.NewBuffer(keySize)
	return s
}

// deriveKey takes an HMAC object and a label and calculates out = HMAC(k, label).
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if !key.IsMutable() {
		key.Melt()
		defer key.Freeze()
	}
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("ratchet: hash function wrong size")
	}
}

// dh computes the X25519 shared secret of priv and pub.
func dh(priv *memguard.LockedBuffer, pub []byte) (*memguard.LockedBuffer, error) {
	if len(pub) != publicKeySize {
		return nil, ErrInvalidPubkey
	}
	var theirPub [publicKeySize]byte
	copy(theirPub[:], pub)
	shared := memguard.NewBuffer(sharedKeySize)
	curve25519.ScalarMult(shared.ByteArray32(), priv.ByteArray32(), &theirPub)
	if utils.CtIsZero(shared.Bytes()) {
		shared.Destroy()
		return nil, ErrInvalidPubkey
	}
	return shared, nil
}

type dhPair struct {
	priv *memguard.LockedBuffer
	pub  []byte
}

// masterSecret runs the triple (or quadruple, when a one time key takes
// part) Diffie-Hellman of session establishment.  Each element of pairs is
// one DH computation; the concatenated shared secrets are the master key.
func masterSecret(pairs []dhPair) (*memguard.LockedBuffer, error) {
	master := memguard.NewBuffer(sharedKeySize * len(pairs))
	for i, p := range pairs {
		shared, err := dh(p.priv, p.pub)
		if err != nil {
			master.Destroy()
			return nil, err
		}
		if !master.IsMutable() {
			master.Melt()
		}
		copy(master.Bytes()[i*sharedKeySize:], shared.Bytes())
		shared.Destroy()
	}
	return master, nil
}

// NewOutboundSession creates the initiator half of a pairwise session from
// the remote device's published key bundle.  It returns the session and the
// prekey header which must accompany messages until the session is
// confirmed.
func NewOutboundSession(rand io.Reader, identity *IdentityKeyPair, bundle *KeyBundle) (*Session, error) {
	if err := bundle.Verify(); err != nil {
		return nil, err
	}

	ephemeral, err := memguard.NewBufferFromReader(rand, privateKeySize)
	if err != nil {
		return nil, err
	}
	defer ephemeral.Destroy()
	var ephemeralPub [publicKeySize]byte
	curve25519.ScalarBaseMult(&ephemeralPub, ephemeral.ByteArray32())

	pairs := []dhPair{
		{identity.private, bundle.SignedPrekey},
		{ephemeral, bundle.IdentityKey},
		{ephemeral, bundle.SignedPrekey},
	}
	hasOneTime := len(bundle.OneTimeKey) != 0
	if hasOneTime {
		pairs = append(pairs, dhPair{ephemeral, bundle.OneTimeKey})
	}
	master, err := masterSecret(pairs)
	if err != nil {
		return nil, err
	}
	defer master.Destroy()

	s := newSession(rand)
	h := hmac.New(sha3.New256, master.Bytes())
	deriveKey(s.rootKey, rootKeyLabel, h)
	deriveKey(s.recvHeaderKey, headerKeyLabel, h)
	deriveKey(s.nextSendHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(s.nextRecvHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(s.recvChainKey, chainKeyLabel, h)

	s.recvRatchetPublic.Melt()
	s.recvRatchetPublic.Copy(bundle.SignedPrekey)
	s.recvRatchetPublic.Freeze()
	s.ratchet = true

	s.prekeyHeader = &PrekeyHeader{
		IdentityKey:  identity.PublicX25519(),
		EphemeralKey: ephemeralPub[:],
		OneTimeKeyID: bundle.OneTimeKeyID,
		HasOneTime:   hasOneTime,
	}
	return s, nil
}

// NewInboundSession creates the responder half of a pairwise session from a
// received prekey header.  oneTime may be nil when the initiator did not
// use a one time key.
func NewInboundSession(rand io.Reader, identity *IdentityKeyPair, signedPrekey *PrekeyPair, oneTime *PrekeyPair, header *PrekeyHeader) (*Session, error) {
	if len(header.IdentityKey) != publicKeySize || len(header.EphemeralKey) != publicKeySize {
		return nil, ErrInvalidPubkey
	}
	if header.HasOneTime && oneTime == nil {
		return nil, ErrInconsistentState
	}

	pairs := []dhPair{
		{signedPrekey.private, header.IdentityKey},
		{identity.private, header.EphemeralKey},
		{signedPrekey.private, header.EphemeralKey},
	}
	if header.HasOneTime {
		pairs = append(pairs, dhPair{oneTime.private, header.EphemeralKey})
	}
	master, err := masterSecret(pairs)
	if err != nil {
		return nil, err
	}
	defer master.Destroy()

	s := newSession(rand)
	h := hmac.New(sha3.New256, master.Bytes())
	deriveKey(s.rootKey, rootKeyLabel, h)
	deriveKey(s.sendHeaderKey, headerKeyLabel, h)
	deriveKey(s.nextRecvHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(s.nextSendHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(s.sendChainKey, chainKeyLabel, h)

	s.sendRatchetPrivate.Melt()
	s.sendRatchetPrivate.Copy(signedPrekey.private.Bytes())
	s.sendRatchetPrivate.Freeze()
	s.ratchet = false

	return s, nil
}

// PrekeyHeader returns the prekey header to attach to outgoing messages, or
// nil once the session is confirmed.
func (s *Session) PrekeyHeader() *PrekeyHeader {
	return s.prekeyHeader
}

// Confirmed returns true once the remote side demonstrably completed the
// session.
func (s *Session) Confirmed() bool {
	return s.prekeyHeader == nil
}

// Encrypt acts like append() but appends an encrypted version of msg to out.
func (s *Session) Encrypt(out, msg []byte) ([]byte, error) {
	if s.ratchet {
		var err error
		s.sendRatchetPrivate, err = memguard.NewBufferFromReader(s.rand, keySize)
		if err != nil {
			return nil, err
		}

		s.sendHeaderKey.Melt()
		s.sendHeaderKey.Copy(s.nextSendHeaderKey.Bytes())
		s.sendHeaderKey.Freeze()

		sharedKey := memguard.NewBuffer(sharedKeySize)
		keyMaterial := memguard.NewBuffer(sharedKeySize)
		curve25519.ScalarMult(sharedKey.ByteArray32(), s.sendRatchetPrivate.ByteArray32(), s.recvRatchetPublic.ByteArray32())

		sha := sha3.New256()
		sha.Write(rootKeyUpdateLabel)
		sha.Write(s.rootKey.Bytes())
		sha.Write(sharedKey.Bytes())
		sha.Sum(keyMaterial.Bytes()[:0])
		h := hmac.New(sha3.New256, keyMaterial.Bytes())

		deriveKey(s.rootKey, rootKeyLabel, h)
		deriveKey(s.nextSendHeaderKey, headerKeyLabel, h)
		deriveKey(s.sendChainKey, chainKeyLabel, h)
		s.prevSendCount, s.sendCount = s.sendCount, 0
		s.ratchet = false

		sharedKey.Destroy()
		keyMaterial.Destroy()
	}

	h := hmac.New(sha3.New256, s.sendChainKey.Bytes())
	messageKey := memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(s.sendChainKey, chainKeyStepLabel, h)

	var sendRatchetPublic [publicKeySize]byte
	curve25519.ScalarBaseMult(&sendRatchetPublic, s.sendRatchetPrivate.ByteArray32())

	var header [headerSize]byte
	var headerNonce, messageNonce [nonceSize]byte
	s.randBytes(headerNonce[:])
	s.randBytes(messageNonce[:])

	binary.LittleEndian.PutUint32(header[0:4], s.sendCount)
	binary.LittleEndian.PutUint32(header[4:8], s.prevSendCount)
	copy(header[nonceInHeaderOffset:], messageNonce[:])
	copy(header[ratchetPublicInHeaderOffset:], sendRatchetPublic[:])
	out = append(out, headerNonce[:]...)
	out = secretbox.Seal(out, header[:], &headerNonce, s.sendHeaderKey.ByteArray32())
	s.sendCount++

	out = secretbox.Seal(out, msg, &messageNonce, messageKey.ByteArray32())
	messageKey.Destroy()
	return out, nil
}

// trySavedKeys tries to decrypt the ciphertext using keys saved for delayed
// messages.
func (s *Session) trySavedKeys(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrRatchetHeaderTooSmall
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	for headerKey, messageKeys := range s.saved {
		header, ok := secretbox.Open(nil, sealedHeader, &nonce, headerKey.ByteArray32())
		if !ok {
			continue
		}
		if len(header) != headerSize {
			continue
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		msgKey, ok := messageKeys[msgNum]
		if !ok {
			// This is a fairly common case: the message key might
			// not have been saved because it's the next message
			// key.
			return nil, nil
		}

		sealedMessage := ciphertext[sealedHeaderSize:]
		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, msgKey.key.ByteArray32())
		if !ok {
			return nil, ErrCorruptMessage
		}
		delete(messageKeys, msgNum)
		msgKey.key.Destroy()
		if len(messageKeys) == 0 {
			delete(s.saved, headerKey)
			headerKey.Destroy()
		}
		return msg, nil
	}

	return nil, nil
}

// saveKeys takes a header key, the current chain key, a received message
// number and the expected message number and advances the chain key as
// needed.  It returns the message key for the given message number and the
// new chain key.  If any messages have been skipped over, it also returns
// savedKeys, a map suitable for merging with s.saved, that contains the
// message keys for the missing messages.
func (s *Session) saveKeys(headerKey, recvChainKey *memguard.LockedBuffer, messageNum, receivedCount uint32) (provisionalChainKey, messageKey *memguard.LockedBuffer, newSavedKeys map[*memguard.LockedBuffer]map[uint32]savedKey, err error) {
	if messageNum < receivedCount {
		// This is a message from the past, but we didn't have a saved
		// key for it, which means that it's a duplicate message or we
		// expired the saved key.
		err = ErrDuplicateOrDelayed
		return
	}

	missingMessages := messageNum - receivedCount
	if missingMessages > MaxMissingMessages {
		err = ErrMessageExceedsReorderingLimit
		return
	}

	// messageKeys maps from message number to message key.
	var messageKeys map[uint32]savedKey
	var now time.Time
	if missingMessages > 0 {
		messageKeys = make(map[uint32]savedKey)
	}
	if s.Now == nil {
		now = time.Now()
	} else {
		now = s.Now()
	}

	provisionalChainKey = memguard.NewBuffer(keySize)
	provisionalChainKey.Copy(recvChainKey.Bytes())

	for n := receivedCount; n <= messageNum; n++ {
		h := hmac.New(sha3.New256, provisionalChainKey.Bytes())
		messageKey = memguard.NewBuffer(keySize)
		deriveKey(messageKey, messageKeyLabel, h)
		deriveKey(provisionalChainKey, chainKeyStepLabel, h)

		if n < messageNum {
			messageKeys[n] = savedKey{messageKey, now}
		}
	}

	if messageKeys != nil {
		newSavedKeys = make(map[*memguard.LockedBuffer]map[uint32]savedKey)
		hkey := memguard.NewBuffer(keySize)
		hkey.Copy(headerKey.Bytes())
		newSavedKeys[hkey] = messageKeys
	}

	return
}

// mergeSavedKeys takes a map of saved message keys from saveKeys and merges
// it into s.saved.
func (s *Session) mergeSavedKeys(newKeys map[*memguard.LockedBuffer]map[uint32]savedKey) {
	for headerKey, newMessageKeys := range newKeys {
		messageKeys, ok := s.saved[headerKey]
		if !ok {
			s.saved[headerKey] = newMessageKeys
			continue
		}
		for n, mk := range newMessageKeys {
			messageKeys[n] = mk
		}
		headerKey.Destroy()
	}
}

func (s *Session) wipeSavedKeys() {
	for headerKey, keys := range s.saved {
		for _, sk := range keys {
			sk.key.Destroy()
		}
		delete(s.saved, headerKey)
		headerKey.Destroy()
	}
}

// Decrypt decrypts a message.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	msg, err := s.trySavedKeys(ciphertext)
	if err != nil || msg != nil {
		return msg, err
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	sealedMessage := ciphertext[sealedHeaderSize:]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	header, ok := secretbox.Open(nil, sealedHeader, &nonce, s.recvHeaderKey.ByteArray32())
	ok = ok && !utils.CtIsZero(s.recvHeaderKey.Bytes())

	if ok {
		if len(header) != headerSize {
			return nil, ErrIncorrectHeaderSize
		}

		messageNum := binary.LittleEndian.Uint32(header[:4])
		provisionalChainKey, messageKey, newSavedKeys, err := s.saveKeys(s.recvHeaderKey, s.recvChainKey, messageNum, s.recvCount)
		if err != nil {
			return nil, err
		}

		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
		if !ok {
			return nil, ErrCorruptMessage
		}

		s.recvChainKey.Melt()
		s.recvChainKey.Copy(provisionalChainKey.Bytes())
		s.recvChainKey.Freeze()

		s.mergeSavedKeys(newSavedKeys)
		s.recvCount = messageNum + 1
		s.prekeyHeader = nil
		return msg, nil
	}

	header, ok = secretbox.Open(nil, sealedHeader, &nonce, s.nextRecvHeaderKey.ByteArray32())
	if !ok {
		return nil, ErrCannotDecrypt
	}
	if len(header) != headerSize {
		return nil, ErrIncorrectHeaderSize
	}

	if s.ratchet {
		return nil, ErrNextEncryptedMessageWithoutRatchetFlag
	}

	messageNum := binary.LittleEndian.Uint32(header[:4])
	prevMessageCount := binary.LittleEndian.Uint32(header[4:8])

	_, _, oldSavedKeys, err := s.saveKeys(s.recvHeaderKey, s.recvChainKey, prevMessageCount, s.recvCount)
	if err != nil {
		return nil, err
	}

	dhPublic := memguard.NewBuffer(keySize)
	sharedKey := memguard.NewBuffer(keySize)
	keyMaterial := memguard.NewBuffer(keySize)
	dhPublic.Copy(header[ratchetPublicInHeaderOffset:])

	curve25519.ScalarMult(sharedKey.ByteArray32(), s.sendRatchetPrivate.ByteArray32(), dhPublic.ByteArray32())

	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(s.rootKey.Bytes())
	sha.Write(sharedKey.Bytes())
	sha.Sum(keyMaterial.Bytes()[:0])
	rootKeyHMAC := hmac.New(sha3.New256, keyMaterial.Bytes())

	chainKey := memguard.NewBuffer(keySize)
	deriveKey(s.rootKey, rootKeyLabel, rootKeyHMAC)
	deriveKey(chainKey, chainKeyLabel, rootKeyHMAC)

	provisionalChainKey, messageKey, newSavedKeys, err := s.saveKeys(s.nextRecvHeaderKey, chainKey, messageNum, 0)
	if err != nil {
		return nil, err
	}

	copy(nonce[:], header[nonceInHeaderOffset:])
	msg, ok = secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
	if !ok {
		return nil, ErrCorruptMessage
	}

	s.recvChainKey.Melt()
	s.recvChainKey.Copy(provisionalChainKey.Bytes())
	s.recvChainKey.Freeze()

	s.recvHeaderKey.Melt()
	s.recvHeaderKey.Copy(s.nextRecvHeaderKey.Bytes())
	s.recvHeaderKey.Freeze()

	deriveKey(s.nextRecvHeaderKey, headerKeyLabel, rootKeyHMAC)

	s.sendRatchetPrivate.Melt()
	s.sendRatchetPrivate.Wipe()
	s.sendRatchetPrivate.Freeze()

	s.recvRatchetPublic.Melt()
	s.recvRatchetPublic.Copy(dhPublic.Bytes())
	s.recvRatchetPublic.Freeze()

	s.recvCount = messageNum + 1
	s.mergeSavedKeys(oldSavedKeys)
	s.mergeSavedKeys(newSavedKeys)
	s.ratchet = true
	s.prekeyHeader = nil

	sharedKey.Destroy()
	keyMaterial.Destroy()
	dhPublic.Destroy()
	chainKey.Destroy()

	return msg, nil
}

// Save serializes the session state.
func (s *Session) Save() ([]byte, error) {
	st, err := s.marshal(time.Now(), KeyMaxLifetime)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(st)
}

func (s *Session) marshal(now time.Time, lifetime time.Duration) (*state, error) {
	st := &state{
		RootKey:            s.rootKey.Bytes(),
		SendHeaderKey:      s.sendHeaderKey.Bytes(),
		RecvHeaderKey:      s.recvHeaderKey.Bytes(),
		NextSendHeaderKey:  s.nextSendHeaderKey.Bytes(),
		NextRecvHeaderKey:  s.nextRecvHeaderKey.Bytes(),
		SendChainKey:       s.sendChainKey.Bytes(),
		RecvChainKey:       s.recvChainKey.Bytes(),
		SendRatchetPrivate: s.sendRatchetPrivate.Bytes(),
		RecvRatchetPublic:  s.recvRatchetPublic.Bytes(),
		SendCount:          s.sendCount,
		RecvCount:          s.recvCount,
		PrevSendCount:      s.prevSendCount,
		Ratchet:            s.ratchet,
		PrekeyHeader:       s.prekeyHeader,
	}

	for headerKey, messageKeys := range s.saved {
		keys := make([]*messageKey, 0, len(messageKeys))
		for messageNum, sk := range messageKeys {
			if now.Sub(sk.timestamp) > lifetime {
				continue
			}
			keys = append(keys, &messageKey{
				Num:          messageNum,
				Key:          sk.key,
				CreationTime: sk.timestamp.UnixNano(),
			})
		}
		st.SavedKeys = append(st.SavedKeys, &savedKeys{
			HeaderKey:   headerKey,
			MessageKeys: keys,
		})
	}

	return st, nil
}

// LoadSession takes ownership of data and unmarshals it into a new
// *Session.  The bytes are wiped afterwards.
func LoadSession(rand io.Reader, data []byte) (*Session, error) {
	defer utils.ExplicitBzero(data)
	st := state{}
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return newSessionFromState(rand, &st)
}

// newSessionFromState unmarshals state into a new session.
func newSessionFromState(rand io.Reader, st *state) (*Session, error) {
	s := &Session{
		rand:          rand,
		saved:         make(map[*memguard.LockedBuffer]map[uint32]savedKey),
		sendCount:     st.SendCount,
		recvCount:     st.RecvCount,
		prevSendCount: st.PrevSendCount,
		ratchet:       st.Ratchet,
		prekeyHeader:  st.PrekeyHeader,
	}
	for _, f := range []struct {
		dst **memguard.LockedBuffer
		src []byte
	}{
		{&s.rootKey, st.RootKey},
		{&s.sendHeaderKey, st.SendHeaderKey},
		{&s.recvHeaderKey, st.RecvHeaderKey},
		{&s.nextSendHeaderKey, st.NextSendHeaderKey},
		{&s.nextRecvHeaderKey, st.NextRecvHeaderKey},
		{&s.sendChainKey, st.SendChainKey},
		{&s.recvChainKey, st.RecvChainKey},
		{&s.sendRatchetPrivate, st.SendRatchetPrivate},
		{&s.recvRatchetPublic, st.RecvRatchetPublic},
	} {
		if len(f.src) != keySize {
			return nil, ErrSerialisedKeyLength
		}
		*f.dst = memguard.NewBufferFromBytes(f.src)
	}

	for _, saved := range st.SavedKeys {
		if saved.HeaderKey.Size() != keySize {
			return nil, ErrSerialisedKeyLength
		}

		messageKeys := make(map[uint32]savedKey)
		for _, mk := range saved.MessageKeys {
			if mk.Key.Size() != keySize {
				return nil, ErrSerialisedKeyLength
			}
			sk := savedKey{key: mk.Key}
			sk.timestamp = time.Unix(0, mk.CreationTime)
			messageKeys[mk.Num] = sk
		}

		s.saved[saved.HeaderKey] = messageKeys
	}
	return s, nil
}

// DestroySession wipes all of the session's key material.
func DestroySession(s *Session) {
	s.rootKey.Destroy()
	s.sendHeaderKey.Destroy()
	s.recvHeaderKey.Destroy()
	s.nextSendHeaderKey.Destroy()
	s.nextRecvHeaderKey.Destroy()
	s.sendChainKey.Destroy()
	s.recvChainKey.Destroy()
	s.sendRatchetPrivate.Destroy()
	s.recvRatchetPublic.Destroy()
	s.sendCount, s.recvCount = 0, 0
	s.prevSendCount = 0
	s.wipeSavedKeys()
}

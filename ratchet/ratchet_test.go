// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratchet

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func pairedSessions(t *testing.T, withOneTime bool) (initiator, responder *Session) {
	aliceIdentity, err := NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	bobIdentity, err := NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)

	bobSignedPrekey, err := NewPrekeyPair(rand.Reader, 1)
	require.NoError(t, err)
	var bobOneTime *PrekeyPair
	if withOneTime {
		bobOneTime, err = NewPrekeyPair(rand.Reader, 100)
		require.NoError(t, err)
	}

	bundle := Bundle(bobIdentity, bobSignedPrekey, bobOneTime)
	initiator, err = NewOutboundSession(rand.Reader, aliceIdentity, bundle)
	require.NoError(t, err)
	require.NotNil(t, initiator.PrekeyHeader())

	responder, err = NewInboundSession(rand.Reader, bobIdentity, bobSignedPrekey, bobOneTime, initiator.PrekeyHeader())
	require.NoError(t, err)
	return
}

func TestSessionRoundTrip(t *testing.T) {
	a, b := pairedSessions(t, false)

	msg := []byte("the books are lies, the knife is real")
	ct, err := a.Encrypt(nil, msg)
	require.NoError(t, err)

	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)
}

func TestSessionRoundTripOneTimeKey(t *testing.T) {
	a, b := pairedSessions(t, true)

	msg := []byte("one time key session")
	ct, err := a.Encrypt(nil, msg)
	require.NoError(t, err)

	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)
}

func TestSessionConversation(t *testing.T) {
	a, b := pairedSessions(t, false)

	// A few round trips so that both sides perform DH ratchet steps.
	for i := 0; i < 5; i++ {
		msg := []byte{byte(i), 0xca, 0xfe}
		ct, err := a.Encrypt(nil, msg)
		require.NoError(t, err)
		pt, err := b.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, msg, pt)

		reply := []byte{0xde, 0xad, byte(i)}
		ct, err = b.Encrypt(nil, reply)
		require.NoError(t, err)
		pt, err = a.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, reply, pt)
	}
}

func TestSessionOutOfOrder(t *testing.T) {
	a, b := pairedSessions(t, false)

	var cts [][]byte
	for i := 0; i < 4; i++ {
		ct, err := a.Encrypt(nil, []byte{byte(i)})
		require.NoError(t, err)
		cts = append(cts, ct)
	}

	// Deliver the last message first, then the skipped ones.
	pt, err := b.Decrypt(cts[3])
	require.NoError(t, err)
	require.Equal(t, []byte{3}, pt)

	for i := 0; i < 3; i++ {
		pt, err = b.Decrypt(cts[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}
}

func TestSessionDuplicateMessage(t *testing.T) {
	a, b := pairedSessions(t, false)

	ct, err := a.Encrypt(nil, []byte("once"))
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	require.Error(t, err)
}

func TestSessionExceedsReorderingLimit(t *testing.T) {
	a, b := pairedSessions(t, false)

	ct, err := a.Encrypt(nil, []byte("first"))
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	require.NoError(t, err)

	var last []byte
	for i := uint32(0); i < MaxMissingMessages+2; i++ {
		last, err = a.Encrypt(nil, []byte("skip"))
		require.NoError(t, err)
	}
	_, err = b.Decrypt(last)
	require.Equal(t, ErrMessageExceedsReorderingLimit, err)
}

func TestSessionSerialization(t *testing.T) {
	a, b := pairedSessions(t, false)

	ct, err := a.Encrypt(nil, []byte("before save"))
	require.NoError(t, err)
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("before save"), pt)

	blobA, err := a.Save()
	require.NoError(t, err)
	blobB, err := b.Save()
	require.NoError(t, err)

	a2, err := LoadSession(rand.Reader, blobA)
	require.NoError(t, err)
	b2, err := LoadSession(rand.Reader, blobB)
	require.NoError(t, err)

	ct, err = b2.Encrypt(nil, []byte("after load"))
	require.NoError(t, err)
	pt, err = a2.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("after load"), pt)
}

func TestSessionConfirmed(t *testing.T) {
	a, b := pairedSessions(t, false)
	require.False(t, a.Confirmed())

	ct, err := a.Encrypt(nil, []byte("ping"))
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	require.NoError(t, err)

	ct, err = b.Encrypt(nil, []byte("pong"))
	require.NoError(t, err)
	_, err = a.Decrypt(ct)
	require.NoError(t, err)
	require.True(t, a.Confirmed())
}

func TestBundleVerify(t *testing.T) {
	identity, err := NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	prekey, err := NewPrekeyPair(rand.Reader, 7)
	require.NoError(t, err)

	bundle := Bundle(identity, prekey, nil)
	require.NoError(t, bundle.Verify())

	bundle.PrekeySignature[0] ^= 0x01
	require.Equal(t, ErrInvalidSignature, bundle.Verify())
}

func TestIdentitySerialization(t *testing.T) {
	identity, err := NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	sigPub := append([]byte{}, identity.SigningPublic...)
	xPub := identity.PublicX25519()

	blob, err := identity.Save()
	require.NoError(t, err)

	loaded, err := LoadIdentityKeyPair(blob)
	require.NoError(t, err)
	require.Equal(t, sigPub, []byte(loaded.SigningPublic))
	require.Equal(t, xPub, loaded.PublicX25519())
}

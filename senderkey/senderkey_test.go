// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package senderkey

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupRoundTrip(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)

	in, err := NewInboundSession(out.Share())
	require.NoError(t, err)
	require.Equal(t, out.ID(), in.ID())

	for i := uint32(0); i < 10; i++ {
		msg := []byte{0x0b, byte(i)}
		idx, ct, err := out.Encrypt(msg)
		require.NoError(t, err)
		require.Equal(t, i, idx)

		gotIdx, pt, err := in.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, i, gotIdx)
		require.Equal(t, msg, pt)
	}
}

func TestGroupIndexAdvancesOncePerEncrypt(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)

	for i := uint32(0); i < 5; i++ {
		require.Equal(t, i, out.Index())
		idx, _, err := out.Encrypt([]byte("m"))
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	require.Equal(t, uint32(5), out.Index())
}

func TestGroupOutOfOrderDecrypt(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := NewInboundSession(out.Share())
	require.NoError(t, err)

	var cts [][]byte
	for i := 0; i < 4; i++ {
		_, ct, err := out.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		cts = append(cts, ct)
	}

	for _, i := range []int{3, 1, 0, 2} {
		idx, pt, err := in.Decrypt(cts[i])
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)
		require.Equal(t, []byte{byte(i)}, pt)
	}
}

func TestGroupLateShareCannotDecryptEarlier(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)

	_, early, err := out.Encrypt([]byte("early"))
	require.NoError(t, err)
	_, _, err = out.Encrypt([]byte("middle"))
	require.NoError(t, err)

	// A share taken now starts at index 2; index 0 is out of reach.
	share := out.Share()
	require.Equal(t, uint32(2), share.Index)
	lateIn, err := NewInboundSession(share)
	require.NoError(t, err)

	_, _, err = lateIn.Decrypt(early)
	require.Equal(t, ErrIndexUnknown, err)

	// The exported chain key holds no history either: lying about the
	// index yields a key that cannot open the earlier message.
	lied := out.Share()
	lied.Index = 0
	liedIn, err := NewInboundSession(lied)
	require.NoError(t, err)
	_, _, err = liedIn.Decrypt(early)
	require.Equal(t, ErrCorruptMessage, err)

	// Messages from the share's index onward decrypt.
	idx, ct, err := out.Encrypt([]byte("late"))
	require.NoError(t, err)
	gotIdx, pt, err := lateIn.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, idx, gotIdx)
	require.Equal(t, []byte("late"), pt)
}

func TestGroupShareSessionIDMismatch(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	other, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)

	share := out.Share()
	share.SessionID = other.ID()
	_, err = NewInboundSession(share)
	require.Equal(t, ErrSessionIDMismatch, err)
}

func TestGroupBadSignature(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := NewInboundSession(out.Share())
	require.NoError(t, err)

	_, ct, err := out.Encrypt([]byte("signed"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01

	_, _, err = in.Decrypt(ct)
	require.Equal(t, ErrBadSignature, err)
}

func TestGroupCorruptCiphertext(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := NewInboundSession(out.Share())
	require.NoError(t, err)

	_, ct, err := out.Encrypt([]byte("intact"))
	require.NoError(t, err)
	_, _, err = in.Decrypt(ct[:headerSize+3])
	require.Equal(t, ErrMessageTooSmall, err)
}

func TestGroupSerialization(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	_, _, err = out.Encrypt([]byte("zero"))
	require.NoError(t, err)

	blob, err := out.Save()
	require.NoError(t, err)
	out2, err := LoadOutboundSession(rand.Reader, blob)
	require.NoError(t, err)
	require.Equal(t, out.ID(), out2.ID())
	require.Equal(t, uint32(1), out2.Index())

	in, err := NewInboundSession(out2.Share())
	require.NoError(t, err)
	inBlob, err := in.Save()
	require.NoError(t, err)
	in2, err := LoadInboundSession(inBlob)
	require.NoError(t, err)

	idx, ct, err := out2.Encrypt([]byte("one"))
	require.NoError(t, err)
	gotIdx, pt, err := in2.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, idx, gotIdx)
	require.Equal(t, []byte("one"), pt)
}

func TestGroupExportRoundTrip(t *testing.T) {
	out, err := NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := NewInboundSession(out.Share())
	require.NoError(t, err)

	_, ct, err := out.Encrypt([]byte("for backup"))
	require.NoError(t, err)

	restored, err := NewInboundSession(in.Export())
	require.NoError(t, err)
	_, pt, err := restored.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("for backup"), pt)
}

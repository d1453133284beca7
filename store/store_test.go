// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/ratchet"
	"github.com/aspacca/pantalaimon/senderkey"
)

func testStore(t *testing.T) *Store {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logBackend, rand.Reader)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPairwise(t *testing.T) (initiator, responder *ratchet.Session) {
	aliceIdentity, err := ratchet.NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	bobIdentity, err := ratchet.NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	bobSignedPrekey, err := ratchet.NewPrekeyPair(rand.Reader, 1)
	require.NoError(t, err)

	bundle := ratchet.Bundle(bobIdentity, bobSignedPrekey, nil)
	initiator, err = ratchet.NewOutboundSession(rand.Reader, aliceIdentity, bundle)
	require.NoError(t, err)
	responder, err = ratchet.NewInboundSession(rand.Reader, bobIdentity, bobSignedPrekey, nil, initiator.PrekeyHeader())
	require.NoError(t, err)
	return
}

func TestStorePairwisePersistence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	alice, bob := testPairwise(t)
	ct, err := alice.Encrypt(nil, []byte("first"))
	require.NoError(t, err)

	g, err := s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	require.Nil(t, g.Session())
	g.Install(bob)
	pt, err := g.Session().Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), pt)
	require.NoError(t, g.Commit())

	// Force a reload from disk and make sure the ratchet advanced: a
	// second message from the other side must still decrypt.
	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	g.Release()

	ct, err = alice.Encrypt(nil, []byte("second"))
	require.NoError(t, err)
	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	require.NotNil(t, g.Session())
	pt, err = g.Session().Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), pt)
	require.NoError(t, g.Commit())
}

func TestStorePairwiseReleaseDiscards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	alice, bob := testPairwise(t)
	g, err := s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	g.Install(bob)
	require.NoError(t, g.Commit())

	ct, err := alice.Encrypt(nil, []byte("observed"))
	require.NoError(t, err)

	// Decrypt but abandon the guard; the durable state must not have
	// advanced, so the same ciphertext decrypts again.
	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	_, err = g.Session().Decrypt(ct)
	require.NoError(t, err)
	g.Release()

	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	pt, err := g.Session().Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("observed"), pt)
	require.NoError(t, g.Commit())
}

func TestStorePairwiseHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	aliceOld, bobOld := testPairwise(t)
	g, err := s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	g.Install(bobOld)
	require.NoError(t, g.Commit())

	// A message encrypted under the old session, delivered after the
	// session was replaced.
	late, err := aliceOld.Encrypt(nil, []byte("late"))
	require.NoError(t, err)

	_, bobNew := testPairwise(t)
	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	g.Install(bobNew)
	require.NoError(t, g.Commit())

	g, err = s.Pairwise("@bob:example.org", "BOBDEV").Checkout(ctx)
	require.NoError(t, err)
	_, err = g.Session().Decrypt(late)
	require.Error(t, err)

	hist, err := g.Historical()
	require.NoError(t, err)
	require.Len(t, hist, 1)
	pt, err := hist[0].Decrypt(late)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), pt)
	require.NoError(t, g.Commit())
}

func TestStoreCheckoutExclusive(t *testing.T) {
	s := testStore(t)
	h := s.Pairwise("@bob:example.org", "BOBDEV")

	g, err := h.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err = h.Checkout(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release()
	g, err = h.Checkout(context.Background())
	require.NoError(t, err)
	g.Release()
}

func TestStoreInboundGroupHighWater(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	out, err := senderkey.NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := senderkey.NewInboundSession(out.Share())
	require.NoError(t, err)

	h := s.InboundGroup("!room:example.org", "@alice:example.org", "ALICEDEV", out.ID())
	g, err := h.Checkout(ctx)
	require.NoError(t, err)
	require.Nil(t, g.Session())
	g.Install(in)
	_, hasDecrypted := g.HighWater()
	require.False(t, hasDecrypted)
	g.SetHighWater(3)
	require.NoError(t, g.Commit())

	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	g.Release()
	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	require.NotNil(t, g.Session())
	hw, hasDecrypted := g.HighWater()
	require.True(t, hasDecrypted)
	require.Equal(t, uint32(3), hw)
	require.NoError(t, g.Commit())
}

func TestStoreInboundGroupReinstallKeepsHighWater(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	out, err := senderkey.NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	in, err := senderkey.NewInboundSession(out.Share())
	require.NoError(t, err)

	h := s.InboundGroup("!room:example.org", "@alice:example.org", "ALICEDEV", out.ID())
	g, err := h.Checkout(ctx)
	require.NoError(t, err)
	g.Install(in)
	g.SetHighWater(5)
	require.NoError(t, g.Commit())

	// A re-share of the same session must not reset the replay mark.
	reshared, err := senderkey.NewInboundSession(out.Share())
	require.NoError(t, err)
	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	g.Install(reshared)
	hw, hasDecrypted := g.HighWater()
	require.True(t, hasDecrypted)
	require.Equal(t, uint32(5), hw)
	require.NoError(t, g.Commit())

	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	hw, hasDecrypted = g.HighWater()
	require.True(t, hasDecrypted)
	require.Equal(t, uint32(5), hw)
	g.Release()
}

func TestStoreOutboundGroupShareSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	out, err := senderkey.NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	oldID := out.ID()

	h := s.OutboundGroup("!room:example.org")
	g, err := h.Checkout(ctx)
	require.NoError(t, err)
	g.Install(out)
	g.MarkShared("@bob:example.org", "BOBDEV")
	require.NoError(t, g.Commit())

	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	g.Release()
	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, oldID, g.Session().ID())
	require.True(t, g.SharedTo("@bob:example.org", "BOBDEV"))
	require.False(t, g.SharedTo("@eve:example.org", "EVEDEV"))

	// Rotation forgets the share set.
	replacement, err := senderkey.NewOutboundSession(rand.Reader, "!room:example.org")
	require.NoError(t, err)
	g.Install(replacement)
	require.False(t, g.SharedTo("@bob:example.org", "BOBDEV"))
	require.NoError(t, g.Commit())

	g, err = h.Checkout(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldID, g.Session().ID())
	require.Empty(t, g.SharedDevices())
	require.NoError(t, g.Commit())
}

func TestStoreForEachInboundGroup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := senderkey.NewOutboundSession(rand.Reader, "!room:example.org")
		require.NoError(t, err)
		in, err := senderkey.NewInboundSession(out.Share())
		require.NoError(t, err)
		g, err := s.InboundGroup("!room:example.org", "@alice:example.org", "ALICEDEV", out.ID()).Checkout(ctx)
		require.NoError(t, err)
		g.Install(in)
		require.NoError(t, g.Commit())
	}

	var n int
	err := s.ForEachInboundGroup(func(roomID, senderUser, senderDevice, sessionID string, blob []byte) error {
		require.Equal(t, "!room:example.org", roomID)
		require.Equal(t, "@alice:example.org", senderUser)
		require.Equal(t, "ALICEDEV", senderDevice)
		sess, err := senderkey.LoadInboundSession(blob)
		require.NoError(t, err)
		require.Equal(t, sessionID, sess.ID())
		n++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestStoreDeviceRecords(t *testing.T) {
	s := testStore(t)

	_, err := s.GetDevice("@bob:example.org", "BOBDEV")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutDevice("@bob:example.org", "BOBDEV", []byte{1}))
	require.NoError(t, s.PutDevice("@bob:example.org", "OTHERDEV", []byte{2}))
	require.NoError(t, s.PutDevice("@carol:example.org", "CAROLDEV", []byte{3}))

	blob, err := s.GetDevice("@bob:example.org", "BOBDEV")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, blob)

	blobs, err := s.ListDevices("@bob:example.org")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
}

func TestStoreKeyRequests(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutKeyRequest("req1", []byte("a")))
	require.NoError(t, s.PutKeyRequest("req2", []byte("b")))
	reqs, err := s.ListKeyRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	require.NoError(t, s.DeleteKeyRequest("req1"))
	reqs, err = s.ListKeyRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestStoreLocalKeys(t *testing.T) {
	s := testStore(t)

	_, err := s.GetLocal("identity")
	require.ErrorIs(t, err, ErrNotFound)

	identity, err := ratchet.NewIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	blob, err := identity.Save()
	require.NoError(t, err)
	require.NoError(t, s.PutLocal("identity", blob))

	got, err := s.GetLocal("identity")
	require.NoError(t, err)
	require.Equal(t, blob, got)
}

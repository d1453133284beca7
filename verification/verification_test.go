// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package verification

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/store"
	"github.com/aspacca/pantalaimon/trust"
)

type testEnd struct {
	userID   string
	deviceID string
	signing  ed25519.PublicKey

	machine  *Machine
	registry *trust.Registry
	results  chan *Result
	peer     *testEnd

	// intercept, when set, may mutate or swallow an outbound message.
	// Returning false drops it.
	intercept func(msg *Message) bool
}

func newTestEnd(t *testing.T, userID, deviceID string, timeout time.Duration) *testEnd {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), logBackend, rand.Reader)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signing, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := &testEnd{
		userID:   userID,
		deviceID: deviceID,
		signing:  signing,
		registry: trust.NewRegistry(st, logBackend),
		results:  make(chan *Result, 4),
	}
	e.machine = NewMachine(&Config{
		LocalUser:       userID,
		LocalDevice:     deviceID,
		LocalSigningKey: signing,
		Registry:        e.registry,
		Send: func(remoteUser, remoteDevice string, msg *Message) error {
			if e.intercept != nil && !e.intercept(msg) {
				return nil
			}
			return e.peer.machine.Handle(e.userID, e.deviceID, msg)
		},
		OnResult:   func(r *Result) { e.results <- r },
		Timeout:    timeout,
		Rand:       rand.Reader,
		LogBackend: logBackend,
	})
	t.Cleanup(e.machine.Halt)
	return e
}

func verificationPair(t *testing.T, timeout time.Duration) (alice, bob *testEnd) {
	alice = newTestEnd(t, "@alice:example.org", "ALICEDEV", timeout)
	bob = newTestEnd(t, "@bob:example.org", "BOBDEV", timeout)
	alice.peer, bob.peer = bob, alice

	// Each side knows the other's device keys from key queries.
	identityKey := make([]byte, 32)
	_, err := rand.Read(identityKey)
	require.NoError(t, err)
	_, err = alice.registry.UpsertDevice(bob.userID, bob.deviceID, identityKey, bob.signing, "")
	require.NoError(t, err)
	_, err = bob.registry.UpsertDevice(alice.userID, alice.deviceID, identityKey, alice.signing, "")
	require.NoError(t, err)
	return
}

func expectResult(t *testing.T, e *testEnd, outcome State) *Result {
	select {
	case r := <-e.results:
		require.Equal(t, outcome, r.Outcome)
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s result for %s", outcome, e.userID)
		return nil
	}
}

func TestVerificationAcceptFlow(t *testing.T) {
	alice, bob := verificationPair(t, time.Minute)

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.NoError(t, bob.machine.AcceptIncoming(txnID))

	// Both operators see the same decimals.
	aliceSAS, err := alice.machine.SASDecimals(txnID)
	require.NoError(t, err)
	bobSAS, err := bob.machine.SASDecimals(txnID)
	require.NoError(t, err)
	require.Equal(t, aliceSAS, bobSAS)
	for _, v := range aliceSAS {
		require.GreaterOrEqual(t, v, uint16(1000))
		require.LessOrEqual(t, v, uint16(9191))
	}

	require.NoError(t, alice.machine.SubmitMAC(txnID))
	require.NoError(t, bob.machine.SubmitMAC(txnID))

	expectResult(t, alice, Accepted)
	expectResult(t, bob, Accepted)

	st, err := alice.registry.TrustState(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.Equal(t, trust.Verified, st)
	st, err = bob.registry.TrustState(alice.userID, alice.deviceID)
	require.NoError(t, err)
	require.Equal(t, trust.Verified, st)
}

func TestVerificationCommitmentMismatch(t *testing.T) {
	alice, bob := verificationPair(t, time.Minute)

	// Corrupt the commitment on its way to the initiator.
	bob.intercept = func(msg *Message) bool {
		if msg.Type == MessageAccept {
			msg.Payload[0] ^= 0x01
		}
		return true
	}

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)
	// The rejection surfaces through the synchronous in-memory delivery
	// chain.
	err = bob.machine.AcceptIncoming(txnID)
	require.ErrorIs(t, err, ErrVerificationMismatch)

	expectResult(t, alice, Rejected)
	st, err := alice.registry.TrustState(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.Equal(t, trust.Unverified, st)
}

func TestVerificationMACMismatch(t *testing.T) {
	alice, bob := verificationPair(t, time.Minute)

	alice.intercept = func(msg *Message) bool {
		if msg.Type == MessageMAC {
			msg.Payload[0] ^= 0x01
		}
		return true
	}

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.NoError(t, bob.machine.AcceptIncoming(txnID))
	err = alice.machine.SubmitMAC(txnID)
	require.ErrorIs(t, err, ErrVerificationMismatch)

	expectResult(t, bob, Rejected)
	st, err := bob.registry.TrustState(alice.userID, alice.deviceID)
	require.NoError(t, err)
	require.Equal(t, trust.Unverified, st)
}

func TestVerificationCancel(t *testing.T) {
	alice, bob := verificationPair(t, time.Minute)

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.NoError(t, bob.machine.AcceptIncoming(txnID))

	require.NoError(t, alice.machine.Cancel(txnID))
	expectResult(t, alice, Cancelled)
	expectResult(t, bob, Cancelled)

	// Cancel is idempotent on terminal transactions.
	require.NoError(t, alice.machine.Cancel(txnID))
	_, err = alice.machine.SASDecimals(txnID)
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestVerificationTimeout(t *testing.T) {
	alice, bob := verificationPair(t, 50*time.Millisecond)

	// Drop everything so the transaction never progresses.
	alice.intercept = func(*Message) bool { return false }

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)

	expectResult(t, alice, TimedOut)
	_, err = alice.machine.SASDecimals(txnID)
	require.ErrorIs(t, err, ErrUnknownTransaction)
	st, err := alice.registry.TrustState(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.Equal(t, trust.Unverified, st)
}

func TestVerificationSASBeforeKeys(t *testing.T) {
	alice, bob := verificationPair(t, time.Minute)

	// Withhold the initiator's key so the exchange stalls after accept.
	alice.intercept = func(msg *Message) bool {
		return msg.Type != MessageKey
	}

	txnID, err := alice.machine.Start(bob.userID, bob.deviceID)
	require.NoError(t, err)
	require.NoError(t, bob.machine.AcceptIncoming(txnID))

	_, err = alice.machine.SASDecimals(txnID)
	require.ErrorIs(t, err, ErrInvalidState)
	err = alice.machine.SubmitMAC(txnID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestVerificationMessageRoundTrip(t *testing.T) {
	msg := &Message{TransactionID: "abcd", Type: MessageKey, Payload: []byte{1, 2, 3}}
	blob, err := MarshalMessage(msg)
	require.NoError(t, err)
	got, err := UnmarshalMessage(blob)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

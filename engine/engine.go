// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the cryptographic session engine sitting
// between the interception layer and the federation transport: the
// encryption and decryption pipelines, the key recovery coordinator, and
// the versioned key backup, on top of the session store, the device trust
// registry and the verification state machine.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/aspacca/pantalaimon/config"
	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/ratchet"
	"github.com/aspacca/pantalaimon/store"
	"github.com/aspacca/pantalaimon/trust"
	"github.com/aspacca/pantalaimon/verification"
)

const (
	localIdentityKey = "identity"
	localPrekeyKey   = "signedPrekey"
	oneTimePrefix    = "onetime:"

	eventChSize = 64
)

var (
	// ErrUnverifiedDevices is returned by Encrypt in strict verification
	// mode when the room contains unverified devices and no send-anyway
	// override is set.
	ErrUnverifiedDevices = errors.New("engine: room contains unverified devices")

	// ErrReplayRejected is returned for a group message whose index is
	// at or below the session's persisted high-water mark.
	ErrReplayRejected = errors.New("engine: message index replay rejected")

	// ErrNoPairwiseSession is returned when no pairwise session exists
	// with a device and none can be established.
	ErrNoPairwiseSession = errors.New("engine: no pairwise session with device")

	// ErrNoOneTimeKey is returned when a prekey header references a one
	// time key that is unknown or already consumed.
	ErrNoOneTimeKey = errors.New("engine: unknown or consumed one time key")
)

// Engine is the per-user cryptographic session engine.
type Engine struct {
	sync.Mutex

	cfg        *config.Config
	log        *logging.Logger
	logBackend *log.Backend
	rand       io.Reader

	store    *store.Store
	registry *trust.Registry
	verifier *verification.Machine
	recovery *recovery

	identity     *ratchet.IdentityKeyPair
	signedPrekey *ratchet.PrekeyPair

	sender  Sender
	eventCh chan Event

	sendAnyways map[string]bool
}

// New creates an Engine, loading or creating the local identity key
// material from the store, and starts the recovery and verification
// workers.
func New(cfg *config.Config, logBackend *log.Backend, st *store.Store, sender Sender, rand io.Reader) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		log:         logBackend.GetLogger("engine"),
		logBackend:  logBackend,
		rand:        rand,
		store:       st,
		sender:      sender,
		eventCh:     make(chan Event, eventChSize),
		sendAnyways: make(map[string]bool),
	}

	var err error
	if e.identity, err = e.loadOrCreateIdentity(); err != nil {
		return nil, err
	}
	if e.signedPrekey, err = e.loadOrCreatePrekey(); err != nil {
		return nil, err
	}

	e.registry = trust.NewRegistry(st, logBackend)
	e.verifier = verification.NewMachine(&verification.Config{
		LocalUser:       cfg.Proxy.UserID,
		LocalDevice:     cfg.Proxy.DeviceID,
		LocalSigningKey: e.identity.SigningPublic,
		Registry:        e.registry,
		Send:            e.sendVerification,
		OnResult:        e.onVerificationResult,
		Timeout:         cfg.Policy.VerificationTimeout(),
		Rand:            rand,
		LogBackend:      logBackend,
	})
	e.recovery = newRecovery(e)
	if err = e.recovery.restore(); err != nil {
		e.verifier.Halt()
		e.recovery.Halt()
		return nil, err
	}
	e.registry.OnBlacklist(func(userID, deviceID string) {
		e.recovery.dropHeldSharesFrom(userID, deviceID)
	})
	return e, nil
}

// Halt stops the engine's workers.  The store is not closed; it belongs
// to the caller.
func (e *Engine) Halt() {
	e.verifier.Halt()
	e.recovery.Halt()
}

// EventSink returns the engine's event channel.  Events are dropped when
// the sink is not drained.
func (e *Engine) EventSink() <-chan Event {
	return e.eventCh
}

func (e *Engine) emit(ev Event) {
	select {
	case e.eventCh <- ev:
	default:
		e.log.Warningf("event sink full, dropping %v", ev)
	}
}

func (e *Engine) loadOrCreateIdentity() (*ratchet.IdentityKeyPair, error) {
	blob, err := e.store.GetLocal(localIdentityKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		identity, err := ratchet.NewIdentityKeyPair(e.rand)
		if err != nil {
			return nil, err
		}
		blob, err = identity.Save()
		if err != nil {
			return nil, err
		}
		if err = e.store.PutLocal(localIdentityKey, blob); err != nil {
			return nil, err
		}
		e.log.Noticef("generated new identity key pair")
		return identity, nil
	case err != nil:
		return nil, err
	}
	return ratchet.LoadIdentityKeyPair(blob)
}

func (e *Engine) loadOrCreatePrekey() (*ratchet.PrekeyPair, error) {
	blob, err := e.store.GetLocal(localPrekeyKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prekey, err := ratchet.NewPrekeyPair(e.rand, 1)
		if err != nil {
			return nil, err
		}
		blob, err = prekey.Save()
		if err != nil {
			return nil, err
		}
		if err = e.store.PutLocal(localPrekeyKey, blob); err != nil {
			return nil, err
		}
		return prekey, nil
	case err != nil:
		return nil, err
	}
	return ratchet.LoadPrekeyPair(blob)
}

// KeyBundle assembles the local device's published key bundle with a
// fresh single use one time key.  The caller serves it to peers wanting
// to establish a pairwise session with this device.
func (e *Engine) KeyBundle() (*ratchet.KeyBundle, error) {
	e.Lock()
	defer e.Unlock()

	var raw [4]byte
	if _, err := io.ReadFull(e.rand, raw[:]); err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint32(raw[:])
	oneTime, err := ratchet.NewPrekeyPair(e.rand, id)
	if err != nil {
		return nil, err
	}
	blob, err := oneTime.Save()
	if err != nil {
		return nil, err
	}
	if err = e.store.PutLocal(fmt.Sprintf("%s%d", oneTimePrefix, id), blob); err != nil {
		return nil, err
	}
	return ratchet.Bundle(e.identity, e.signedPrekey, oneTime), nil
}

// claimOneTimeKey consumes the stored one time key with the given id.
func (e *Engine) claimOneTimeKey(id uint32) (*ratchet.PrekeyPair, error) {
	e.Lock()
	defer e.Unlock()

	name := fmt.Sprintf("%s%d", oneTimePrefix, id)
	blob, err := e.store.GetLocal(name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNoOneTimeKey
	case err != nil:
		return nil, err
	}
	if err = e.store.DeleteLocal(name); err != nil {
		return nil, err
	}
	return ratchet.LoadPrekeyPair(blob)
}

// observeMember records a member device in the trust registry.  An
// identity key conflict raises a security alert and excludes the device.
func (e *Engine) observeMember(m *Member) (*trust.Device, error) {
	d, err := e.registry.UpsertDevice(m.UserID, m.DeviceID, m.IdentityKey, m.SigningKey, m.DisplayName)
	if errors.Is(err, trust.ErrIdentityKeyConflict) {
		e.emit(&DeviceKeyChangedEvent{UserID: m.UserID, DeviceID: m.DeviceID})
	}
	return d, err
}

// pairwiseEncrypt encrypts payload to the member on the pairwise
// session, establishing one from the member's key bundle when absent.
func (e *Engine) pairwiseEncrypt(ctx context.Context, m *Member, eventType string, payload []byte) (*ToDeviceEvent, error) {
	g, err := e.store.Pairwise(m.UserID, m.DeviceID).Checkout(ctx)
	if err != nil {
		return nil, err
	}
	sess := g.Session()
	if sess == nil {
		if m.Bundle == nil {
			g.Release()
			return nil, ErrNoPairwiseSession
		}
		sess, err = ratchet.NewOutboundSession(e.rand, e.identity, m.Bundle)
		if err != nil {
			g.Release()
			return nil, err
		}
		g.Install(sess)
	}
	ciphertext, err := sess.Encrypt(nil, payload)
	if err != nil {
		g.Release()
		return nil, err
	}
	ev := &ToDeviceEvent{
		TargetUser:   m.UserID,
		TargetDevice: m.DeviceID,
		Type:         eventType,
		PrekeyHeader: sess.PrekeyHeader(),
		Payload:      ciphertext,
	}
	if err = g.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

// pairwiseDecrypt decrypts a pairwise ciphertext from the sender,
// establishing an inbound session from the prekey header when needed and
// falling back to historical sessions for late messages.
func (e *Engine) pairwiseDecrypt(ctx context.Context, senderUser, senderDevice string, header *ratchet.PrekeyHeader, ciphertext []byte) ([]byte, error) {
	g, err := e.store.Pairwise(senderUser, senderDevice).Checkout(ctx)
	if err != nil {
		return nil, err
	}

	var decryptErr error
	if sess := g.Session(); sess != nil {
		plaintext, err := sess.Decrypt(ciphertext)
		if err == nil {
			if err = g.Commit(); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
		decryptErr = err
	}

	if header != nil {
		plaintext, err := e.acceptPrekeySession(g, header, ciphertext)
		if err == nil {
			return plaintext, nil
		}
		decryptErr = err
	}

	hist, err := g.Historical()
	if err != nil {
		g.Release()
		return nil, err
	}
	for _, sess := range hist {
		plaintext, err := sess.Decrypt(ciphertext)
		if err == nil {
			if err = g.Commit(); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
	}
	g.Release()
	if decryptErr == nil {
		decryptErr = ErrNoPairwiseSession
	}
	return nil, decryptErr
}

// acceptPrekeySession derives the responder side of a fresh pairwise
// session from a prekey header and decrypts the first message under it.
// The new session replaces the active one only if the message decrypts.
func (e *Engine) acceptPrekeySession(g *store.PairwiseGuard, header *ratchet.PrekeyHeader, ciphertext []byte) ([]byte, error) {
	var oneTime *ratchet.PrekeyPair
	if header.HasOneTime {
		var err error
		if oneTime, err = e.claimOneTimeKey(header.OneTimeKeyID); err != nil {
			return nil, err
		}
	}
	sess, err := ratchet.NewInboundSession(e.rand, e.identity, e.signedPrekey, oneTime, header)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Decrypt(ciphertext)
	if err != nil {
		ratchet.DestroySession(sess)
		return nil, err
	}
	g.Install(sess)
	if err = g.Commit(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e *Engine) sendVerification(userID, deviceID string, msg *verification.Message) error {
	payload, err := verification.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return e.sender.SendToDevice(&ToDeviceEvent{
		TargetUser:   userID,
		TargetDevice: deviceID,
		Type:         ToDeviceVerification,
		Payload:      payload,
	})
}

func (e *Engine) onVerificationResult(r *verification.Result) {
	e.emit(&VerificationDoneEvent{
		TransactionID: r.TransactionID,
		UserID:        r.RemoteUser,
		DeviceID:      r.RemoteDevice,
		Outcome:       r.Outcome,
	})
}

// HandleToDevice processes an inbound to-device event from a remote
// device.
func (e *Engine) HandleToDevice(ctx context.Context, senderUser, senderDevice string, ev *ToDeviceEvent) error {
	switch ev.Type {
	case ToDeviceVerification:
		msg, err := verification.UnmarshalMessage(ev.Payload)
		if err != nil {
			return err
		}
		if msg.Type == verification.MessageStart {
			if err = e.verifier.HandleStart(senderUser, senderDevice, msg); err != nil {
				return err
			}
			e.emit(&VerificationRequestedEvent{
				TransactionID: msg.TransactionID,
				UserID:        senderUser,
				DeviceID:      senderDevice,
			})
			return nil
		}
		return e.verifier.Handle(senderUser, senderDevice, msg)
	case ToDeviceKeyShare:
		plaintext, err := e.pairwiseDecrypt(ctx, senderUser, senderDevice, ev.PrekeyHeader, ev.Payload)
		if err != nil {
			return err
		}
		return e.recovery.handleKeyShare(ctx, senderUser, senderDevice, plaintext)
	case ToDeviceKeyRequest:
		req := new(keyRequestPayload)
		if err := cbor.Unmarshal(ev.Payload, req); err != nil {
			return err
		}
		return e.recovery.handleKeyRequest(ctx, senderUser, senderDevice, req)
	default:
		return fmt.Errorf("engine: unknown to-device event type %q", ev.Type)
	}
}

// Devices returns the trust registry's records for a user.
func (e *Engine) Devices(userID string) ([]*trust.Device, error) {
	return e.registry.Devices(userID)
}

// VerifyDevice manually marks a device verified without an interactive
// transaction.
func (e *Engine) VerifyDevice(userID, deviceID string) error {
	return e.registry.CompleteVerification(userID, deviceID)
}

// UnverifyDevice drops a device back to unverified.
func (e *Engine) UnverifyDevice(userID, deviceID string) error {
	return e.registry.SetTrustState(userID, deviceID, trust.Unverified)
}

// BlacklistDevice blacklists a device.
func (e *Engine) BlacklistDevice(userID, deviceID string) error {
	return e.registry.SetTrustState(userID, deviceID, trust.Blacklisted)
}

// UnblacklistDevice resets a blacklisted device to unverified.
func (e *Engine) UnblacklistDevice(userID, deviceID string) error {
	return e.registry.SetTrustState(userID, deviceID, trust.Unverified)
}

// IgnoreDevice marks a device ignored.
func (e *Engine) IgnoreDevice(userID, deviceID string) error {
	return e.registry.SetTrustState(userID, deviceID, trust.Ignored)
}

// StartVerification opens an interactive verification transaction with
// the remote device.
func (e *Engine) StartVerification(userID, deviceID string) (string, error) {
	return e.verifier.Start(userID, deviceID)
}

// AcceptVerification accepts an incoming verification transaction.
func (e *Engine) AcceptVerification(txnID string) error {
	return e.verifier.AcceptIncoming(txnID)
}

// ConfirmVerification is the operator's confirmation that the short
// authentication string matched.
func (e *Engine) ConfirmVerification(txnID string) error {
	return e.verifier.SubmitMAC(txnID)
}

// CancelVerification cancels a verification transaction.
func (e *Engine) CancelVerification(txnID string) error {
	return e.verifier.Cancel(txnID)
}

// VerificationSAS returns the transaction's short authentication string
// decimals for display.
func (e *Engine) VerificationSAS(txnID string) ([3]uint16, error) {
	return e.verifier.SASDecimals(txnID)
}

// SendAnyways overrides strict verification for one room: subsequent
// encryptions proceed despite unverified devices.
func (e *Engine) SendAnyways(roomID string) {
	e.Lock()
	defer e.Unlock()
	e.sendAnyways[roomID] = true
}

// CancelSending clears a room's send-anyway override.
func (e *Engine) CancelSending(roomID string) {
	e.Lock()
	defer e.Unlock()
	delete(e.sendAnyways, roomID)
}

func (e *Engine) sendAnywaysFor(roomID string) bool {
	e.Lock()
	defer e.Unlock()
	return e.sendAnyways[roomID]
}

// ApproveKeyShare installs a held inbound key share under the
// require-approval policy.
func (e *Engine) ApproveKeyShare(ctx context.Context, roomID, sessionID string) error {
	return e.recovery.approveHeldShare(ctx, roomID, sessionID)
}

// RejectKeyShare discards a held inbound key share.
func (e *Engine) RejectKeyShare(roomID, sessionID string) {
	e.recovery.rejectHeldShare(roomID, sessionID)
}

// CancelKeyRequest stops retrying an outstanding key request.  Buffered
// events for the session are kept in case a share still arrives.
func (e *Engine) CancelKeyRequest(roomID, sessionID string) error {
	return e.recovery.cancelRequest(roomID, sessionID)
}

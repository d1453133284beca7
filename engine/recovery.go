// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/aspacca/pantalaimon/config"
	"github.com/aspacca/pantalaimon/core/queue"
	"github.com/aspacca/pantalaimon/senderkey"
	"github.com/aspacca/pantalaimon/trust"
)

// keyRequestPayload is the plaintext body of a key-request to-device
// event.
type keyRequestPayload struct {
	RoomID    string
	SessionID string
}

// keyRequestRecord is the persisted record of an outstanding outbound
// key request.
type keyRequestRecord struct {
	RoomID       string
	SessionID    string
	TargetUser   string
	TargetDevice string
	Attempts     int
}

type heldShare struct {
	senderUser   string
	senderDevice string
	key          *senderkey.SharedKey
}

// Timer queue item kinds.
type requestRetry struct {
	id string
}

type shareRetry struct {
	roomID    string
	sessionID string
	member    *Member
	attempts  int
}

// recovery is the key recovery coordinator: it requests missing group
// session keys from their originating devices with bounded backed-off
// retries, buffers the events waiting on them, installs inbound shares
// subject to trust policy, and retries failed outbound key share
// deliveries.
type recovery struct {
	sync.Mutex

	e      *Engine
	log    *logging.Logger
	timers *queue.TimerQueue

	requests map[string]*keyRequestRecord
	pending  map[string][]*EncryptedEvent
	held     map[string]*heldShare
}

func sessionKey(roomID, sessionID string) string {
	return roomID + "|" + sessionID
}

func newRecovery(e *Engine) *recovery {
	r := &recovery{
		e:        e,
		log:      e.logBackend.GetLogger("recovery"),
		requests: make(map[string]*keyRequestRecord),
		pending:  make(map[string][]*EncryptedEvent),
		held:     make(map[string]*heldShare),
	}
	r.timers = queue.NewTimerQueue(r.onTimer)
	r.timers.Start()
	return r
}

// restore reloads the persisted outstanding key requests and schedules
// their next retries.
func (r *recovery) restore() error {
	blobs, err := r.e.store.ListKeyRequests()
	if err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	for _, blob := range blobs {
		rec := new(keyRequestRecord)
		if err = cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		id := sessionKey(rec.RoomID, rec.SessionID)
		r.requests[id] = rec
		r.timers.Push(time.Now().Add(r.backoff(rec.Attempts)), &requestRetry{id: id})
	}
	return nil
}

func (r *recovery) Halt() {
	r.timers.Halt()
}

func (r *recovery) backoff(attempts int) time.Duration {
	d := r.e.cfg.Policy.KeyRequestBackoff()
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (r *recovery) onTimer(value interface{}) {
	switch it := value.(type) {
	case *requestRetry:
		r.onRequestRetry(it.id)
	case *shareRetry:
		r.onShareRetry(it)
	default:
		panic(fmt.Sprintf("recovery: unknown timer item %T", value))
	}
}

func (r *recovery) persistRequest(id string, rec *keyRequestRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return r.e.store.PutKeyRequest(id, blob)
}

func (r *recovery) sendRequest(rec *keyRequestRecord) {
	payload, err := cbor.Marshal(&keyRequestPayload{
		RoomID:    rec.RoomID,
		SessionID: rec.SessionID,
	})
	if err != nil {
		r.log.Errorf("key request encode: %v", err)
		return
	}
	err = r.e.sender.SendToDevice(&ToDeviceEvent{
		TargetUser:   rec.TargetUser,
		TargetDevice: rec.TargetDevice,
		Type:         ToDeviceKeyRequest,
		Payload:      payload,
	})
	if err != nil {
		// The retry timer covers delivery failures.
		r.log.Warningf("key request for %s to %s/%s failed: %v",
			rec.SessionID, rec.TargetUser, rec.TargetDevice, err)
	}
}

// filePending buffers an undecryptable event and files a key request
// with the originating device if none is outstanding yet.
func (r *recovery) filePending(ev *EncryptedEvent) error {
	id := sessionKey(ev.RoomID, ev.SessionID)

	r.Lock()
	buf := r.pending[id]
	if max := r.e.cfg.Policy.PendingEventBufferPerRoom; len(buf) >= max {
		r.log.Warningf("room %s: pending buffer full for session %s, dropping oldest",
			ev.RoomID, ev.SessionID)
		buf = buf[1:]
	}
	r.pending[id] = append(buf, ev)

	if _, outstanding := r.requests[id]; outstanding {
		r.Unlock()
		return nil
	}
	rec := &keyRequestRecord{
		RoomID:       ev.RoomID,
		SessionID:    ev.SessionID,
		TargetUser:   ev.SenderUser,
		TargetDevice: ev.SenderDevice,
	}
	r.requests[id] = rec
	r.Unlock()

	if err := r.persistRequest(id, rec); err != nil {
		return err
	}
	r.sendRequest(rec)
	r.timers.Push(time.Now().Add(r.backoff(0)), &requestRetry{id: id})
	return nil
}

// onRequestRetry re-sends an unanswered key request, or expires it after
// the bounded retries and surfaces its buffered events undecryptable.
func (r *recovery) onRequestRetry(id string) {
	r.Lock()
	rec, ok := r.requests[id]
	if !ok {
		r.Unlock()
		return
	}
	rec.Attempts++
	if rec.Attempts >= r.e.cfg.Policy.KeyRequestRetries {
		delete(r.requests, id)
		buffered := r.pending[id]
		delete(r.pending, id)
		r.Unlock()

		if err := r.e.store.DeleteKeyRequest(id); err != nil {
			r.log.Errorf("key request %s delete: %v", id, err)
		}
		r.log.Noticef("key request for %s expired after %d attempts", rec.SessionID, rec.Attempts)
		r.e.emit(&KeyRequestExpiredEvent{RoomID: rec.RoomID, SessionID: rec.SessionID})
		for _, ev := range buffered {
			r.e.emit(&MessageUndecryptableEvent{Event: ev})
		}
		return
	}
	r.Unlock()

	if err := r.persistRequest(id, rec); err != nil {
		r.log.Errorf("key request %s persist: %v", id, err)
	}
	r.sendRequest(rec)
	r.timers.Push(time.Now().Add(r.backoff(rec.Attempts)), &requestRetry{id: id})
}

// cancelRequest stops retrying a key request.  Buffered events are kept
// in case a share still arrives.
func (r *recovery) cancelRequest(roomID, sessionID string) error {
	id := sessionKey(roomID, sessionID)
	r.Lock()
	_, ok := r.requests[id]
	delete(r.requests, id)
	r.Unlock()
	if !ok {
		return nil
	}
	r.timers.Remove(func(value interface{}) bool {
		it, isRetry := value.(*requestRetry)
		return isRetry && it.id == id
	})
	return r.e.store.DeleteKeyRequest(id)
}

// handleKeyShare processes a pairwise decrypted inbound key share,
// subject to the configured trust policy.
func (r *recovery) handleKeyShare(ctx context.Context, senderUser, senderDevice string, plaintext []byte) error {
	p := new(keySharePayload)
	if err := cbor.Unmarshal(plaintext, p); err != nil {
		return err
	}
	if p.Key == nil {
		return errors.New("engine: key share without key")
	}

	st, err := r.e.registry.TrustState(senderUser, senderDevice)
	if err != nil {
		return err
	}
	if st == trust.Blacklisted {
		return fmt.Errorf("engine: dropping key share from blacklisted device %s/%s",
			senderUser, senderDevice)
	}

	id := sessionKey(p.Key.RoomID, p.Key.SessionID)
	r.Lock()
	_, solicited := r.requests[id]
	r.Unlock()

	switch r.e.cfg.Policy.KeySharePolicy {
	case config.KeyShareRequireApproval:
		r.Lock()
		r.held[id] = &heldShare{senderUser: senderUser, senderDevice: senderDevice, key: p.Key}
		r.Unlock()
		r.e.emit(&KeyShareApprovalEvent{
			RoomID:       p.Key.RoomID,
			SessionID:    p.Key.SessionID,
			SenderUser:   senderUser,
			SenderDevice: senderDevice,
		})
		return nil
	default:
		if !solicited && st != trust.Verified {
			r.log.Noticef("dropping unsolicited key share from %s %s/%s",
				st, senderUser, senderDevice)
			return nil
		}
	}
	return r.installShare(ctx, senderUser, senderDevice, p.Key)
}

// installShare installs a session key into the store and drains the
// buffered events waiting on it, in arrival order.
func (r *recovery) installShare(ctx context.Context, senderUser, senderDevice string, key *senderkey.SharedKey) error {
	h := r.e.store.InboundGroup(key.RoomID, senderUser, senderDevice, key.SessionID)
	g, err := h.Checkout(ctx)
	if err != nil {
		return err
	}
	if existing := g.Session(); existing != nil && existing.FirstIndex() <= key.Index {
		// The known session can already decrypt at least as far back.
		g.Release()
	} else {
		sess, err := senderkey.NewInboundSession(key)
		if err != nil {
			g.Release()
			return err
		}
		g.Install(sess)
		if err = g.Commit(); err != nil {
			return err
		}
	}

	id := sessionKey(key.RoomID, key.SessionID)
	r.Lock()
	_, outstanding := r.requests[id]
	delete(r.requests, id)
	buffered := r.pending[id]
	delete(r.pending, id)
	r.Unlock()

	if outstanding {
		r.timers.Remove(func(value interface{}) bool {
			it, isRetry := value.(*requestRetry)
			return isRetry && it.id == id
		})
		if err = r.e.store.DeleteKeyRequest(id); err != nil {
			return err
		}
	}

	for _, ev := range buffered {
		res, err := r.e.Decrypt(ctx, ev)
		if err != nil {
			r.log.Warningf("room %s: buffered event %s failed after key share: %v",
				ev.RoomID, ev.EventID, err)
			r.e.emit(&MessageUndecryptableEvent{Event: ev})
			continue
		}
		r.e.emit(&MessageDecryptedEvent{Event: ev, Plaintext: res.Plaintext})
	}
	return nil
}

// approveHeldShare installs a share held under the require-approval
// policy.
func (r *recovery) approveHeldShare(ctx context.Context, roomID, sessionID string) error {
	id := sessionKey(roomID, sessionID)
	r.Lock()
	hs, ok := r.held[id]
	delete(r.held, id)
	r.Unlock()
	if !ok {
		return fmt.Errorf("engine: no held key share for %s in %s", sessionID, roomID)
	}
	return r.installShare(ctx, hs.senderUser, hs.senderDevice, hs.key)
}

// rejectHeldShare discards a held share.
func (r *recovery) rejectHeldShare(roomID, sessionID string) {
	id := sessionKey(roomID, sessionID)
	r.Lock()
	if hs, ok := r.held[id]; ok {
		hs.key.Wipe()
		delete(r.held, id)
	}
	r.Unlock()
}

// dropHeldSharesFrom discards every held share from a device, invoked
// when the device gets blacklisted.
func (r *recovery) dropHeldSharesFrom(userID, deviceID string) {
	r.Lock()
	for id, hs := range r.held {
		if hs.senderUser == userID && hs.senderDevice == deviceID {
			hs.key.Wipe()
			delete(r.held, id)
		}
	}
	r.Unlock()
}

// handleKeyRequest answers a peer's key request when the requested
// outbound session exists and the requester passes trust policy: the
// local user's own devices, or verified devices.
func (r *recovery) handleKeyRequest(ctx context.Context, fromUser, fromDevice string, req *keyRequestPayload) error {
	d, err := r.e.registry.Device(fromUser, fromDevice)
	if err != nil {
		return err
	}
	allowed := d.Trust == trust.Verified ||
		(fromUser == r.e.cfg.Proxy.UserID && d.Trust != trust.Blacklisted)
	if !allowed {
		r.log.Noticef("refusing key request for %s from %s %s/%s",
			req.SessionID, d.Trust, fromUser, fromDevice)
		return nil
	}

	g, err := r.e.store.OutboundGroup(req.RoomID).Checkout(ctx)
	if err != nil {
		return err
	}
	sess := g.Session()
	if sess == nil || sess.ID() != req.SessionID {
		g.Release()
		r.log.Debugf("no matching outbound session %s for key request from %s/%s",
			req.SessionID, fromUser, fromDevice)
		return nil
	}
	ev, err := r.e.encryptKeyShare(ctx, &Member{
		UserID:      fromUser,
		DeviceID:    fromDevice,
		IdentityKey: d.IdentityKey,
		SigningKey:  d.SigningKey,
	}, sess)
	if err != nil {
		g.Release()
		return err
	}
	g.MarkShared(fromUser, fromDevice)
	if err = g.Commit(); err != nil {
		return err
	}
	return r.e.sender.SendToDevice(ev)
}

// recordShareFailure schedules an outbound key share retry for a device
// that could not be reached during encryption fan-out.
func (r *recovery) recordShareFailure(roomID, sessionID string, m *Member) {
	r.timers.Push(time.Now().Add(r.backoff(0)), &shareRetry{
		roomID:    roomID,
		sessionID: sessionID,
		member:    m,
	})
}

// onShareRetry retries an outbound key share.  Retries stop when the
// session was rotated away or the bounded attempts are exhausted.
func (r *recovery) onShareRetry(it *shareRetry) {
	ctx := context.Background()
	g, err := r.e.store.OutboundGroup(it.roomID).Checkout(ctx)
	if err != nil {
		r.log.Errorf("share retry for %s/%s: %v", it.member.UserID, it.member.DeviceID, err)
		return
	}
	sess := g.Session()
	if sess == nil || sess.ID() != it.sessionID {
		g.Release()
		return
	}
	if g.SharedTo(it.member.UserID, it.member.DeviceID) {
		g.Release()
		return
	}
	ev, err := r.e.encryptKeyShare(ctx, it.member, sess)
	if err == nil {
		g.MarkShared(it.member.UserID, it.member.DeviceID)
		if err = g.Commit(); err == nil {
			err = r.e.sender.SendToDevice(ev)
		}
	} else {
		g.Release()
	}
	if err != nil {
		it.attempts++
		if it.attempts >= r.e.cfg.Policy.KeyRequestRetries {
			r.log.Warningf("giving up key share to %s/%s for %s: %v",
				it.member.UserID, it.member.DeviceID, it.sessionID, err)
			return
		}
		r.timers.Push(time.Now().Add(r.backoff(it.attempts)), it)
	}
}

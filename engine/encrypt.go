// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aspacca/pantalaimon/senderkey"
	"github.com/aspacca/pantalaimon/store"
	"github.com/aspacca/pantalaimon/trust"
)

// keySharePayload is the pairwise encrypted body of a key-share
// to-device event.
type keySharePayload struct {
	Key *senderkey.SharedKey
}

// Encrypt is the encryption pipeline: it group-encrypts plaintext for
// the room and produces the key-share to-device events for member
// devices that do not hold the session key yet.  Key-share failures for
// a subset of devices do not fail the room event; the affected devices
// land in the recovery backlog for retry.
func (e *Engine) Encrypt(ctx context.Context, roomID string, plaintext []byte, members []*Member) (*EncryptedEvent, []*ToDeviceEvent, error) {
	recipients, unverified, err := e.resolveRecipients(members)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.Policy.RequireVerification && len(unverified) > 0 && !e.sendAnywaysFor(roomID) {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnverifiedDevices, unverified)
	}

	g, err := e.store.OutboundGroup(roomID).Checkout(ctx)
	if err != nil {
		return nil, nil, err
	}
	sess := g.Session()
	if sess == nil || e.needsRotation(g, recipients) {
		if sess, err = senderkey.NewOutboundSession(e.rand, roomID); err != nil {
			g.Release()
			return nil, nil, err
		}
		g.Install(sess)
		e.log.Debugf("room %s: new outbound group session %s", roomID, sess.ID())
	}

	// Shares are exported before the chain advances for this event, so
	// a device receiving the key for the first time can decrypt from
	// this event onward and nothing earlier.
	var shares []*ToDeviceEvent
	for _, r := range recipients {
		if r.trust == trust.Ignored || g.SharedTo(r.member.UserID, r.member.DeviceID) {
			continue
		}
		ev, err := e.encryptKeyShare(ctx, r.member, sess)
		if err != nil {
			e.log.Warningf("room %s: key share to %s/%s failed: %v",
				roomID, r.member.UserID, r.member.DeviceID, err)
			e.recovery.recordShareFailure(roomID, sess.ID(), r.member)
			continue
		}
		g.MarkShared(r.member.UserID, r.member.DeviceID)
		shares = append(shares, ev)
	}

	index, ciphertext, err := sess.Encrypt(plaintext)
	if err != nil {
		g.Release()
		return nil, nil, err
	}

	ev := &EncryptedEvent{
		EventID:      fmt.Sprintf("%s:%d", sess.ID(), index),
		RoomID:       roomID,
		SenderUser:   e.cfg.Proxy.UserID,
		SenderDevice: e.cfg.Proxy.DeviceID,
		SessionID:    sess.ID(),
		Ciphertext:   ciphertext,
	}
	if err = g.Commit(); err != nil {
		return nil, nil, err
	}
	return ev, shares, nil
}

type recipient struct {
	member *Member
	trust  trust.State
}

// resolveRecipients records the member devices in the registry and
// filters out the local device and every blacklisted device.
func (e *Engine) resolveRecipients(members []*Member) ([]*recipient, []string, error) {
	var recipients []*recipient
	var unverified []string
	for _, m := range members {
		if m.UserID == e.cfg.Proxy.UserID && m.DeviceID == e.cfg.Proxy.DeviceID {
			continue
		}
		d, err := e.observeMember(m)
		if errors.Is(err, trust.ErrIdentityKeyConflict) {
			// The device keeps its recorded keys; it cannot be
			// encrypted to until an operator resolves the conflict.
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if d.Trust == trust.Blacklisted {
			continue
		}
		if d.Trust == trust.Unverified {
			unverified = append(unverified, m.UserID+"/"+m.DeviceID)
		}
		recipients = append(recipients, &recipient{member: m, trust: d.Trust})
	}
	return recipients, unverified, nil
}

// needsRotation decides whether the room's outbound session must be
// replaced before encrypting: past the message count or age threshold,
// or shared with a device that is no longer an eligible recipient
// (membership shrank, or a recipient got blacklisted since the last
// share).
func (e *Engine) needsRotation(g *store.OutboundGroupGuard, recipients []*recipient) bool {
	sess := g.Session()
	if sess.Index() >= e.cfg.Policy.RotationMessages {
		return true
	}
	if time.Since(sess.CreatedAt()) >= e.cfg.Policy.RotationPeriod() {
		return true
	}
	current := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		current[r.member.UserID+"|"+r.member.DeviceID] = true
	}
	for _, shared := range g.SharedDevices() {
		if !current[shared] {
			return true
		}
	}
	return false
}

// encryptKeyShare wraps the session's export in a pairwise encrypted
// key-share event for one device.
func (e *Engine) encryptKeyShare(ctx context.Context, m *Member, sess *senderkey.OutboundSession) (*ToDeviceEvent, error) {
	share := sess.Share()
	defer share.Wipe()
	payload, err := cbor.Marshal(&keySharePayload{Key: share})
	if err != nil {
		return nil, err
	}
	return e.pairwiseEncrypt(ctx, m, ToDeviceKeyShare, payload)
}

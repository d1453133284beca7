// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"crypto/ed25519"
	"fmt"

	"github.com/aspacca/pantalaimon/ratchet"
	"github.com/aspacca/pantalaimon/verification"
)

// Member describes one device in a room's membership, as supplied by the
// external sync layer.  Bundle may be nil when the device's published
// keys were not fetched; pairwise session establishment with it will then
// fail and be retried through the recovery backlog.
type Member struct {
	UserID      string
	DeviceID    string
	DisplayName string
	IdentityKey []byte
	SigningKey  ed25519.PublicKey
	Bundle      *ratchet.KeyBundle
}

// EncryptedEvent is one group-encrypted room event, inbound or outbound.
type EncryptedEvent struct {
	EventID      string
	RoomID       string
	SenderUser   string
	SenderDevice string
	SessionID    string
	Ciphertext   []byte
}

// ToDeviceEvent kinds.
const (
	ToDeviceKeyShare     = "keyshare"
	ToDeviceKeyRequest   = "keyrequest"
	ToDeviceVerification = "verification"
)

// ToDeviceEvent is a direct device to device event.  Key shares travel
// pairwise encrypted; key requests and verification messages are plain
// payloads authenticated at a higher layer.
type ToDeviceEvent struct {
	TargetUser   string
	TargetDevice string
	Type         string

	// PrekeyHeader accompanies the first messages of a freshly
	// established pairwise session.
	PrekeyHeader *ratchet.PrekeyHeader

	Payload []byte
}

// Sender delivers outbound to-device events to the federation transport.
type Sender interface {
	SendToDevice(ev *ToDeviceEvent) error
}

// Event is the generic event sink event.
type Event interface{}

// DeviceKeyChangedEvent is emitted when an observed device presents a
// long-term key different from the recorded one.  This is a security
// alert; the device keeps its recorded keys until an operator reset.
type DeviceKeyChangedEvent struct {
	UserID   string
	DeviceID string
}

// String returns a string representation of the DeviceKeyChangedEvent.
func (e *DeviceKeyChangedEvent) String() string {
	return fmt.Sprintf("DeviceKeyChanged: %s/%s", e.UserID, e.DeviceID)
}

// VerificationRequestedEvent is emitted when a remote device starts a
// verification transaction, awaiting AcceptVerification or
// CancelVerification.
type VerificationRequestedEvent struct {
	TransactionID string
	UserID        string
	DeviceID      string
}

// String returns a string representation of the VerificationRequestedEvent.
func (e *VerificationRequestedEvent) String() string {
	return fmt.Sprintf("VerificationRequested: %s from %s/%s", e.TransactionID, e.UserID, e.DeviceID)
}

// VerificationDoneEvent is emitted when a verification transaction
// reaches a terminal state.
type VerificationDoneEvent struct {
	TransactionID string
	UserID        string
	DeviceID      string
	Outcome       verification.State
}

// String returns a string representation of the VerificationDoneEvent.
func (e *VerificationDoneEvent) String() string {
	return fmt.Sprintf("VerificationDone: %s with %s/%s: %s", e.TransactionID, e.UserID, e.DeviceID, e.Outcome)
}

// MessageDecryptedEvent is emitted for a previously pending event that
// became decryptable after key recovery.
type MessageDecryptedEvent struct {
	Event     *EncryptedEvent
	Plaintext []byte
}

// String returns a string representation of the MessageDecryptedEvent.
func (e *MessageDecryptedEvent) String() string {
	return fmt.Sprintf("MessageDecrypted: %s in %s", e.Event.EventID, e.Event.RoomID)
}

// MessageUndecryptableEvent is emitted for a buffered event whose key
// request expired without an answer.
type MessageUndecryptableEvent struct {
	Event *EncryptedEvent
}

// String returns a string representation of the MessageUndecryptableEvent.
func (e *MessageUndecryptableEvent) String() string {
	return fmt.Sprintf("MessageUndecryptable: %s in %s", e.Event.EventID, e.Event.RoomID)
}

// KeyRequestExpiredEvent is emitted when an outbound key request
// exhausted its retries.
type KeyRequestExpiredEvent struct {
	RoomID    string
	SessionID string
}

// String returns a string representation of the KeyRequestExpiredEvent.
func (e *KeyRequestExpiredEvent) String() string {
	return fmt.Sprintf("KeyRequestExpired: %s in %s", e.SessionID, e.RoomID)
}

// KeyShareApprovalEvent is emitted under the require-approval key share
// policy when an inbound share is held awaiting ApproveKeyShare or
// RejectKeyShare.
type KeyShareApprovalEvent struct {
	RoomID       string
	SessionID    string
	SenderUser   string
	SenderDevice string
}

// String returns a string representation of the KeyShareApprovalEvent.
func (e *KeyShareApprovalEvent) String() string {
	return fmt.Sprintf("KeyShareApproval: %s in %s from %s/%s", e.SessionID, e.RoomID, e.SenderUser, e.SenderDevice)
}

// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package verification implements the interactive short-authentication-string
// verification state machine.  One transaction verifies one remote device:
// both sides exchange ephemeral X25519 keys under a hash commitment, render
// the shared secret as decimal triplets for the operator to compare out of
// band, and then exchange MACs over the device keys being attested.  A
// transaction that reaches accepted upgrades the device's trust state; every
// other outcome leaves trust untouched.
package verification

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
	"gopkg.in/op/go-logging.v1"

	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/core/queue"
	"github.com/aspacca/pantalaimon/core/utils"
	"github.com/aspacca/pantalaimon/trust"
)

const (
	keySize          = 32
	startPayloadSize = 32
	sasSize          = 5

	sasInfoPrefix = "PANTALAIMON_SAS"
	macInfoPrefix = "PANTALAIMON_MAC"
)

var (
	// ErrUnknownTransaction is returned for operations on a transaction
	// id the machine is not tracking.
	ErrUnknownTransaction = errors.New("verification: unknown transaction")

	// ErrInvalidState is returned when an operation or wire message
	// arrives in a state it is not valid in.
	ErrInvalidState = errors.New("verification: invalid state for operation")

	// ErrVerificationMismatch is returned when a commitment or MAC check
	// fails; the transaction is rejected and trust is unchanged.
	ErrVerificationMismatch = errors.New("verification: commitment or MAC mismatch")

	// ErrTransactionExists is returned when a start collides with an in
	// flight transaction for the same id.
	ErrTransactionExists = errors.New("verification: transaction already exists")
)

// State is the state of a verification transaction.
type State uint8

const (
	// Started is the initial state, before both ephemeral keys are
	// exchanged.
	Started State = iota

	// KeyExchanged means both sides hold the shared secret and the
	// operator may be shown the SAS.
	KeyExchanged

	// MacExchanged means both MACs were exchanged and verified.
	MacExchanged

	// Accepted is the terminal success state; the remote device was
	// upgraded to verified.
	Accepted

	// Rejected is the terminal state for a commitment or MAC mismatch.
	Rejected

	// Cancelled is the terminal state for an explicit cancel from
	// either side.
	Cancelled

	// TimedOut is the terminal state for a transaction idle past the
	// configured timeout.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case KeyExchanged:
		return "key-exchanged"
	case MacExchanged:
		return "mac-exchanged"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MessageType discriminates verification wire messages.
type MessageType uint8

const (
	// MessageStart opens a transaction; the payload is the start nonce
	// the acceptor's commitment binds to.
	MessageStart MessageType = iota

	// MessageAccept carries the acceptor's commitment.
	MessageAccept

	// MessageKey carries an ephemeral public key.
	MessageKey

	// MessageMAC carries a MAC over the sender's device signing key.
	MessageMAC

	// MessageCancel aborts the transaction.
	MessageCancel
)

// Message is one verification wire message, transported to the remote
// device by the caller supplied sender.
type Message struct {
	TransactionID string
	Type          MessageType
	Payload       []byte
}

// SendFunc delivers a verification message to a remote device.
type SendFunc func(userID, deviceID string, msg *Message) error

// Registry is the subset of the trust registry the machine needs: device
// key lookup for MAC verification, and the verified upgrade on accept.
type Registry interface {
	Device(userID, deviceID string) (*trust.Device, error)
	CompleteVerification(userID, deviceID string) error
}

// Result reports the terminal outcome of a transaction.
type Result struct {
	TransactionID string
	RemoteUser    string
	RemoteDevice  string
	Outcome       State
}

// Config is the verification machine configuration.
type Config struct {
	LocalUser       string
	LocalDevice     string
	LocalSigningKey ed25519.PublicKey

	Registry Registry
	Send     SendFunc
	OnResult func(*Result)

	// Timeout is the idle interval after which a transaction
	// auto-transitions to timed-out.
	Timeout time.Duration

	Rand       io.Reader
	LogBackend *log.Backend
}

type transaction struct {
	id                       string
	remoteUser, remoteDevice string
	initiator                bool
	state                    State

	startPayload []byte
	commitment   []byte
	priv         *memguard.LockedBuffer
	ourPub       []byte
	theirPub     []byte
	shared       *memguard.LockedBuffer

	ourMACSent   bool
	theirMACOK   bool
	lastActivity time.Time
}

func (t *transaction) destroy() {
	if t.priv != nil {
		t.priv.Destroy()
	}
	if t.shared != nil {
		t.shared.Destroy()
	}
}

// Machine tracks all in-flight verification transactions for the local
// device.
type Machine struct {
	sync.Mutex

	cfg    *Config
	log    *logging.Logger
	txns   map[string]*transaction
	timers *queue.TimerQueue
}

// NewMachine creates a verification machine and starts its timeout worker.
func NewMachine(cfg *Config) *Machine {
	m := &Machine{
		cfg:  cfg,
		log:  cfg.LogBackend.GetLogger("verification"),
		txns: make(map[string]*transaction),
	}
	m.timers = queue.NewTimerQueue(func(value interface{}) {
		m.onDeadline(value.(string))
	})
	m.timers.Start()
	return m
}

// Halt stops the timeout worker.  In-flight transactions are dropped
// without notification; the machine is not meant to survive restarts.
func (m *Machine) Halt() {
	m.timers.Halt()
	m.Lock()
	defer m.Unlock()
	for _, t := range m.txns {
		t.destroy()
	}
	m.txns = make(map[string]*transaction)
}

func (m *Machine) touch(t *transaction) {
	t.lastActivity = time.Now()
}

func (m *Machine) schedule(t *transaction) {
	m.timers.Push(t.lastActivity.Add(m.cfg.Timeout), t.id)
}

// onDeadline fires when a transaction's idle deadline may have passed.
// Activity since scheduling pushes the deadline out instead of expiring.
func (m *Machine) onDeadline(txnID string) {
	m.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.Unlock()
		return
	}
	deadline := t.lastActivity.Add(m.cfg.Timeout)
	if time.Now().Before(deadline) {
		m.Unlock()
		m.timers.Push(deadline, txnID)
		return
	}
	m.finishLocked(t, TimedOut)
	m.Unlock()
	m.log.Noticef("transaction %s with %s/%s timed out", txnID, t.remoteUser, t.remoteDevice)
	m.notify(t, TimedOut)
}

// finishLocked moves t to a terminal state and forgets it.  Callers must
// hold the machine lock and emit the result notification after unlocking.
func (m *Machine) finishLocked(t *transaction, outcome State) {
	t.state = outcome
	t.destroy()
	delete(m.txns, t.id)
}

func (m *Machine) notify(t *transaction, outcome State) {
	if m.cfg.OnResult == nil {
		return
	}
	m.cfg.OnResult(&Result{
		TransactionID: t.id,
		RemoteUser:    t.remoteUser,
		RemoteDevice:  t.remoteDevice,
		Outcome:       outcome,
	})
}

func newTransactionID(rand io.Reader) (string, error) {
	var raw [16]byte
	if _, err := io.ReadFull(rand, raw[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", raw[:]), nil
}

func keyPair(rand io.Reader) (*memguard.LockedBuffer, []byte, error) {
	priv, err := memguard.NewBufferFromReader(rand, keySize)
	if err != nil {
		return nil, nil, err
	}
	var pub [keySize]byte
	curve25519.ScalarBaseMult(&pub, priv.ByteArray32())
	return priv, pub[:], nil
}

func commitmentOf(pub, startPayload []byte) []byte {
	h := sha3.New256()
	h.Write(pub)
	h.Write(startPayload)
	return h.Sum(nil)
}

// transcript binds the SAS and MAC keys to everything both sides saw.
func (t *transaction) transcript() []byte {
	h := sha3.New256()
	h.Write([]byte(t.id))
	h.Write(t.startPayload)
	if t.initiator {
		h.Write(t.ourPub)
		h.Write(t.theirPub)
	} else {
		h.Write(t.theirPub)
		h.Write(t.ourPub)
	}
	return h.Sum(nil)
}

func (t *transaction) deriveShared() error {
	shared, err := curve25519.X25519(t.priv.Bytes(), t.theirPub)
	if err != nil {
		return err
	}
	t.shared = memguard.NewBufferFromBytes(shared)
	return nil
}

func (t *transaction) sasBytes() []byte {
	out := make([]byte, sasSize)
	r := hkdf.New(sha3.New256, t.shared.Bytes(), nil, append([]byte(sasInfoPrefix), t.transcript()...))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("verification: hkdf: " + err.Error())
	}
	return out
}

// macOf computes the MAC attesting signingKey, bound to the attesting
// device so each direction uses a distinct key.
func (t *transaction) macOf(userID, deviceID string, signingKey ed25519.PublicKey) []byte {
	info := append([]byte(macInfoPrefix), t.transcript()...)
	info = append(info, []byte(userID+"|"+deviceID)...)
	macKey := make([]byte, keySize)
	r := hkdf.New(sha3.New256, t.shared.Bytes(), nil, info)
	if _, err := io.ReadFull(r, macKey); err != nil {
		panic("verification: hkdf: " + err.Error())
	}
	defer utils.ExplicitBzero(macKey)
	mac := hmac.New(sha3.New256, macKey)
	mac.Write(signingKey)
	return mac.Sum(nil)
}

// SASDecimals renders the transaction's short authentication string as
// three four-digit decimals in [1000, 9191], the form shown to the
// operator for out of band comparison.
func (m *Machine) SASDecimals(txnID string) ([3]uint16, error) {
	m.Lock()
	defer m.Unlock()

	var out [3]uint16
	t, ok := m.txns[txnID]
	if !ok {
		return out, ErrUnknownTransaction
	}
	if t.state != KeyExchanged {
		return out, fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	b := t.sasBytes()
	// Five bytes carve into three 13 bit values.
	v := binary.BigEndian.Uint64(append(b, 0, 0, 0))
	out[0] = uint16(v>>51&0x1fff) + 1000
	out[1] = uint16(v>>38&0x1fff) + 1000
	out[2] = uint16(v>>25&0x1fff) + 1000
	return out, nil
}

// Start opens an outbound verification transaction with the remote
// device and sends the start message.
func (m *Machine) Start(remoteUser, remoteDevice string) (string, error) {
	if _, err := m.cfg.Registry.Device(remoteUser, remoteDevice); err != nil {
		return "", err
	}
	txnID, err := newTransactionID(m.cfg.Rand)
	if err != nil {
		return "", err
	}
	startPayload := make([]byte, startPayloadSize)
	if _, err = io.ReadFull(m.cfg.Rand, startPayload); err != nil {
		return "", err
	}

	t := &transaction{
		id:           txnID,
		remoteUser:   remoteUser,
		remoteDevice: remoteDevice,
		initiator:    true,
		state:        Started,
		startPayload: startPayload,
	}
	m.Lock()
	m.txns[txnID] = t
	m.touch(t)
	m.schedule(t)
	m.Unlock()

	if err = m.cfg.Send(remoteUser, remoteDevice, &Message{
		TransactionID: txnID,
		Type:          MessageStart,
		Payload:       startPayload,
	}); err != nil {
		m.Lock()
		m.finishLocked(t, Cancelled)
		m.Unlock()
		return "", err
	}
	m.log.Debugf("started transaction %s with %s/%s", txnID, remoteUser, remoteDevice)
	return txnID, nil
}

// HandleStart processes an incoming start message.  The transaction sits
// in the machine awaiting AcceptIncoming; nothing is sent yet.
func (m *Machine) HandleStart(remoteUser, remoteDevice string, msg *Message) error {
	if _, err := m.cfg.Registry.Device(remoteUser, remoteDevice); err != nil {
		return err
	}
	if len(msg.Payload) != startPayloadSize {
		return fmt.Errorf("%w: bad start payload", ErrVerificationMismatch)
	}

	m.Lock()
	defer m.Unlock()
	if _, ok := m.txns[msg.TransactionID]; ok {
		return ErrTransactionExists
	}
	t := &transaction{
		id:           msg.TransactionID,
		remoteUser:   remoteUser,
		remoteDevice: remoteDevice,
		initiator:    false,
		state:        Started,
		startPayload: append([]byte{}, msg.Payload...),
	}
	m.txns[t.id] = t
	m.touch(t)
	m.schedule(t)
	return nil
}

// AcceptIncoming accepts an incoming transaction: the acceptor commits to
// its ephemeral key and answers with the commitment.
func (m *Machine) AcceptIncoming(txnID string) error {
	m.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	if t.initiator || t.state != Started || t.priv != nil {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	priv, pub, err := keyPair(m.cfg.Rand)
	if err != nil {
		m.Unlock()
		return err
	}
	t.priv, t.ourPub = priv, pub
	m.touch(t)
	remoteUser, remoteDevice := t.remoteUser, t.remoteDevice
	commitment := commitmentOf(pub, t.startPayload)
	m.Unlock()

	return m.cfg.Send(remoteUser, remoteDevice, &Message{
		TransactionID: txnID,
		Type:          MessageAccept,
		Payload:       commitment,
	})
}

// HandleAccept processes the acceptor's commitment on the initiator side
// and reveals the initiator's ephemeral key.
func (m *Machine) HandleAccept(msg *Message) error {
	m.Lock()
	t, ok := m.txns[msg.TransactionID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	if !t.initiator || t.state != Started || t.commitment != nil {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	priv, pub, err := keyPair(m.cfg.Rand)
	if err != nil {
		m.Unlock()
		return err
	}
	t.priv, t.ourPub = priv, pub
	t.commitment = append([]byte{}, msg.Payload...)
	m.touch(t)
	remoteUser, remoteDevice := t.remoteUser, t.remoteDevice
	m.Unlock()

	return m.cfg.Send(remoteUser, remoteDevice, &Message{
		TransactionID: msg.TransactionID,
		Type:          MessageKey,
		Payload:       pub,
	})
}

// HandleKey processes the peer's ephemeral key.  On the acceptor side it
// answers with the acceptor's key; on the initiator side it checks the
// commitment first.  Both sides leave with the shared secret derived.
func (m *Machine) HandleKey(msg *Message) error {
	if len(msg.Payload) != keySize {
		return fmt.Errorf("%w: bad public key", ErrVerificationMismatch)
	}

	m.Lock()
	t, ok := m.txns[msg.TransactionID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	if t.state != Started || t.theirPub != nil {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	if t.initiator {
		if !hmac.Equal(t.commitment, commitmentOf(msg.Payload, t.startPayload)) {
			m.finishLocked(t, Rejected)
			m.Unlock()
			m.log.Warningf("transaction %s: commitment mismatch, rejecting", msg.TransactionID)
			m.notify(t, Rejected)
			return ErrVerificationMismatch
		}
	} else if t.priv == nil {
		// Key before AcceptIncoming was ever called.
		m.Unlock()
		return fmt.Errorf("%w: not accepted", ErrInvalidState)
	}
	t.theirPub = append([]byte{}, msg.Payload...)
	if err := t.deriveShared(); err != nil {
		m.finishLocked(t, Rejected)
		m.Unlock()
		m.notify(t, Rejected)
		return err
	}
	t.state = KeyExchanged
	m.touch(t)
	initiator := t.initiator
	remoteUser, remoteDevice := t.remoteUser, t.remoteDevice
	pub := t.ourPub
	m.Unlock()

	if !initiator {
		// Reveal our key now that the peer cannot adapt to it.
		return m.cfg.Send(remoteUser, remoteDevice, &Message{
			TransactionID: msg.TransactionID,
			Type:          MessageKey,
			Payload:       pub,
		})
	}
	return nil
}

// SubmitMAC is the operator's confirmation that the displayed SAS
// matched: the local MAC is computed and sent.  The transaction reaches
// accepted once both MACs are exchanged and verified.
func (m *Machine) SubmitMAC(txnID string) error {
	m.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	if t.state != KeyExchanged || t.ourMACSent {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	t.ourMACSent = true
	m.touch(t)
	mac := t.macOf(m.cfg.LocalUser, m.cfg.LocalDevice, m.cfg.LocalSigningKey)
	remoteUser, remoteDevice := t.remoteUser, t.remoteDevice
	m.Unlock()

	if err := m.cfg.Send(remoteUser, remoteDevice, &Message{
		TransactionID: txnID,
		Type:          MessageMAC,
		Payload:       mac,
	}); err != nil {
		return err
	}
	return m.maybeAccept(txnID)
}

// HandleMAC verifies the peer's MAC over its recorded device keys.  A
// mismatch forces rejected with no trust change.
func (m *Machine) HandleMAC(msg *Message) error {
	m.Lock()
	t, ok := m.txns[msg.TransactionID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	if t.state != KeyExchanged || t.theirMACOK {
		m.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
	}
	remoteUser, remoteDevice := t.remoteUser, t.remoteDevice
	m.Unlock()

	d, err := m.cfg.Registry.Device(remoteUser, remoteDevice)
	if err != nil {
		return err
	}

	m.Lock()
	t, ok = m.txns[msg.TransactionID]
	if !ok {
		m.Unlock()
		return ErrUnknownTransaction
	}
	expected := t.macOf(remoteUser, remoteDevice, d.SigningKey)
	if !hmac.Equal(expected, msg.Payload) {
		m.finishLocked(t, Rejected)
		m.Unlock()
		m.log.Warningf("transaction %s: MAC mismatch for %s/%s, rejecting",
			msg.TransactionID, remoteUser, remoteDevice)
		m.notify(t, Rejected)
		return ErrVerificationMismatch
	}
	t.theirMACOK = true
	m.touch(t)
	m.Unlock()

	return m.maybeAccept(msg.TransactionID)
}

// maybeAccept completes the transaction once both MAC directions are
// done.
func (m *Machine) maybeAccept(txnID string) error {
	m.Lock()
	t, ok := m.txns[txnID]
	if !ok || !t.ourMACSent || !t.theirMACOK {
		m.Unlock()
		return nil
	}
	t.state = MacExchanged
	m.finishLocked(t, Accepted)
	m.Unlock()

	if err := m.cfg.Registry.CompleteVerification(t.remoteUser, t.remoteDevice); err != nil {
		m.log.Errorf("transaction %s: trust upgrade for %s/%s failed: %v",
			txnID, t.remoteUser, t.remoteDevice, err)
		m.notify(t, Rejected)
		return err
	}
	m.log.Noticef("transaction %s: %s/%s verified", txnID, t.remoteUser, t.remoteDevice)
	m.notify(t, Accepted)
	return nil
}

// Cancel aborts a transaction and tells the peer.  Cancelling an unknown
// or already terminal transaction is a no-op.
func (m *Machine) Cancel(txnID string) error {
	m.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.Unlock()
		return nil
	}
	m.finishLocked(t, Cancelled)
	m.Unlock()

	m.notify(t, Cancelled)
	return m.cfg.Send(t.remoteUser, t.remoteDevice, &Message{
		TransactionID: txnID,
		Type:          MessageCancel,
	})
}

// HandleCancel processes a cancel from the peer.
func (m *Machine) HandleCancel(msg *Message) {
	m.Lock()
	t, ok := m.txns[msg.TransactionID]
	if !ok {
		m.Unlock()
		return
	}
	m.finishLocked(t, Cancelled)
	m.Unlock()
	m.notify(t, Cancelled)
}

// Handle dispatches a wire message by type.
func (m *Machine) Handle(remoteUser, remoteDevice string, msg *Message) error {
	switch msg.Type {
	case MessageStart:
		return m.HandleStart(remoteUser, remoteDevice, msg)
	case MessageAccept:
		return m.HandleAccept(msg)
	case MessageKey:
		return m.HandleKey(msg)
	case MessageMAC:
		return m.HandleMAC(msg)
	case MessageCancel:
		m.HandleCancel(msg)
		return nil
	default:
		return fmt.Errorf("verification: unknown message type %d", msg.Type)
	}
}

// MarshalMessage serializes a verification message for transport inside a
// to-device event.
func MarshalMessage(msg *Message) ([]byte, error) {
	return cbor.Marshal(msg)
}

// UnmarshalMessage deserializes a verification message.
func UnmarshalMessage(data []byte) (*Message, error) {
	msg := new(Message)
	if err := cbor.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

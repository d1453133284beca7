// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trust implements the device trust registry: the record of every
// device observed for every user, its long-term keys, and its trust state.
// All trust-state transitions funnel through the registry so the transition
// rules are enforced in exactly one place.
package trust

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/store"
)

var (
	// ErrDeviceNotFound is returned when no record exists for the device.
	ErrDeviceNotFound = errors.New("trust: device not found")

	// ErrIdentityKeyConflict is returned when an observed device presents
	// a long-term identity key different from the recorded one.  The
	// record is left untouched; accepting the new key requires an
	// explicit operator reset.
	ErrIdentityKeyConflict = errors.New("trust: identity key conflict")

	// ErrInvalidTransition is returned for trust-state transitions the
	// transition table forbids.
	ErrInvalidTransition = errors.New("trust: invalid trust state transition")
)

// State is the trust state of a device.
type State uint8

const (
	// Unverified devices are known but not verified.  They participate
	// in key sharing subject to policy.
	Unverified State = iota

	// Verified devices completed an interactive verification.
	Verified

	// Blacklisted devices never receive key shares, and rooms they
	// were a recipient in get their outbound session rotated.
	Blacklisted

	// Ignored devices are excluded from verification prompts but are
	// otherwise treated as unverified.
	Ignored
)

func (s State) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Blacklisted:
		return "blacklisted"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Device is one observed device of one user.  The identity key is
// immutable for the lifetime of the record; the trust state is the only
// mutable field.
type Device struct {
	UserID      string
	DeviceID    string
	DisplayName string
	IdentityKey []byte
	SigningKey  ed25519.PublicKey
	Trust       State
}

// Registry is the device trust registry, backed write-through by the
// session store's device bucket.
type Registry struct {
	sync.Mutex

	log   *logging.Logger
	store *store.Store
	cache map[string]*Device

	onBlacklist func(userID, deviceID string)
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st *store.Store, logBackend *log.Backend) *Registry {
	return &Registry{
		log:   logBackend.GetLogger("trust"),
		store: st,
		cache: make(map[string]*Device),
	}
}

// OnBlacklist registers the callback invoked after a device transitions
// into the blacklisted state.  It is called without the registry lock
// held.
func (r *Registry) OnBlacklist(fn func(userID, deviceID string)) {
	r.Lock()
	defer r.Unlock()
	r.onBlacklist = fn
}

func cacheKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// load returns the cached record, faulting it in from the store if
// needed.  Callers must hold the registry lock.
func (r *Registry) load(userID, deviceID string) (*Device, error) {
	if d, ok := r.cache[cacheKey(userID, deviceID)]; ok {
		return d, nil
	}
	blob, err := r.store.GetDevice(userID, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrDeviceNotFound
	case err != nil:
		return nil, err
	}
	d := new(Device)
	if err = cbor.Unmarshal(blob, d); err != nil {
		return nil, err
	}
	r.cache[cacheKey(userID, deviceID)] = d
	return d, nil
}

// persist writes the record through to the store.  Callers must hold the
// registry lock.
func (r *Registry) persist(d *Device) error {
	blob, err := cbor.Marshal(d)
	if err != nil {
		return err
	}
	if err = r.store.PutDevice(d.UserID, d.DeviceID, blob); err != nil {
		return err
	}
	r.cache[cacheKey(d.UserID, d.DeviceID)] = d
	return nil
}

func copyDevice(d *Device) *Device {
	out := *d
	out.IdentityKey = append([]byte{}, d.IdentityKey...)
	out.SigningKey = append(ed25519.PublicKey{}, d.SigningKey...)
	return &out
}

// UpsertDevice records an observed device.  New devices start out
// unverified.  Re-observing a known device with the same keys is a no-op
// apart from display name updates.  A changed identity or signing key is
// a security relevant conflict: the record is left exactly as it was and
// ErrIdentityKeyConflict is returned.
func (r *Registry) UpsertDevice(userID, deviceID string, identityKey []byte, signingKey ed25519.PublicKey, displayName string) (*Device, error) {
	r.Lock()
	defer r.Unlock()

	d, err := r.load(userID, deviceID)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		d = &Device{
			UserID:      userID,
			DeviceID:    deviceID,
			DisplayName: displayName,
			IdentityKey: append([]byte{}, identityKey...),
			SigningKey:  append(ed25519.PublicKey{}, signingKey...),
			Trust:       Unverified,
		}
		if err = r.persist(d); err != nil {
			return nil, err
		}
		r.log.Debugf("new device %s/%s", userID, deviceID)
		return copyDevice(d), nil
	case err != nil:
		return nil, err
	}

	if !bytes.Equal(d.IdentityKey, identityKey) || !bytes.Equal(d.SigningKey, signingKey) {
		r.log.Warningf("identity key conflict for device %s/%s, keeping recorded keys", userID, deviceID)
		return nil, ErrIdentityKeyConflict
	}
	if displayName != "" && displayName != d.DisplayName {
		d.DisplayName = displayName
		if err = r.persist(d); err != nil {
			return nil, err
		}
	}
	return copyDevice(d), nil
}

// ReplaceIdentity is the explicit operator reset that accepts a device's
// new long-term keys after an identity key conflict.  Trust always drops
// back to unverified.
func (r *Registry) ReplaceIdentity(userID, deviceID string, identityKey []byte, signingKey ed25519.PublicKey) error {
	r.Lock()
	defer r.Unlock()

	d, err := r.load(userID, deviceID)
	if err != nil {
		return err
	}
	d.IdentityKey = append([]byte{}, identityKey...)
	d.SigningKey = append(ed25519.PublicKey{}, signingKey...)
	d.Trust = Unverified
	if err = r.persist(d); err != nil {
		return err
	}
	r.log.Warningf("device %s/%s identity replaced by operator, trust reset to unverified", userID, deviceID)
	return nil
}

// Device returns a copy of the device record.
func (r *Registry) Device(userID, deviceID string) (*Device, error) {
	r.Lock()
	defer r.Unlock()

	d, err := r.load(userID, deviceID)
	if err != nil {
		return nil, err
	}
	return copyDevice(d), nil
}

// Devices returns copies of all device records for a user.
func (r *Registry) Devices(userID string) ([]*Device, error) {
	r.Lock()
	defer r.Unlock()

	blobs, err := r.store.ListDevices(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(blobs))
	for _, blob := range blobs {
		d := new(Device)
		if err = cbor.Unmarshal(blob, d); err != nil {
			return nil, err
		}
		// The cache is authoritative for records already faulted in.
		if cached, ok := r.cache[cacheKey(d.UserID, d.DeviceID)]; ok {
			d = cached
		}
		out = append(out, copyDevice(d))
	}
	return out, nil
}

// TrustState returns the device's trust state.
func (r *Registry) TrustState(userID, deviceID string) (State, error) {
	r.Lock()
	defer r.Unlock()

	d, err := r.load(userID, deviceID)
	if err != nil {
		return Unverified, err
	}
	return d.Trust, nil
}

// transitionAllowed is the operator/policy transition table.  The
// verified state is never reachable here; CompleteVerification is the
// only code path that sets it.
func transitionAllowed(from, to State) bool {
	if from == to {
		return true
	}
	if to == Verified {
		return false
	}
	if from == Blacklisted {
		// Leaving the blacklist is an explicit reset back to
		// unverified, nothing else.
		return to == Unverified
	}
	return true
}

// SetTrustState applies an operator or policy initiated trust-state
// transition, enforcing the transition table.
func (r *Registry) SetTrustState(userID, deviceID string, next State) error {
	r.Lock()
	d, err := r.load(userID, deviceID)
	if err != nil {
		r.Unlock()
		return err
	}
	prev := d.Trust
	if !transitionAllowed(prev, next) {
		r.Unlock()
		return fmt.Errorf("%w: %s -> %s for %s/%s", ErrInvalidTransition, prev, next, userID, deviceID)
	}
	if prev == next {
		r.Unlock()
		return nil
	}
	d.Trust = next
	if err = r.persist(d); err != nil {
		r.Unlock()
		return err
	}
	onBlacklist := r.onBlacklist
	r.Unlock()

	r.log.Noticef("device %s/%s trust: %s -> %s", userID, deviceID, prev, next)
	if next == Blacklisted && onBlacklist != nil {
		onBlacklist(userID, deviceID)
	}
	return nil
}

// CompleteVerification marks a device verified.  It is called by the
// verification state machine when a transaction reaches accepted, and is
// the only path into the verified state.  Blacklisted devices stay
// blacklisted.
func (r *Registry) CompleteVerification(userID, deviceID string) error {
	r.Lock()
	d, err := r.load(userID, deviceID)
	if err != nil {
		r.Unlock()
		return err
	}
	if d.Trust == Blacklisted {
		r.Unlock()
		return fmt.Errorf("%w: blacklisted -> verified for %s/%s", ErrInvalidTransition, userID, deviceID)
	}
	if d.Trust == Verified {
		r.Unlock()
		return nil
	}
	d.Trust = Verified
	if err = r.persist(d); err != nil {
		r.Unlock()
		return err
	}
	r.Unlock()

	r.log.Noticef("device %s/%s verified", userID, deviceID)
	return nil
}

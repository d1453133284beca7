// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the session store: the single owner of all
// pairwise and group session state, backed by a bolt database.  Sessions
// are only reachable through checkout guards which serialize all access to
// one session and persist mutations write-through before the guard is
// released.  Ratchet state is not idempotent; two interleaved operations on
// the same session would silently corrupt future message recovery, so the
// guards are the load bearing part of this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/aspacca/pantalaimon/core/log"
	"github.com/aspacca/pantalaimon/ratchet"
	"github.com/aspacca/pantalaimon/senderkey"
)

const (
	pairwiseBucket        = "pairwiseSessions"
	pairwiseHistoryBucket = "pairwiseSessionHistory"
	inboundGroupBucket    = "inboundGroupSessions"
	outboundGroupBucket   = "outboundGroupSessions"
	devicesBucket         = "devices"
	keyRequestsBucket     = "keyRequests"
	localBucket           = "local"
)

// A session that does not exist surfaces as a nil session on its
// checked-out guard; the caller falls back to key recovery or session
// creation.
var (
	// ErrNotFound is returned for absent non-session records.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreUnavailable wraps database failures; the in-flight
	// operation failed but may be retried as a whole.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Store owns all session and device state for one proxy user.
type Store struct {
	log  *logging.Logger
	db   *bolt.DB
	rand io.Reader

	sync.Mutex
	pairwise map[string]*PairwiseSession
	inbound  map[string]*InboundGroupSession
	outbound map[string]*OutboundGroupSession
}

// Open opens or creates the store database at path.
func Open(path string, logBackend *log.Backend, rand io.Reader) (*Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		for _, bkt := range []string{
			pairwiseBucket,
			pairwiseHistoryBucket,
			inboundGroupBucket,
			outboundGroupBucket,
			devicesBucket,
			keyRequestsBucket,
			localBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bkt)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, unavailable(err)
	}

	return &Store{
		log:      logBackend.GetLogger("store"),
		db:       db,
		rand:     rand,
		pairwise: make(map[string]*PairwiseSession),
		inbound:  make(map[string]*InboundGroupSession),
		outbound: make(map[string]*OutboundGroupSession),
	}, nil
}

// Close closes the store database.
func (s *Store) Close() error {
	return s.db.Close()
}

func deviceKey(user, device string) string {
	return user + "|" + device
}

func inboundKey(roomID, senderUser, senderDevice, sessionID string) string {
	return roomID + "|" + deviceKey(senderUser, senderDevice) + "|" + sessionID
}

// acquire blocks until the guard channel is won or ctx is done.
func acquire(ctx context.Context, lock chan struct{}) error {
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) get(bucket, key string) ([]byte, error) {
	var out []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (s *Store) put(bucket, key string, blob []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), blob)
	}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) delete(bucket, key string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	}); err != nil {
		return unavailable(err)
	}
	return nil
}

// PairwiseSession is the handle for the pairwise session with one remote
// device.  The handle exists whether or not a session does; absence is
// reported at checkout time.
type PairwiseSession struct {
	store                    *Store
	remoteUser, remoteDevice string

	lock    chan struct{}
	session *ratchet.Session
	loaded  bool
}

// Pairwise returns the session handle for the given remote device.
func (s *Store) Pairwise(remoteUser, remoteDevice string) *PairwiseSession {
	s.Lock()
	defer s.Unlock()

	k := deviceKey(remoteUser, remoteDevice)
	if h, ok := s.pairwise[k]; ok {
		return h
	}
	h := &PairwiseSession{
		store:        s,
		remoteUser:   remoteUser,
		remoteDevice: remoteDevice,
		lock:         make(chan struct{}, 1),
	}
	s.pairwise[k] = h
	return h
}

// PairwiseGuard is the exclusive guard over one pairwise session.  Exactly
// one guard per handle exists at a time; Commit or Release must be called
// before anyone else can check the session out.
type PairwiseGuard struct {
	h           *PairwiseSession
	history     []*ratchet.Session
	historyKeys [][]byte
	archived    []*ratchet.Session
	released    bool
}

// Checkout acquires the exclusive guard for the session, blocking while
// another operation holds it.
func (h *PairwiseSession) Checkout(ctx context.Context) (*PairwiseGuard, error) {
	if err := acquire(ctx, h.lock); err != nil {
		return nil, err
	}
	if !h.loaded {
		blob, err := h.store.get(pairwiseBucket, deviceKey(h.remoteUser, h.remoteDevice))
		if err != nil {
			<-h.lock
			return nil, err
		}
		if blob != nil {
			sess, err := ratchet.LoadSession(h.store.rand, blob)
			if err != nil {
				<-h.lock
				return nil, err
			}
			h.session = sess
		}
		h.loaded = true
	}
	return &PairwiseGuard{h: h}, nil
}

// Session returns the checked out session, or nil when none exists yet.
func (g *PairwiseGuard) Session() *ratchet.Session {
	return g.h.session
}

// Install makes sess the active session.  A previously active session is
// retained as a historical session so that late messages encrypted under
// the old ratchet state remain recoverable.
func (g *PairwiseGuard) Install(sess *ratchet.Session) {
	if g.h.session != nil {
		g.archived = append(g.archived, g.h.session)
	}
	g.h.session = sess
}

// Historical loads the retained historical sessions, most recent first.
func (g *PairwiseGuard) Historical() ([]*ratchet.Session, error) {
	if g.history != nil {
		return g.history, nil
	}
	prefix := []byte(deviceKey(g.h.remoteUser, g.h.remoteDevice) + "|")
	var keys, blobs [][]byte
	if err := g.h.store.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(pairwiseHistoryBucket)).Cursor()
		for key, v := c.Seek(prefix); key != nil && hasPrefix(key, prefix); key, v = c.Next() {
			keys = append(keys, append([]byte{}, key...))
			blobs = append(blobs, append([]byte{}, v...))
		}
		return nil
	}); err != nil {
		return nil, unavailable(err)
	}
	for i := len(blobs) - 1; i >= 0; i-- {
		sess, err := ratchet.LoadSession(g.h.store.rand, blobs[i])
		if err != nil {
			g.h.store.log.Warningf("pairwise %s/%s: dropping undecodable historical session: %v",
				g.h.remoteUser, g.h.remoteDevice, err)
			continue
		}
		g.history = append(g.history, sess)
		g.historyKeys = append(g.historyKeys, keys[i])
	}
	return g.history, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Commit persists the session state write-through and releases the guard.
func (g *PairwiseGuard) Commit() error {
	if g.released {
		return nil
	}
	err := g.h.store.db.Update(func(tx *bolt.Tx) error {
		k := deviceKey(g.h.remoteUser, g.h.remoteDevice)
		if g.h.session != nil {
			blob, err := g.h.session.Save()
			if err != nil {
				return err
			}
			if err = tx.Bucket([]byte(pairwiseBucket)).Put([]byte(k), blob); err != nil {
				return err
			}
		}
		hist := tx.Bucket([]byte(pairwiseHistoryBucket))
		for _, old := range g.archived {
			blob, err := old.Save()
			if err != nil {
				return err
			}
			seq, err := hist.NextSequence()
			if err != nil {
				return err
			}
			histKey := fmt.Sprintf("%s|%016x", k, seq)
			if err = hist.Put([]byte(histKey), blob); err != nil {
				return err
			}
		}
		// Touched historical sessions are rewritten wholesale; they are
		// few and small.
		for i, sess := range g.history {
			blob, err := sess.Save()
			if err != nil {
				return err
			}
			if err = hist.Put(g.historyKeys[i], blob); err != nil {
				return err
			}
		}
		return nil
	})
	g.released = true
	g.history = nil
	g.historyKeys = nil
	g.archived = nil
	if err != nil {
		// The in-memory state may have advanced past what is on disk;
		// drop it so the next checkout reloads the durable state.
		g.h.session = nil
		g.h.loaded = false
		<-g.h.lock
		return unavailable(err)
	}
	<-g.h.lock
	return nil
}

// Release discards any in-memory mutation without persisting and releases
// the guard.  The next checkout reloads the durable state.
func (g *PairwiseGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.h.session = nil
	g.h.loaded = false
	g.history = nil
	g.historyKeys = nil
	g.archived = nil
	<-g.h.lock
}

type inboundRecord struct {
	Session      []byte
	HighWater    uint32
	HasDecrypted bool
}

// InboundGroupSession is the handle for one inbound group session,
// identified by room, sending device and session id.
type InboundGroupSession struct {
	store *Store
	key   string

	lock         chan struct{}
	session      *senderkey.InboundSession
	highWater    uint32
	hasDecrypted bool
	loaded       bool
}

// InboundGroup returns the handle for the given inbound group session.
func (s *Store) InboundGroup(roomID, senderUser, senderDevice, sessionID string) *InboundGroupSession {
	s.Lock()
	defer s.Unlock()

	k := inboundKey(roomID, senderUser, senderDevice, sessionID)
	if h, ok := s.inbound[k]; ok {
		return h
	}
	h := &InboundGroupSession{
		store: s,
		key:   k,
		lock:  make(chan struct{}, 1),
	}
	s.inbound[k] = h
	return h
}

// InboundGroupGuard is the exclusive guard over one inbound group session.
type InboundGroupGuard struct {
	h        *InboundGroupSession
	released bool
}

// Checkout acquires the exclusive guard for the session.
func (h *InboundGroupSession) Checkout(ctx context.Context) (*InboundGroupGuard, error) {
	if err := acquire(ctx, h.lock); err != nil {
		return nil, err
	}
	if !h.loaded {
		blob, err := h.store.get(inboundGroupBucket, h.key)
		if err != nil {
			<-h.lock
			return nil, err
		}
		if blob != nil {
			rec := new(inboundRecord)
			if err = cbor.Unmarshal(blob, rec); err != nil {
				<-h.lock
				return nil, err
			}
			sess, err := senderkey.LoadInboundSession(rec.Session)
			if err != nil {
				<-h.lock
				return nil, err
			}
			h.session = sess
			h.highWater = rec.HighWater
			h.hasDecrypted = rec.HasDecrypted
		}
		h.loaded = true
	}
	return &InboundGroupGuard{h: h}, nil
}

// Session returns the checked out session, or nil when none exists.
func (g *InboundGroupGuard) Session() *senderkey.InboundSession {
	return g.h.session
}

// Install makes sess the session for this handle's key.  The replay
// high water mark belongs to the key, not the installed session
// object, and survives reinstallation.
func (g *InboundGroupGuard) Install(sess *senderkey.InboundSession) {
	g.h.session = sess
}

// HighWater returns the highest successfully decrypted message index, and
// whether any message has been decrypted at all.
func (g *InboundGroupGuard) HighWater() (uint32, bool) {
	return g.h.highWater, g.h.hasDecrypted
}

// SetHighWater records the highest successfully decrypted message index.
// It is persisted atomically with the session state on Commit.
func (g *InboundGroupGuard) SetHighWater(index uint32) {
	g.h.highWater = index
	g.h.hasDecrypted = true
}

// Commit persists the session record write-through and releases the guard.
func (g *InboundGroupGuard) Commit() error {
	if g.released {
		return nil
	}
	g.released = true
	if g.h.session == nil {
		<-g.h.lock
		return nil
	}
	blob, err := g.h.session.Save()
	if err == nil {
		var rec []byte
		rec, err = cbor.Marshal(&inboundRecord{
			Session:      blob,
			HighWater:    g.h.highWater,
			HasDecrypted: g.h.hasDecrypted,
		})
		if err == nil {
			err = g.h.store.put(inboundGroupBucket, g.h.key, rec)
		}
	}
	if err != nil {
		g.h.session = nil
		g.h.loaded = false
		<-g.h.lock
		return err
	}
	<-g.h.lock
	return nil
}

// Release discards in-memory mutation without persisting and releases the
// guard.
func (g *InboundGroupGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.h.session = nil
	g.h.loaded = false
	<-g.h.lock
}

type outboundRecord struct {
	Session  []byte
	SharedTo []string
}

// OutboundGroupSession is the handle for a room's outbound group session.
type OutboundGroupSession struct {
	store  *Store
	roomID string

	lock     chan struct{}
	session  *senderkey.OutboundSession
	sharedTo map[string]bool
	loaded   bool
}

// OutboundGroup returns the handle for the given room's outbound session.
func (s *Store) OutboundGroup(roomID string) *OutboundGroupSession {
	s.Lock()
	defer s.Unlock()

	if h, ok := s.outbound[roomID]; ok {
		return h
	}
	h := &OutboundGroupSession{
		store:  s,
		roomID: roomID,
		lock:   make(chan struct{}, 1),
	}
	s.outbound[roomID] = h
	return h
}

// OutboundGroupGuard is the exclusive guard over one outbound group
// session.
type OutboundGroupGuard struct {
	h        *OutboundGroupSession
	released bool
}

// Checkout acquires the exclusive guard for the session.
func (h *OutboundGroupSession) Checkout(ctx context.Context) (*OutboundGroupGuard, error) {
	if err := acquire(ctx, h.lock); err != nil {
		return nil, err
	}
	if !h.loaded {
		blob, err := h.store.get(outboundGroupBucket, h.roomID)
		if err != nil {
			<-h.lock
			return nil, err
		}
		if blob != nil {
			rec := new(outboundRecord)
			if err = cbor.Unmarshal(blob, rec); err != nil {
				<-h.lock
				return nil, err
			}
			sess, err := senderkey.LoadOutboundSession(h.store.rand, rec.Session)
			if err != nil {
				<-h.lock
				return nil, err
			}
			h.session = sess
			h.sharedTo = make(map[string]bool)
			for _, d := range rec.SharedTo {
				h.sharedTo[d] = true
			}
		}
		h.loaded = true
	}
	return &OutboundGroupGuard{h: h}, nil
}

// Session returns the checked out session, or nil when none exists.
func (g *OutboundGroupGuard) Session() *senderkey.OutboundSession {
	return g.h.session
}

// Install replaces the room's outbound session, forgetting the share set
// of the previous session.  Once replaced the old session is never chosen
// for outbound encryption again.
func (g *OutboundGroupGuard) Install(sess *senderkey.OutboundSession) {
	if g.h.session != nil {
		g.h.session.Destroy()
	}
	g.h.session = sess
	g.h.sharedTo = make(map[string]bool)
}

// SharedTo reports whether the session key was already shared with the
// given device.
func (g *OutboundGroupGuard) SharedTo(user, device string) bool {
	return g.h.sharedTo[deviceKey(user, device)]
}

// SharedDevices returns the set of devices the session was shared with.
func (g *OutboundGroupGuard) SharedDevices() []string {
	out := make([]string, 0, len(g.h.sharedTo))
	for d := range g.h.sharedTo {
		out = append(out, d)
	}
	return out
}

// MarkShared records that the session key was shared with the device.
func (g *OutboundGroupGuard) MarkShared(user, device string) {
	g.h.sharedTo[deviceKey(user, device)] = true
}

// Commit persists the session record write-through and releases the guard.
func (g *OutboundGroupGuard) Commit() error {
	if g.released {
		return nil
	}
	g.released = true
	if g.h.session == nil {
		<-g.h.lock
		return nil
	}
	blob, err := g.h.session.Save()
	if err == nil {
		shared := make([]string, 0, len(g.h.sharedTo))
		for d := range g.h.sharedTo {
			shared = append(shared, d)
		}
		var rec []byte
		rec, err = cbor.Marshal(&outboundRecord{Session: blob, SharedTo: shared})
		if err == nil {
			err = g.h.store.put(outboundGroupBucket, g.h.roomID, rec)
		}
	}
	if err != nil {
		g.h.session = nil
		g.h.loaded = false
		<-g.h.lock
		return err
	}
	<-g.h.lock
	return nil
}

// Release discards in-memory mutation without persisting and releases the
// guard.
func (g *OutboundGroupGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.h.session = nil
	g.h.loaded = false
	<-g.h.lock
}

// ForEachInboundGroup iterates over all persisted inbound group session
// records.
func (s *Store) ForEachInboundGroup(fn func(roomID, senderUser, senderDevice, sessionID string, sessionBlob []byte) error) error {
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inboundGroupBucket)).ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "|", 4)
			if len(parts) != 4 {
				return fmt.Errorf("store: malformed inbound group key %q", k)
			}
			rec := new(inboundRecord)
			if err := cbor.Unmarshal(v, rec); err != nil {
				return err
			}
			return fn(parts[0], parts[1], parts[2], parts[3], rec.Session)
		})
	}); err != nil {
		return unavailable(err)
	}
	return nil
}

// PutDevice stores a device record blob.
func (s *Store) PutDevice(user, device string, blob []byte) error {
	return s.put(devicesBucket, deviceKey(user, device), blob)
}

// GetDevice retrieves a device record blob, or ErrNotFound.
func (s *Store) GetDevice(user, device string) ([]byte, error) {
	blob, err := s.get(devicesBucket, deviceKey(user, device))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return blob, nil
}

// ListDevices retrieves all device record blobs for a user.
func (s *Store) ListDevices(user string) ([][]byte, error) {
	prefix := []byte(user + "|")
	var out [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(devicesBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, append([]byte{}, v...))
		}
		return nil
	}); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// PutKeyRequest stores an outstanding key request record.
func (s *Store) PutKeyRequest(id string, blob []byte) error {
	return s.put(keyRequestsBucket, id, blob)
}

// DeleteKeyRequest removes a key request record.
func (s *Store) DeleteKeyRequest(id string) error {
	return s.delete(keyRequestsBucket, id)
}

// ListKeyRequests retrieves all outstanding key request records.
func (s *Store) ListKeyRequests() ([][]byte, error) {
	var out [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyRequestsBucket)).ForEach(func(k, v []byte) error {
			out = append(out, append([]byte{}, v...))
			return nil
		})
	}); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// DeleteLocal removes a local key material blob.
func (s *Store) DeleteLocal(name string) error {
	return s.delete(localBucket, name)
}

// PutLocal stores a local key material blob under name.
func (s *Store) PutLocal(name string, blob []byte) error {
	return s.put(localBucket, name, blob)
}

// GetLocal retrieves a local key material blob, or ErrNotFound.
func (s *Store) GetLocal(name string) ([]byte, error) {
	blob, err := s.get(localBucket, name)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return blob, nil
}

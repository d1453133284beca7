// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
)

// DecryptStatus classifies a decryption pipeline outcome.
type DecryptStatus uint8

const (
	// Plaintext means the event decrypted.
	Plaintext DecryptStatus = iota

	// Pending means the session key is missing; the event is buffered
	// and a key request was filed.
	Pending

	// Undecryptable means recovery was exhausted for this event.
	Undecryptable
)

func (s DecryptStatus) String() string {
	switch s {
	case Plaintext:
		return "plaintext"
	case Pending:
		return "pending"
	case Undecryptable:
		return "undecryptable"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// DecryptResult is the decryption pipeline's outcome for one event.  No
// placeholder plaintext is ever fabricated: Plaintext is nil unless
// Status is Plaintext.
type DecryptResult struct {
	Status    DecryptStatus
	Plaintext []byte
}

// Decrypt is the decryption pipeline.  An unknown session buffers the
// event, files a key request with the originating device and returns
// Pending.  In strict replay mode a message index at or below the
// session's persisted high-water mark is rejected and dropped: the
// event is already logged and discarded, and the returned
// ErrReplayRejected identifies the drop to the caller without
// requiring further handling.  No session state is lost; the pipeline
// keeps accepting fresh indices on the same session.
func (e *Engine) Decrypt(ctx context.Context, ev *EncryptedEvent) (*DecryptResult, error) {
	h := e.store.InboundGroup(ev.RoomID, ev.SenderUser, ev.SenderDevice, ev.SessionID)
	g, err := h.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	sess := g.Session()
	if sess == nil {
		g.Release()
		if err = e.recovery.filePending(ev); err != nil {
			return nil, err
		}
		return &DecryptResult{Status: Pending}, nil
	}

	index, plaintext, err := sess.Decrypt(ev.Ciphertext)
	if err != nil {
		g.Release()
		return nil, err
	}
	if hw, seen := g.HighWater(); seen && index <= hw && !e.cfg.Policy.PermissiveReplay {
		g.Release()
		e.log.Warningf("room %s: dropping replayed index %d (high water %d) from %s/%s",
			ev.RoomID, index, hw, ev.SenderUser, ev.SenderDevice)
		return nil, fmt.Errorf("%w: index %d, high water %d", ErrReplayRejected, index, hw)
	}
	if hw, seen := g.HighWater(); !seen || index > hw {
		g.SetHighWater(index)
	}
	if err = g.Commit(); err != nil {
		return nil, err
	}
	return &DecryptResult{Status: Plaintext, Plaintext: plaintext}, nil
}

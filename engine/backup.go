// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/aspacca/pantalaimon/core/utils"
	"github.com/aspacca/pantalaimon/senderkey"
)

const (
	backupVersion = 1

	backupKeySize   = 32
	backupSaltSize  = 16
	backupNonceSize = 24
)

var (
	// ErrIncompatibleBackupVersion is returned when an imported backup
	// container carries an unsupported version.  Nothing is imported.
	ErrIncompatibleBackupVersion = errors.New("engine: incompatible backup version")

	// ErrBackupAuthentication is returned when the backup fails to
	// authenticate, usually a wrong passphrase.
	ErrBackupAuthentication = errors.New("engine: backup authentication failed")
)

// backupContainer is the outer, unencrypted backup framing.  Version and
// salt must be readable before the passphrase is applied.
type backupContainer struct {
	Version uint16
	Salt    []byte
	Nonce   []byte
	Sealed  []byte
}

type backupEntry struct {
	SenderUser   string
	SenderDevice string
	Key          *senderkey.SharedKey
}

func backupKey(passphrase []byte, salt []byte) *[backupKeySize]byte {
	secret := argon2.Key(passphrase, salt, 3, 32*1024, 4, backupKeySize)
	key := &[backupKeySize]byte{}
	copy(key[:], secret)
	utils.ExplicitBzero(secret)
	return key
}

// ExportKeys exports every inbound group session into a versioned
// authenticated container sealed under the passphrase.  Replay high
// water marks are local state and are not exported.
func (e *Engine) ExportKeys(passphrase []byte) ([]byte, error) {
	var entries []*backupEntry
	err := e.store.ForEachInboundGroup(func(roomID, senderUser, senderDevice, sessionID string, blob []byte) error {
		sess, err := senderkey.LoadInboundSession(blob)
		if err != nil {
			return err
		}
		defer sess.Destroy()
		entries = append(entries, &backupEntry{
			SenderUser:   senderUser,
			SenderDevice: senderDevice,
			Key:          sess.Export(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	body, err := cbor.Marshal(entries)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(body)

	salt := make([]byte, backupSaltSize)
	if _, err = io.ReadFull(e.rand, salt); err != nil {
		return nil, err
	}
	nonce := &[backupNonceSize]byte{}
	if _, err = io.ReadFull(e.rand, nonce[:]); err != nil {
		return nil, err
	}
	key := backupKey(passphrase, salt)
	defer utils.ExplicitBzero(key[:])

	container := &backupContainer{
		Version: backupVersion,
		Salt:    salt,
		Nonce:   nonce[:],
		Sealed:  secretbox.Seal(nil, body, nonce, key),
	}
	e.log.Noticef("exported %d inbound group sessions", len(entries))
	return cbor.Marshal(container)
}

// ImportKeys imports a backup container previously produced by
// ExportKeys.  A version mismatch is a hard error and nothing is
// imported.  Sessions already known with equal or earlier first index
// are kept over the imported copy.
func (e *Engine) ImportKeys(ctx context.Context, blob, passphrase []byte) (int, error) {
	container := new(backupContainer)
	if err := cbor.Unmarshal(blob, container); err != nil {
		return 0, err
	}
	if container.Version != backupVersion {
		return 0, fmt.Errorf("%w: %d", ErrIncompatibleBackupVersion, container.Version)
	}
	if len(container.Nonce) != backupNonceSize {
		return 0, ErrBackupAuthentication
	}

	key := backupKey(passphrase, container.Salt)
	defer utils.ExplicitBzero(key[:])
	nonce := &[backupNonceSize]byte{}
	copy(nonce[:], container.Nonce)

	body, ok := secretbox.Open(nil, container.Sealed, nonce, key)
	if !ok {
		return 0, ErrBackupAuthentication
	}
	defer utils.ExplicitBzero(body)

	var entries []*backupEntry
	if err := cbor.Unmarshal(body, &entries); err != nil {
		return 0, err
	}

	imported := 0
	for _, entry := range entries {
		if entry.Key == nil {
			continue
		}
		if err := e.recovery.installShare(ctx, entry.SenderUser, entry.SenderDevice, entry.Key); err != nil {
			return imported, err
		}
		imported++
	}
	e.log.Noticef("imported %d inbound group sessions", imported)
	return imported, nil
}

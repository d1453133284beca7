// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratchet

import (
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize        = 32
	privateKeySize = 32
	publicKeySize  = 32
	sharedKeySize  = 32
	nonceSize      = 24

	// headerSize is the size, in bytes, of a header's plaintext contents.
	headerSize = 4 /* uint32 message count */ +
		4 /* uint32 previous message count */ +
		nonceSize /* nonce for message */ +
		publicKeySize /* ratchet public key */

	// sealedHeaderSize is the size, in bytes, of an encrypted header.
	sealedHeaderSize = nonceSize + headerSize + secretbox.Overhead

	// nonceInHeaderOffset is the offset of the message nonce in the
	// header's plaintext.
	nonceInHeaderOffset = 4 + 4

	// ratchetPublicInHeaderOffset is the offset of the sender's current
	// ratchet public key in the header's plaintext.
	ratchetPublicInHeaderOffset = nonceInHeaderOffset + nonceSize

	// MaxMissingMessages is the maximum number of missing messages that
	// we'll keep track of.
	MaxMissingMessages = 80

	// KeyMaxLifetime is the maximum lifetime of saved message keys for
	// messages which have not yet arrived.
	KeyMaxLifetime = time.Hour * 672

	// SessionOverhead is the number of bytes a session adds in
	// ciphertext overhead.
	SessionOverhead = sealedHeaderSize + secretbox.Overhead
)

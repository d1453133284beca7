// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package utils provides small helpers shared across the daemon.
package utils

import (
	"errors"
	"os"
)

// ExplicitBzero explicitly clears out the buffer b, by filling it with 0x00
// bytes.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CtIsZero returns true iff the buffer b only contains 0x00 bytes, in
// constant time for a given length of b.
func CtIsZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return sum == 0
}

// Exists returns true iff the file f exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

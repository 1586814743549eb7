// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package hash computes the BLAKE2b-256 content hashes used to address
// every block in an archive.
package hash

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of a hash produced by this package.
const Size = 32

// Hex renders a 32-byte hash as the lowercase 64-character string used
// throughout the archive's on-disk format.
func Hex(sum [Size]byte) string {
	return hex.EncodeToString(sum[:])
}

// Sum returns the hex-encoded BLAKE2b-256 hash of b.
func Sum(b []byte) string {
	sum := blake2b.Sum256(b)
	return Hex(sum)
}

// New returns a streaming BLAKE2b-256 hasher. Callers write to it and call
// Hex on the fixed-size Sum.
func New() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an over-long key, and we never pass one.
		panic(err)
	}
	return h
}

// SumReader hashes everything read from r without buffering its content.
func SumReader(r io.Reader) (string, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	var sum [Size]byte
	copy(sum[:], h.Sum(nil))
	return Hex(sum), nil
}

// Valid reports whether s has the syntactic shape of a hash produced by
// this package: exactly 64 lowercase hex characters.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps the archive's single streaming compression codec:
// zstd, at a fixed level chosen once per archive version. Encoders and
// decoders are pooled so repeated block-sized compressions don't pay
// allocation cost per call.
package compress

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Level is the zstd compression level used for archive version "0.6".
// This package has a single codec; Encode and Decode always use it.
const Level = zstd.SpeedDefault

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(Level))
			if err != nil {
				panic(fmt.Sprintf("compress: building zstd encoder: %v", err))
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("compress: building zstd decoder: %v", err))
			}
			return dec
		},
	}
)

// Encode compresses b using the archive's codec.
func Encode(b []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(b); err != nil {
		// In-memory writer; zstd.Encoder.Write only fails on a broken
		// underlying writer, which bytes.Buffer never is.
		panic(fmt.Sprintf("compress: encoding to memory buffer: %v", err))
	}
	if err := enc.Close(); err != nil {
		panic(fmt.Sprintf("compress: closing encoder: %v", err))
	}
	return buf.Bytes()
}

// Decode decompresses b, which must have been produced by Encode (or a
// compatible zstd encoder).
func Decode(b []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)

	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: decoding: %w", err)
	}
	return out, nil
}

// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package codec holds the value compression codecs selected by a onelink
// file's compression mode tag.
package codec

import (
	"fmt"

	"github.com/bpowers/onelink/internal/datafile"
)

// Codec compresses and decompresses stored value payloads.  Implementations
// must be safe for concurrent use.
type Codec interface {
	// Mode is the preamble compression tag this codec serves.
	Mode() datafile.CompressionMode
	// Encode appends the encoded form of src to dst.
	Encode(dst, src []byte) ([]byte, error)
	// Decode appends the decoded form of src to dst.
	Decode(dst, src []byte) ([]byte, error)
}

// For returns the built-in codec for mode.
func For(mode datafile.CompressionMode) (Codec, error) {
	switch mode {
	case datafile.CompressionNone:
		return None{}, nil
	case datafile.CompressionZstd:
		return defaultZstd, nil
	default:
		return nil, fmt.Errorf("%w: %d", datafile.ErrInvalidCompressionMode, uint8(mode))
	}
}

// None stores payloads verbatim.
type None struct{}

func (None) Mode() datafile.CompressionMode {
	return datafile.CompressionNone
}

func (None) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (None) Decode(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

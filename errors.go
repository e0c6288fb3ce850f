// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package onelink

import (
	"errors"

	"github.com/bpowers/onelink/internal/datafile"
	"github.com/bpowers/onelink/internal/partition"
)

// Structural errors abort Open entirely; none of them are retryable.
var (
	// ErrInvalidFormat means the magic bytes did not match: the file is not a
	// onelink database.
	ErrInvalidFormat = datafile.ErrInvalidFormat
	// ErrUnsupportedVersion is matched by *UnsupportedVersionError.
	ErrUnsupportedVersion     = datafile.ErrUnsupportedVersion
	ErrInvalidCompressionMode = datafile.ErrInvalidCompressionMode
	// ErrUnsupportedLayout is returned for valid files describing a layout
	// this build does not implement, such as plaintext or non-virtualized
	// bodies.
	ErrUnsupportedLayout = datafile.ErrUnsupportedLayout
	// ErrTruncatedHeader wraps the underlying short read.
	ErrTruncatedHeader = datafile.ErrTruncatedHeader
	ErrCorrupted       = datafile.ErrCorrupted
)

// Per-key errors leave the Database usable.
var (
	ErrKeyNotFound      = partition.ErrKeyNotFound
	ErrKeyAlreadyExists = partition.ErrKeyAlreadyExists
	ErrInvalidKey       = partition.ErrInvalidKey
	ErrValueTooLarge    = partition.ErrValueTooLarge
	ErrReadOnly         = partition.ErrReadOnly
)

var ErrClosed = errors.New("onelink: database is closed")

type (
	UnsupportedVersionError = datafile.UnsupportedVersionError
	KeyNotFoundError        = partition.KeyNotFoundError
	KeyAlreadyExistsError   = partition.KeyAlreadyExistsError
)

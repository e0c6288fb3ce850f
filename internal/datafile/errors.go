// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat means the bytes are not a onelink file at all (bad magic),
	// or describe a structurally impossible topology.
	ErrInvalidFormat = errors.New("not a onelink file or corrupted")
	// ErrUnsupportedVersion is matched by every *UnsupportedVersionError.
	ErrUnsupportedVersion     = errors.New("unsupported onelink version")
	ErrInvalidCompressionMode = errors.New("invalid compression mode")
	// ErrUnsupportedLayout is returned for structurally valid files this build
	// deliberately refuses to serve (plaintext or non-virtualized bodies).
	ErrUnsupportedLayout = errors.New("unsupported layout")
	ErrTruncatedHeader   = errors.New("truncated header")
	ErrCorrupted         = errors.New("data file corrupted")
)

// UnsupportedVersionError carries the version found on disk.
type UnsupportedVersionError struct {
	Version uint16
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("this version of the onelink library can only read v%d files; found v%d", CurrentVersion, e.Version)
}

func (e *UnsupportedVersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}

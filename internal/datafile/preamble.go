// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicLen = 16
	// PreambleSize is known without parsing anything: magic + version + mode + encryption.
	PreambleSize = MagicLen + 4

	// CurrentVersion is major*100+minor.
	CurrentVersion = 100

	versionOff     = MagicLen
	compressionOff = MagicLen + 2
	encryptionOff  = MagicLen + 3
)

// Magic is "Onelink 1.0.0", zero padded to MagicLen bytes.
var Magic = [MagicLen]byte{'O', 'n', 'e', 'l', 'i', 'n', 'k', ' ', '1', '.', '0', '.', '0'}

// CompressionMode tags how value payloads are compressed.
type CompressionMode uint8

const (
	CompressionNone CompressionMode = 0
	CompressionZstd CompressionMode = 1
)

func (m CompressionMode) Valid() bool {
	return m == CompressionNone || m == CompressionZstd
}

func (m CompressionMode) String() string {
	switch m {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CompressionMode(%d)", uint8(m))
	}
}

// Preamble is the fixed-size block at the start of every onelink file.
type Preamble struct {
	Version     uint16
	Compression CompressionMode
	// Encryption is a byte to leave room for cipher selection; today any
	// non-zero value means "encrypted body".
	Encryption uint8
}

// NewPreamble returns a current-version preamble for an encrypted body.
func NewPreamble(mode CompressionMode) Preamble {
	return Preamble{
		Version:     CurrentVersion,
		Compression: mode,
		Encryption:  1,
	}
}

func SupportedVersion(version uint16) bool {
	return version == CurrentVersion
}

func (p Preamble) IsEncrypted() bool {
	return p.Encryption != 0
}

func (p Preamble) ByteLen() int {
	return PreambleSize
}

func (p Preamble) MarshalTo(b []byte) error {
	if len(b) < PreambleSize {
		return fmt.Errorf("preamble buffer too short: %d < %d", len(b), PreambleSize)
	}
	copy(b[:MagicLen], Magic[:])
	binary.BigEndian.PutUint16(b[versionOff:versionOff+2], p.Version)
	b[compressionOff] = uint8(p.Compression)
	b[encryptionOff] = p.Encryption
	return nil
}

func (p Preamble) WriteTo(w io.Writer) (n int64, err error) {
	var buf [PreambleSize]byte
	if err = p.MarshalTo(buf[:]); err != nil {
		return 0, err
	}
	written, err := w.Write(buf[:])
	if err != nil {
		return int64(written), fmt.Errorf("write: %w", err)
	}
	return int64(written), nil
}

// UnmarshalBytes validates and decodes b, which must be exactly PreambleSize
// bytes.  The magic is checked before the length so that foreign files are
// always reported as ErrInvalidFormat.
func (p *Preamble) UnmarshalBytes(b []byte) error {
	prefix := b
	if len(prefix) > MagicLen {
		prefix = prefix[:MagicLen]
	}
	if !bytes.Equal(prefix, Magic[:len(prefix)]) {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, prefix)
	}
	if len(b) < PreambleSize {
		return fmt.Errorf("%w: preamble is %d bytes, want %d", ErrTruncatedHeader, len(b), PreambleSize)
	}
	if len(b) > PreambleSize {
		return fmt.Errorf("%w: preamble is %d bytes, want %d", ErrInvalidFormat, len(b), PreambleSize)
	}

	version := binary.BigEndian.Uint16(b[versionOff : versionOff+2])
	if !SupportedVersion(version) {
		return &UnsupportedVersionError{Version: version}
	}
	mode := CompressionMode(b[compressionOff])
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCompressionMode, uint8(mode))
	}

	p.Version = version
	p.Compression = mode
	p.Encryption = b[encryptionOff]
	return nil
}

func DecodePreamble(b []byte) (Preamble, error) {
	var p Preamble
	if err := p.UnmarshalBytes(b); err != nil {
		return Preamble{}, err
	}
	return p, nil
}

// ReadPreamble reads and decodes exactly one preamble from r.
func ReadPreamble(r io.Reader) (Preamble, error) {
	var buf [PreambleSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Preamble{}, fmt.Errorf("io.ReadFull: %w", err)
	}
	return DecodePreamble(buf[:n])
}

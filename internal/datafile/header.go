// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"fmt"
	"io"
	"runtime"
)

const (
	// HeaderBaseSize is the header length of an unpartitioned file:
	// partitioned flag + OS tag + 3 timestamps + virtualization flag.
	HeaderBaseSize = 1 + 1 + 3*16 + 1
	// HeaderMaxSize adds the partition index and count bytes.
	HeaderMaxSize = HeaderBaseSize + 2
)

// OS identifies the operating system that created a file.  Unrecognized
// tags are kept verbatim (so re-encoding is byte-exact) and report as
// OSUnknown through Normalize.
type OS uint8

const (
	OSLinux   OS = 0
	OSWindows OS = 1
	OSMac     OS = 2
	OSUnknown OS = 0xff
)

func (o OS) Normalize() OS {
	switch o {
	case OSLinux, OSWindows, OSMac:
		return o
	default:
		return OSUnknown
	}
}

func (o OS) String() string {
	switch o.Normalize() {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	case OSMac:
		return "mac"
	default:
		return "unknown"
	}
}

// HostOS is the tag for the OS this binary runs on.
func HostOS() OS {
	switch runtime.GOOS {
	case "linux":
		return OSLinux
	case "windows":
		return OSWindows
	case "darwin":
		return OSMac
	default:
		return OSUnknown
	}
}

// Header is the variable-size metadata block following the preamble.
type Header struct {
	Partitioned bool
	// PartitionIndex and Partitions are only meaningful (and only encoded)
	// when Partitioned is set.
	PartitionIndex uint8
	Partitions     uint8

	CreatedOn OS
	LastOpen  Uint128
	LastClose Uint128
	LastWrite Uint128

	// Virtualization must be set for partitioned files.
	Virtualization bool
}

// ByteLen depends on Partitioned, so it is only known after decoding.
func (h Header) ByteLen() int {
	if h.Partitioned {
		return HeaderMaxSize
	}
	return HeaderBaseSize
}

// Validate checks the cross-field constraints that DecodeHeader does not.
func (h Header) Validate() error {
	if !h.Partitioned {
		return nil
	}
	if !h.Virtualization {
		return fmt.Errorf("%w: partitioned file without virtualization", ErrUnsupportedLayout)
	}
	if h.Partitions == 0 {
		return fmt.Errorf("%w: partitioned file declares 0 partitions", ErrInvalidFormat)
	}
	if h.PartitionIndex >= h.Partitions {
		return fmt.Errorf("%w: partition index %d out of range [0, %d)", ErrInvalidFormat, h.PartitionIndex, h.Partitions)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (h Header) MarshalTo(b []byte) error {
	if len(b) < h.ByteLen() {
		return fmt.Errorf("header buffer too short: %d < %d", len(b), h.ByteLen())
	}
	off := 0
	b[off] = boolByte(h.Partitioned)
	off++
	if h.Partitioned {
		b[off] = h.PartitionIndex
		b[off+1] = h.Partitions
		off += 2
	}
	b[off] = uint8(h.CreatedOn)
	off++
	for _, ts := range [...]Uint128{h.LastOpen, h.LastClose, h.LastWrite} {
		ts.PutBytes(b[off : off+16])
		off += 16
	}
	b[off] = boolByte(h.Virtualization)
	return nil
}

func (h Header) WriteTo(w io.Writer) (n int64, err error) {
	var buf [HeaderMaxSize]byte
	if err = h.MarshalTo(buf[:]); err != nil {
		return 0, err
	}
	written, err := w.Write(buf[:h.ByteLen()])
	if err != nil {
		return int64(written), fmt.Errorf("write: %w", err)
	}
	return int64(written), nil
}

// UnmarshalBytes decodes a header from the front of b.  Trailing bytes are
// ignored; use ByteLen to learn how many were consumed.
func (h *Header) UnmarshalBytes(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("%w: %w", ErrTruncatedHeader, io.ErrUnexpectedEOF)
	}
	var out Header
	out.Partitioned = b[0] != 0
	if len(b) < out.ByteLen() {
		return fmt.Errorf("%w: have %d bytes, need %d: %w", ErrTruncatedHeader, len(b), out.ByteLen(), io.ErrUnexpectedEOF)
	}

	off := 1
	if out.Partitioned {
		out.PartitionIndex = b[off]
		out.Partitions = b[off+1]
		off += 2
	}
	out.CreatedOn = OS(b[off])
	off++
	out.LastOpen = Uint128FromBytes(b[off : off+16])
	out.LastClose = Uint128FromBytes(b[off+16 : off+32])
	out.LastWrite = Uint128FromBytes(b[off+32 : off+48])
	off += 48
	out.Virtualization = b[off] != 0

	*h = out
	return nil
}

func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if err := h.UnmarshalBytes(b); err != nil {
		return Header{}, err
	}
	return h, nil
}

// ReadHeader reads exactly one header from r: the partitioned flag first,
// then however many bytes that flag implies.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderMaxSize]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrTruncatedHeader, err)
	}
	n := HeaderBaseSize
	if buf[0] != 0 {
		n = HeaderMaxSize
	}
	if _, err := io.ReadFull(r, buf[1:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, fmt.Errorf("%w: %w", ErrTruncatedHeader, err)
	}
	return DecodeHeader(buf[:n])
}

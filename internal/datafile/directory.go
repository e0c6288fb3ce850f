// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dgryski/go-farm"
)

const (
	// BlockHeaderSize is the 128-bit length prefix of every value block.
	BlockHeaderSize = 16

	// DirectoryHeaderSize is the reserved capacity (u64) + entry count (u32).
	DirectoryHeaderSize = 8 + 4

	// DefaultDirectoryCapacity is the number of entry bytes reserved in a
	// freshly created partition.
	DefaultDirectoryCapacity = 4 * 1024

	MaxKeyLen = (1 << 16) - 1
	// MaxValueLen bounds a single stored payload; larger length prefixes are
	// treated as corruption rather than allocated.
	MaxValueLen = 1 << 32

	maxDirectoryCapacity = 1 << 32

	entryFixedSize = 2 + 1 + 8 + 8 + 8 + 4
)

// PutBlockHeader writes the length prefix for a payload of n bytes.
func PutBlockHeader(b []byte, n uint64) {
	Uint128{Lo: n}.PutBytes(b)
}

// Checksum is the integrity check recorded for a stored payload.
func Checksum(stored []byte) uint32 {
	return uint32(farm.Hash64(stored))
}

// BlockLen decodes a value block length prefix.
func BlockLen(b []byte) (uint64, error) {
	if len(b) < BlockHeaderSize {
		return 0, fmt.Errorf("%w: short block header (%d bytes)", ErrCorrupted, len(b))
	}
	u := Uint128FromBytes(b)
	if u.Hi != 0 || u.Lo > MaxValueLen {
		return 0, fmt.Errorf("%w: block length %x:%x out of range", ErrCorrupted, u.Hi, u.Lo)
	}
	return u.Lo, nil
}

// Entry is one key directory record.  Offset is relative to the start of the
// value region (the byte after the header); Index is the entry's ordinal in
// the directory.  Checksum covers the stored (encoded) payload.
type Entry struct {
	Name        string
	PartitionID uint8
	Offset      uint64
	Index       uint64
	Length      uint64
	Checksum    uint32
}

func (e *Entry) encodedLen() uint64 {
	return entryFixedSize + uint64(len(e.Name))
}

// Directory is the key catalog stored at the front of a partition's value
// region.  Capacity bytes are reserved for entries; value blocks begin at
// DirectoryHeaderSize+Capacity.
type Directory struct {
	Capacity uint64
	Entries  []Entry
}

// DataStart is the value-region-relative offset of the first value block.
func (d *Directory) DataStart() uint64 {
	return DirectoryHeaderSize + d.Capacity
}

// EntriesLen is the number of bytes the current entries need.
func (d *Directory) EntriesLen() uint64 {
	var n uint64
	for i := range d.Entries {
		n += d.Entries[i].encodedLen()
	}
	return n
}

// Find returns the index of the entry named name, or -1.
func (d *Directory) Find(name string) int {
	for i := range d.Entries {
		if d.Entries[i].Name == name {
			return i
		}
	}
	return -1
}

// Renumber makes every entry's Index match its position.
func (d *Directory) Renumber() {
	for i := range d.Entries {
		d.Entries[i].Index = uint64(i)
	}
}

// MarshalTo encodes the directory into b, which must be exactly
// DataStart() bytes long; unused capacity is zeroed.
func (d *Directory) MarshalTo(b []byte) error {
	if uint64(len(b)) != d.DataStart() {
		return fmt.Errorf("directory buffer is %d bytes, want %d", len(b), d.DataStart())
	}
	if need := d.EntriesLen(); need > d.Capacity {
		return fmt.Errorf("directory entries need %d bytes, capacity is %d", need, d.Capacity)
	}
	if uint64(len(d.Entries)) > 1<<32-1 {
		return fmt.Errorf("too many directory entries: %d", len(d.Entries))
	}

	binary.BigEndian.PutUint64(b[:8], d.Capacity)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(d.Entries)))
	off := DirectoryHeaderSize
	for i := range d.Entries {
		e := &d.Entries[i]
		if len(e.Name) > MaxKeyLen {
			return fmt.Errorf("key %q too long", e.Name)
		}
		binary.BigEndian.PutUint16(b[off:off+2], uint16(len(e.Name)))
		off += 2
		off += copy(b[off:], e.Name)
		b[off] = e.PartitionID
		off++
		binary.BigEndian.PutUint64(b[off:off+8], e.Offset)
		binary.BigEndian.PutUint64(b[off+8:off+16], e.Index)
		binary.BigEndian.PutUint64(b[off+16:off+24], e.Length)
		binary.BigEndian.PutUint32(b[off+24:off+28], e.Checksum)
		off += 28
	}
	clear(b[off:])
	return nil
}

func (d *Directory) WriteTo(w io.Writer) (n int64, err error) {
	buf := make([]byte, d.DataStart())
	if err = d.MarshalTo(buf); err != nil {
		return 0, err
	}
	written, err := w.Write(buf)
	if err != nil {
		return int64(written), fmt.Errorf("write: %w", err)
	}
	return int64(written), nil
}

// UnmarshalBytes decodes a directory from b, which holds at least the
// directory header and the reserved capacity.
func (d *Directory) UnmarshalBytes(b []byte) error {
	if len(b) < DirectoryHeaderSize {
		return fmt.Errorf("%w: short directory header (%d bytes)", ErrCorrupted, len(b))
	}
	capacity := binary.BigEndian.Uint64(b[:8])
	count := binary.BigEndian.Uint32(b[8:12])
	if capacity > uint64(len(b)-DirectoryHeaderSize) {
		return fmt.Errorf("%w: directory capacity %d exceeds %d available bytes", ErrCorrupted, capacity, len(b)-DirectoryHeaderSize)
	}
	body := b[DirectoryHeaderSize : DirectoryHeaderSize+capacity]

	// every entry needs at least entryFixedSize bytes, which bounds count
	// before we allocate for it
	if uint64(count)*entryFixedSize > capacity {
		return fmt.Errorf("%w: %d directory entries cannot fit in %d bytes", ErrCorrupted, count, capacity)
	}
	entries := make([]Entry, count)
	off := uint64(0)
	for i := range entries {
		if off+2 > capacity {
			return fmt.Errorf("%w: directory entry %d truncated", ErrCorrupted, i)
		}
		nameLen := uint64(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if off+nameLen+entryFixedSize-2 > capacity {
			return fmt.Errorf("%w: directory entry %d truncated", ErrCorrupted, i)
		}
		e := &entries[i]
		e.Name = string(body[off : off+nameLen])
		off += nameLen
		e.PartitionID = body[off]
		off++
		e.Offset = binary.BigEndian.Uint64(body[off : off+8])
		e.Index = binary.BigEndian.Uint64(body[off+8 : off+16])
		e.Length = binary.BigEndian.Uint64(body[off+16 : off+24])
		e.Checksum = binary.BigEndian.Uint32(body[off+24 : off+28])
		off += 28
	}

	d.Capacity = capacity
	d.Entries = entries
	return nil
}

// ReadDirectory reads the directory at the front of a value region that
// starts at byte start of r and spans size bytes.
func ReadDirectory(r io.ReaderAt, start, size int64) (*Directory, error) {
	if size < DirectoryHeaderSize {
		return nil, fmt.Errorf("%w: value region is %d bytes, need at least %d", ErrCorrupted, size, DirectoryHeaderSize)
	}
	var hdr [DirectoryHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], start); err != nil {
		return nil, fmt.Errorf("ReadAt(%d): %w", start, err)
	}
	capacity := binary.BigEndian.Uint64(hdr[:8])
	if capacity > maxDirectoryCapacity || int64(capacity) > size-DirectoryHeaderSize {
		return nil, fmt.Errorf("%w: directory capacity %d exceeds value region of %d bytes", ErrCorrupted, capacity, size)
	}

	buf := make([]byte, DirectoryHeaderSize+capacity)
	copy(buf, hdr[:])
	if capacity > 0 {
		if _, err := r.ReadAt(buf[DirectoryHeaderSize:], start+DirectoryHeaderSize); err != nil {
			return nil, fmt.Errorf("ReadAt(%d, len: %d): %w", start+DirectoryHeaderSize, capacity, err)
		}
	}

	d := new(Directory)
	if err := d.UnmarshalBytes(buf); err != nil {
		return nil, err
	}
	return d, nil
}

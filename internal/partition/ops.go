// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package partition

import (
	"fmt"
	"slices"

	"github.com/bpowers/onelink/internal/datafile"
)

const shiftBufferSize = 64 * 1024

func validKey(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty key not supported", ErrInvalidKey)
	}
	if len(name) > datafile.MaxKeyLen {
		return fmt.Errorf("%w: key of %d bytes is longer than %d", ErrInvalidKey, len(name), datafile.MaxKeyLen)
	}
	return nil
}

func (p *Partition) writable() error {
	if err := p.Init(); err != nil {
		return err
	}
	if p.opts.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// directory re-reads the key directory, along with the current file size.
func (p *Partition) directory() (*datafile.Directory, int64, error) {
	fi, err := p.f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("partition %d: f.Stat: %w", p.id, err)
	}
	size := fi.Size()
	d, err := datafile.ReadDirectory(p.f, p.start, size-p.start)
	if err != nil {
		return nil, 0, fmt.Errorf("partition %d: %w", p.id, err)
	}
	return d, size, nil
}

func (p *Partition) location(e *datafile.Entry) Location {
	return Location{PartitionID: p.id, Offset: e.Offset, Index: e.Index}
}

func (p *Partition) key(e *datafile.Entry) Key {
	return Key{Name: e.Name, Location: p.location(e), Length: e.Length}
}

// read materializes the value block e points at.
func (p *Partition) read(d *datafile.Directory, size int64, e *datafile.Entry) (Item, error) {
	if e.PartitionID != p.id {
		return Item{}, fmt.Errorf("%w: entry %q claims partition %d, found in %d", datafile.ErrCorrupted, e.Name, e.PartitionID, p.id)
	}
	if e.Offset < d.DataStart() {
		return Item{}, fmt.Errorf("%w: entry %q offset %d points into the directory", datafile.ErrCorrupted, e.Name, e.Offset)
	}
	if e.Offset > uint64(size) {
		return Item{}, fmt.Errorf("%w: entry %q offset %d beyond bounds (%d)", datafile.ErrCorrupted, e.Name, e.Offset, size)
	}
	off := p.start + int64(e.Offset)
	if off+datafile.BlockHeaderSize > size {
		return Item{}, fmt.Errorf("%w: entry %q offset %d beyond bounds (%d)", datafile.ErrCorrupted, e.Name, off, size)
	}

	var header [datafile.BlockHeaderSize]byte
	if _, err := p.f.ReadAt(header[:], off); err != nil {
		return Item{}, fmt.Errorf("f.ReadAt(%d): %w", off, err)
	}
	n, err := datafile.BlockLen(header[:])
	if err != nil {
		return Item{}, fmt.Errorf("entry %q: %w", e.Name, err)
	}
	if n != e.Length {
		return Item{}, fmt.Errorf("%w: entry %q length prefix %d != directory length %d", datafile.ErrCorrupted, e.Name, n, e.Length)
	}
	if off+datafile.BlockHeaderSize+int64(n) > size {
		return Item{}, fmt.Errorf("%w: entry %q off %d + len %d beyond bounds (%d)", datafile.ErrCorrupted, e.Name, off, n, size)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := p.f.ReadAt(payload, off+datafile.BlockHeaderSize); err != nil {
			return Item{}, fmt.Errorf("f.ReadAt(%d, len: %d): %w", off+datafile.BlockHeaderSize, n, err)
		}
	}
	if sum := datafile.Checksum(payload); sum != e.Checksum {
		return Item{}, fmt.Errorf("%w: entry %q checksum %08x != %08x", datafile.ErrCorrupted, e.Name, sum, e.Checksum)
	}
	data, err := p.codec.Decode(make([]byte, 0, n), payload)
	if err != nil {
		return Item{}, fmt.Errorf("entry %q: %w", e.Name, err)
	}

	return Item{
		Key:      e.Name,
		Location: p.location(e),
		Length:   n,
		Data:     data,
	}, nil
}

func (p *Partition) Get(name string) (Item, error) {
	if err := p.Init(); err != nil {
		return Item{}, err
	}
	d, size, err := p.directory()
	if err != nil {
		return Item{}, err
	}
	i := d.Find(name)
	if i < 0 {
		return Item{}, &KeyNotFoundError{Name: name}
	}
	return p.read(d, size, &d.Entries[i])
}

// GetAt reads name through a previously returned location: first by offset,
// then by directory index.  A location that no longer matches either way is
// reported as not found.
func (p *Partition) GetAt(name string, loc Location) (Item, error) {
	if err := p.Init(); err != nil {
		return Item{}, err
	}
	if loc.PartitionID != p.id {
		return Item{}, &KeyNotFoundError{Name: name}
	}
	d, size, err := p.directory()
	if err != nil {
		return Item{}, err
	}
	for i := range d.Entries {
		if e := &d.Entries[i]; e.Offset == loc.Offset && e.Name == name {
			return p.read(d, size, e)
		}
	}
	if loc.Index < uint64(len(d.Entries)) {
		if e := &d.Entries[loc.Index]; e.Name == name {
			return p.read(d, size, e)
		}
	}
	return Item{}, &KeyNotFoundError{Name: name}
}

func (p *Partition) Contains(name string) (bool, error) {
	if err := p.Init(); err != nil {
		return false, err
	}
	d, _, err := p.directory()
	if err != nil {
		return false, err
	}
	return d.Find(name) >= 0, nil
}

// Set creates or overwrites name.  The value is rewritten in place when its
// stored form fits the existing block, otherwise appended.
func (p *Partition) Set(name string, value []byte) (Key, error) {
	return p.put(name, value, false)
}

// Add is Set, but fails with *KeyAlreadyExistsError if name is present.
func (p *Partition) Add(name string, value []byte) (Key, error) {
	return p.put(name, value, true)
}

func (p *Partition) put(name string, value []byte, create bool) (Key, error) {
	if err := validKey(name); err != nil {
		return Key{}, err
	}
	if err := p.writable(); err != nil {
		return Key{}, err
	}
	d, size, err := p.directory()
	if err != nil {
		return Key{}, err
	}
	i := d.Find(name)
	if i >= 0 && create {
		return Key{}, &KeyAlreadyExistsError{Name: name}
	}

	stored, err := p.codec.Encode(nil, value)
	if err != nil {
		return Key{}, fmt.Errorf("codec.Encode: %w", err)
	}
	n := uint64(len(stored))
	sum := datafile.Checksum(stored)
	if n > datafile.MaxValueLen {
		return Key{}, fmt.Errorf("%w: %d bytes stored, max %d", ErrValueTooLarge, n, uint64(datafile.MaxValueLen))
	}

	if i >= 0 && n <= d.Entries[i].Length {
		e := &d.Entries[i]
		if err := p.writeBlock(e.Offset, stored); err != nil {
			return Key{}, err
		}
		e.Length = n
		e.Checksum = sum
	} else {
		off := uint64(size - p.start)
		if err := p.writeBlock(off, stored); err != nil {
			return Key{}, err
		}
		if i >= 0 {
			d.Entries[i].Offset = off
			d.Entries[i].Length = n
			d.Entries[i].Checksum = sum
		} else {
			d.Entries = append(d.Entries, datafile.Entry{
				Name:        name,
				PartitionID: p.id,
				Offset:      off,
				Length:      n,
				Checksum:    sum,
			})
			i = len(d.Entries) - 1
		}
	}

	if err := p.commit(d); err != nil {
		return Key{}, err
	}
	return p.key(&d.Entries[i]), nil
}

// Remove drops name from the directory.  The value block is left in place
// as reclaimable space.
func (p *Partition) Remove(name string) (bool, error) {
	if err := p.writable(); err != nil {
		return false, err
	}
	d, _, err := p.directory()
	if err != nil {
		return false, err
	}
	i := d.Find(name)
	if i < 0 {
		return false, &KeyNotFoundError{Name: name}
	}
	d.Entries = slices.Delete(d.Entries, i, i+1)
	if err := p.commit(d); err != nil {
		return false, err
	}
	return true, nil
}

// FetchKeys returns the key directory in on-disk order.
func (p *Partition) FetchKeys() ([]Key, error) {
	if err := p.Init(); err != nil {
		return nil, err
	}
	d, _, err := p.directory()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(d.Entries))
	for i := range d.Entries {
		keys[i] = p.key(&d.Entries[i])
	}
	return keys, nil
}

func (p *Partition) writeBlock(off uint64, stored []byte) error {
	buf := make([]byte, datafile.BlockHeaderSize+len(stored))
	datafile.PutBlockHeader(buf, uint64(len(stored)))
	copy(buf[datafile.BlockHeaderSize:], stored)
	pos := p.start + int64(off)
	if _, err := p.f.WriteAt(buf, pos); err != nil {
		return fmt.Errorf("f.WriteAt(%d, len: %d): %w", pos, len(buf), err)
	}
	return nil
}

// commit renumbers and writes d back, growing its reserved capacity first if
// needed, then stamps the header's last write time.
func (p *Partition) commit(d *datafile.Directory) error {
	d.Renumber()
	if need := d.EntriesLen(); need > d.Capacity {
		if err := p.grow(d, need); err != nil {
			return err
		}
	}

	buf := make([]byte, d.DataStart())
	if err := d.MarshalTo(buf); err != nil {
		return fmt.Errorf("directory.MarshalTo: %w", err)
	}
	if _, err := p.f.WriteAt(buf, p.start); err != nil {
		return fmt.Errorf("f.WriteAt(%d): %w", p.start, err)
	}

	h := p.header
	h.LastWrite = h.LastWrite.Max(datafile.Timestamp(p.opts.Now()))
	if err := datafile.StampHeader(p.f, h); err != nil {
		return err
	}
	p.header = h

	if p.opts.SyncWrites {
		if err := p.f.Sync(); err != nil {
			return fmt.Errorf("f.Sync: %w", err)
		}
	}
	return nil
}

// grow doubles the directory capacity until need fits, shifting every value
// block toward the end of the file and adjusting offsets to match.
func (p *Partition) grow(d *datafile.Directory, need uint64) error {
	newCap := max(d.Capacity, datafile.DefaultDirectoryCapacity)
	for newCap < need {
		newCap *= 2
	}
	delta := int64(newCap - d.Capacity)

	fi, err := p.f.Stat()
	if err != nil {
		return fmt.Errorf("f.Stat: %w", err)
	}
	from := p.start + int64(d.DataStart())
	if err := shiftTail(p.f, from, fi.Size(), delta); err != nil {
		return fmt.Errorf("shiftTail: %w", err)
	}
	for i := range d.Entries {
		d.Entries[i].Offset += uint64(delta)
	}

	p.logger.Debug("directory grown",
		"old_capacity", d.Capacity,
		"new_capacity", newCap,
		"entries", len(d.Entries),
	)
	d.Capacity = newCap
	return nil
}

type readerWriterAt interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// shiftTail moves bytes [from, end) forward by delta, copying from the back
// so nothing is overwritten before it is read.
func shiftTail(f readerWriterAt, from, end, delta int64) error {
	buf := make([]byte, shiftBufferSize)
	for pos := end; pos > from; {
		n := min(int64(len(buf)), pos-from)
		pos -= n
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return fmt.Errorf("ReadAt(%d, len: %d): %w", pos, n, err)
		}
		if _, err := f.WriteAt(chunk, pos+delta); err != nil {
			return fmt.Errorf("WriteAt(%d, len: %d): %w", pos+delta, n, err)
		}
	}
	return nil
}

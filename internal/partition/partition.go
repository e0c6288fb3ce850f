// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package partition implements one physical onelink data file: its embedded
// preamble and header, the key directory at the front of its value region,
// and the value blocks that follow.
//
// A partition's value region looks like:
//
//	┌──────────────────────────────┐
//	│ directory capacity (u64)     │
//	│ entry count (u32)            │
//	├──────────────────────────────┤
//	│ directory entries            │
//	│ zero padding up to capacity  │
//	├──────────────────────────────┤
//	│ value blocks                 │
//	│  u128 length + payload       │
//	│  ...                         │
//	└──────────────────────────────┘
//
// Directory offsets are relative to the start of the value region.  The
// directory is re-read from disk by every operation; nothing is cached
// between calls.
//
// A Partition has no internal lock.  Calls against the same Partition must be
// serialized by the caller; distinct Partitions are independent.
package partition

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bpowers/onelink/codec"
	"github.com/bpowers/onelink/internal/datafile"
)

// Location addresses a value: the owning partition, the byte offset of its
// block in the value region, and its ordinal in the key directory.  The
// index survives offset changes; the offset is the fast path.
type Location struct {
	PartitionID uint8
	Offset      uint64
	Index       uint64
}

// Key is one key directory entry.  Length is the stored payload length.
type Key struct {
	Name     string
	Location Location
	Length   uint64
}

// Item is a materialized value.  Data is owned by the caller.
type Item struct {
	Key      string
	Location Location
	Length   uint64
	Data     []byte
}

type Options struct {
	ReadOnly   bool
	SyncWrites bool
	// Codecs overrides the built-in codec for a compression mode.
	Codecs map[datafile.CompressionMode]codec.Codec
	Logger *slog.Logger
	// Now is the clock used for header timestamps.
	Now func() time.Time
	// Topology, if set, is the layout the file's header must declare.
	Topology *Topology
}

// Topology is a database's partition layout as declared by its top-level
// header.
type Topology struct {
	Partitioned bool
	Partitions  uint8
}

// TopologyOf returns the layout h declares.
func TopologyOf(h datafile.Header) Topology {
	if !h.Partitioned {
		return Topology{}
	}
	return Topology{Partitioned: true, Partitions: h.Partitions}
}

type state uint8

const (
	stateUninitialized state = iota
	stateInitialized
	stateClosed
)

type Partition struct {
	id     uint8
	path   string
	opts   Options
	logger *slog.Logger

	state state

	// the following are only valid in stateInitialized
	f        *os.File
	preamble datafile.Preamble
	header   datafile.Header
	start    int64
	codec    codec.Codec
}

// New returns an uninitialized descriptor.  No I/O happens until the first
// operation (or an explicit Init).
func New(id uint8, path string, opts Options) *Partition {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Partition{
		id:     id,
		path:   path,
		opts:   opts,
		logger: opts.Logger.With("partition", id),
	}
}

func (p *Partition) ID() uint8 {
	return p.id
}

func (p *Partition) Path() string {
	return p.path
}

func (p *Partition) Initialized() bool {
	return p.state == stateInitialized
}

// Init opens the partition file and parses its preamble and header.  It is a
// no-op once the partition is initialized.  On error no handle is retained.
func (p *Partition) Init() error {
	switch p.state {
	case stateInitialized:
		return nil
	case stateClosed:
		return ErrClosed
	}

	flag := os.O_RDWR
	if p.opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(p.path, flag, 0)
	if err != nil {
		return fmt.Errorf("os.OpenFile(%s): %w", p.path, err)
	}
	if err := p.load(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("partition %d (%s): %w", p.id, p.path, err)
	}
	return nil
}

func (p *Partition) load(f *os.File) error {
	r := bufio.NewReaderSize(f, datafile.PreambleSize+datafile.HeaderMaxSize)
	preamble, err := datafile.ReadPreamble(r)
	if err != nil {
		return fmt.Errorf("ReadPreamble: %w", err)
	}
	header, err := datafile.ReadHeader(r)
	if err != nil {
		return fmt.Errorf("ReadHeader: %w", err)
	}
	if err := header.Validate(); err != nil {
		return err
	}
	if !header.Virtualization {
		return fmt.Errorf("%w: non-virtualized partitions are not supported", datafile.ErrUnsupportedLayout)
	}
	if !preamble.IsEncrypted() {
		return fmt.Errorf("%w: plaintext partitions are not supported", datafile.ErrUnsupportedLayout)
	}
	if header.Partitioned && header.PartitionIndex != p.id {
		return fmt.Errorf("%w: file declares partition %d", datafile.ErrInvalidFormat, header.PartitionIndex)
	}
	if want := p.opts.Topology; want != nil {
		if got := TopologyOf(header); got != *want {
			return fmt.Errorf("%w: file declares %+v, database declares %+v", datafile.ErrInvalidFormat, got, *want)
		}
	}

	c, ok := p.opts.Codecs[preamble.Compression]
	if !ok {
		if c, err = codec.For(preamble.Compression); err != nil {
			return err
		}
	}

	if err := adviseRandom(f); err != nil {
		p.logger.Debug("fadvise failed", "path", p.path, "error", err)
	}

	p.f = f
	p.preamble = preamble
	p.header = header
	p.codec = c
	p.start = int64(preamble.ByteLen() + header.ByteLen())
	p.state = stateInitialized

	p.logger.Debug("partition initialized",
		"path", p.path,
		"start", p.start,
		"compression", preamble.Compression,
	)
	return nil
}

// Start is the byte offset of the value region.
func (p *Partition) Start() (int64, error) {
	if err := p.Init(); err != nil {
		return 0, err
	}
	return p.start, nil
}

func (p *Partition) Preamble() (datafile.Preamble, error) {
	if err := p.Init(); err != nil {
		return datafile.Preamble{}, err
	}
	return p.preamble, nil
}

func (p *Partition) Header() (datafile.Header, error) {
	if err := p.Init(); err != nil {
		return datafile.Header{}, err
	}
	return p.header, nil
}

// Close releases the file handle.  The partition cannot be used afterwards.
func (p *Partition) Close() error {
	prev := p.state
	p.state = stateClosed
	if prev != stateInitialized {
		return nil
	}
	f := p.f
	p.f = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("partition %d: f.Close: %w", p.id, err)
	}
	return nil
}

// Create lays out a new, empty partition file at path.  It fails if the file
// already exists.
func Create(path string, preamble datafile.Preamble, header datafile.Header) (err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	w, err := datafile.NewWriter(f, preamble, header)
	if err != nil {
		return fmt.Errorf("datafile.NewWriter: %w", err)
	}
	if err = w.WriteDirectory(datafile.DefaultDirectoryCapacity); err != nil {
		return err
	}
	if err = w.Finish(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}
	return f.Close()
}

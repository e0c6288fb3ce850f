// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package onelink is an embedded key-value store persisting named byte
// strings in one or more partition files.
//
// A database is a small top-level file (preamble and header) plus one
// partition file per declared partition, each carrying its own copy of the
// preamble and header followed by a key directory and value blocks.
// Partition files are derived from the top-level path: "dir/users.onelink"
// with 3 partitions uses "dir/users-0.bin" through "dir/users-2.bin".
//
// Opening a database reads only the top-level file.  Each partition is opened
// and parsed the first time an operation touches it.
//
// A Database is safe for concurrent use, but only one process may write a
// given database at a time.
package onelink

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bpowers/onelink/internal/datafile"
	"github.com/bpowers/onelink/internal/partition"
	"github.com/bpowers/onelink/internal/virtual"
)

type (
	Preamble        = datafile.Preamble
	Header          = datafile.Header
	CompressionMode = datafile.CompressionMode
	OS              = datafile.OS

	// VirtualLocation addresses a value by partition, byte offset and
	// directory ordinal.
	VirtualLocation = partition.Location
	// VirtualKey is one key directory entry.
	VirtualKey = partition.Key
	// VirtualItem is a key's decoded value and where it was found.
	VirtualItem = partition.Item
)

const (
	CompressionNone = datafile.CompressionNone
	CompressionZstd = datafile.CompressionZstd
)

const (
	OSLinux   = datafile.OSLinux
	OSWindows = datafile.OSWindows
	OSMac     = datafile.OSMac
	OSUnknown = datafile.OSUnknown
)

// Mode selects the engine behind a Database.  Only ModeVirtual is
// implemented; files describing a single resident body fail to open with
// ErrUnsupportedLayout.
type Mode uint8

const (
	ModeSingle Mode = iota
	ModeVirtual
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

type Database struct {
	mu sync.Mutex

	name   string
	path   string
	opts   *options
	logger *slog.Logger

	f        *os.File
	preamble datafile.Preamble
	header   datafile.Header
	mode     Mode
	vdb      *virtual.Database
	cache    *directoryCache

	closed bool
}

// Open opens the database whose top-level file is at path.  No partition
// file is read until an operation needs it.
func Open(path string, opts ...Option) (*Database, error) {
	return open(path, newOptions(opts))
}

func open(path string, o *options) (*Database, error) {
	flag := os.O_RDWR
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	db, err := load(f, path, o)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return db, nil
}

func load(f *os.File, path string, o *options) (*Database, error) {
	r := bufio.NewReaderSize(f, datafile.PreambleSize+datafile.HeaderMaxSize)
	preamble, err := datafile.ReadPreamble(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !preamble.IsEncrypted() {
		return nil, fmt.Errorf("%s: %w: plaintext body", path, ErrUnsupportedLayout)
	}
	header, err := datafile.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := header.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !header.Virtualization {
		return nil, fmt.Errorf("%s: %w: single-body databases are not supported", path, ErrUnsupportedLayout)
	}

	name := o.name
	if name == "" {
		name = path
	}
	logger := o.logger.With("db", name)

	vdb, err := virtual.New(path, header, virtual.Options{
		Partition: partition.Options{
			ReadOnly:   o.readOnly,
			SyncWrites: o.syncWrites,
			Codecs:     o.codecs,
			Logger:     logger,
			Now:        o.now,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("virtual.New: %w", err)
	}

	db := &Database{
		name:     name,
		path:     path,
		opts:     o,
		logger:   logger,
		f:        f,
		preamble: preamble,
		header:   header,
		mode:     ModeVirtual,
		vdb:      vdb,
	}
	if o.directoryCache {
		db.cache = newDirectoryCache()
	}

	if !o.readOnly {
		db.header.LastOpen = db.header.LastOpen.Max(datafile.Timestamp(o.now()))
		if err := datafile.StampHeader(f, db.header); err != nil {
			return nil, fmt.Errorf("stamping last open: %w", err)
		}
	}

	logger.Info("opened database",
		"path", path,
		"mode", db.mode,
		"partitions", vdb.Len(),
		"compression", preamble.Compression,
		"read_only", o.readOnly)
	return db, nil
}

// Create lays out a new, empty database at path and opens it.  It fails if
// the top-level file or any partition file already exists.
func Create(path string, opts ...Option) (_ *Database, err error) {
	o := newOptions(opts)
	if o.partitions == 0 {
		return nil, fmt.Errorf("onelink.Create: %w: 0 partitions", ErrInvalidFormat)
	}
	if !o.compression.Valid() {
		return nil, fmt.Errorf("onelink.Create: %w: %d", ErrInvalidCompressionMode, uint8(o.compression))
	}

	preamble := datafile.NewPreamble(o.compression)
	header := datafile.Header{
		CreatedOn:      o.createdOn,
		Virtualization: true,
	}
	if o.partitions > 1 {
		header.Partitioned = true
		header.Partitions = o.partitions
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	var created []string
	defer func() {
		if err != nil {
			_ = f.Close()
			for _, p := range created {
				_ = os.Remove(p)
			}
			_ = os.Remove(path)
		}
	}()

	w, err := datafile.NewWriter(f, preamble, header)
	if err != nil {
		return nil, fmt.Errorf("datafile.NewWriter: %w", err)
	}
	if err = w.Finish(); err != nil {
		return nil, err
	}

	for i := 0; i < virtual.PartitionCount(header); i++ {
		id := uint8(i)
		ph := header
		if ph.Partitioned {
			ph.PartitionIndex = id
		}
		pp := virtual.PartitionPath(path, id)
		if err = partition.Create(pp, preamble, ph); err != nil {
			return nil, fmt.Errorf("partition.Create(%d): %w", id, err)
		}
		created = append(created, pp)
	}

	// the top-level LastWrite records when the layout was completed
	header.LastWrite = datafile.Timestamp(o.now())
	if err = w.UpdateHeader(header); err != nil {
		return nil, fmt.Errorf("w.UpdateHeader: %w", err)
	}
	if err = f.Sync(); err != nil {
		return nil, fmt.Errorf("f.Sync: %w", err)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("f.Close: %w", err)
	}

	o.logger.Info("created database",
		"path", path,
		"header_bytes", w.Len(),
		"partitions", virtual.PartitionCount(header),
		"compression", preamble.Compression)

	return open(path, o)
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Path() string {
	return db.path
}

func (db *Database) Mode() Mode {
	return db.mode
}

// Preamble returns the top-level file's preamble.
func (db *Database) Preamble() Preamble {
	return db.preamble
}

// Header returns the top-level file's header, including the LastOpen stamp
// written by Open.
func (db *Database) Header() Header {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.header
}

// Partitions is the number of partition files backing the database.
func (db *Database) Partitions() int {
	return db.vdb.Len()
}

// Get returns the value stored under name.  A missing key is reported as a
// *KeyNotFoundError.
func (db *Database) Get(name string) (VirtualItem, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return VirtualItem{}, ErrClosed
	}

	if loc, ok := db.cache.get(name); ok {
		item, err := db.vdb.GetAt(name, loc)
		if err == nil {
			db.cache.set(name, item.Location)
			return item, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return VirtualItem{}, err
		}
		db.logger.Warn("stale directory cache entry", "key", name, "partition", loc.PartitionID)
		db.cache.invalidate(name)
	}

	item, err := db.vdb.Get(name)
	if err != nil {
		return VirtualItem{}, err
	}
	db.cache.set(name, item.Location)
	return item, nil
}

// New stores a new key.  It fails with a *KeyAlreadyExistsError if any
// partition already holds name.
func (db *Database) New(name string, value []byte) (VirtualKey, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return VirtualKey{}, ErrClosed
	}

	db.cache.invalidate(name)
	k, err := db.vdb.Add(name, value)
	if err != nil {
		return VirtualKey{}, err
	}
	db.cache.set(name, k.Location)
	return k, nil
}

// Update stores value under name, creating the key if needed.
func (db *Database) Update(name string, value []byte) (VirtualKey, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return VirtualKey{}, ErrClosed
	}

	db.cache.invalidate(name)
	k, err := db.vdb.Set(name, value)
	if err != nil {
		return VirtualKey{}, err
	}
	db.cache.set(name, k.Location)
	return k, nil
}

// Remove deletes name.  A missing key is reported as a *KeyNotFoundError.
func (db *Database) Remove(name string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, ErrClosed
	}

	db.cache.invalidate(name)
	return db.vdb.Remove(name)
}

// Keys lists every key, grouped by partition in partition order.
func (db *Database) Keys() ([]VirtualKey, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.vdb.Keys()
}

// Close stamps the top-level header's LastClose (unless read-only) and
// releases every open file.  Closing twice is a no-op.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if !db.opts.readOnly {
		db.header.LastClose = db.header.LastClose.Max(datafile.Timestamp(db.opts.now()))
		if err := datafile.StampHeader(db.f, db.header); err != nil {
			errs = append(errs, fmt.Errorf("stamping last close: %w", err))
		}
	}
	if err := db.vdb.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("f.Close: %w", err))
	}
	db.f = nil

	db.logger.Info("closed database", "path", db.path)
	return errors.Join(errs...)
}

// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package virtual composes partitions into one logical key-value store.
//
// Keys are unique across the whole database.  A key's owning partition is
// found by scanning every partition's directory (concurrently, since each
// partition has its own handle); new keys are placed by a fingerprint of
// their name so that any process picks the same partition.
//
// Database holds no lock.  Callers must not run operations concurrently.
package virtual

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dgryski/go-farm"
	"golang.org/x/sync/errgroup"

	"github.com/bpowers/onelink/internal/datafile"
	"github.com/bpowers/onelink/internal/partition"
	"github.com/bpowers/onelink/internal/unsafestring"
)

const partitionSuffix = ".bin"

type Options struct {
	Partition partition.Options
	Logger    *slog.Logger
}

type Database struct {
	base   string
	parts  []*partition.Partition
	logger *slog.Logger
}

// PartitionPath derives the file for partition id from the top-level path:
// "dir/name.onelink" becomes "dir/name-{id}.bin".
func PartitionPath(base string, id uint8) string {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s-%d%s", stem, id, partitionSuffix)
}

// PartitionCount is the number of partition files a header describes.
func PartitionCount(h datafile.Header) int {
	if h.Partitioned {
		return int(h.Partitions)
	}
	return 1
}

// New builds one uninitialized descriptor per partition; it does no I/O.
func New(base string, h datafile.Header, opts Options) (*Database, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if !h.Virtualization {
		return nil, fmt.Errorf("%w: non-virtualized databases are not supported", datafile.ErrUnsupportedLayout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Partition.Logger == nil {
		opts.Partition.Logger = opts.Logger
	}
	topology := partition.TopologyOf(h)
	opts.Partition.Topology = &topology

	n := PartitionCount(h)
	parts := make([]*partition.Partition, n)
	for i := range parts {
		id := uint8(i)
		parts[i] = partition.New(id, PartitionPath(base, id), opts.Partition)
	}
	return &Database{
		base:   base,
		parts:  parts,
		logger: opts.Logger,
	}, nil
}

func (d *Database) Len() int {
	return len(d.parts)
}

// Partition returns the descriptor for id.
func (d *Database) Partition(id uint8) (*partition.Partition, error) {
	if int(id) >= len(d.parts) {
		return nil, fmt.Errorf("%w: partition %d out of range [0, %d)", datafile.ErrInvalidFormat, id, len(d.parts))
	}
	return d.parts[id], nil
}

// place picks the partition for a new key.
func (d *Database) place(name string) uint8 {
	h := farm.Fingerprint32(unsafestring.ToBytes(name))
	return uint8(h % uint32(len(d.parts)))
}

// locate finds the partition that owns name.  It fails with ErrCorrupted if
// more than one partition claims the key.
func (d *Database) locate(name string) (id uint8, found bool, err error) {
	if len(d.parts) == 1 {
		ok, err := d.parts[0].Contains(name)
		return 0, ok, err
	}

	owners := make([]bool, len(d.parts))
	var g errgroup.Group
	for i, p := range d.parts {
		i, p := i, p
		g.Go(func() error {
			ok, err := p.Contains(name)
			owners[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, false, err
	}

	for i, ok := range owners {
		if !ok {
			continue
		}
		if found {
			return 0, false, fmt.Errorf("%w: key %q present in partitions %d and %d", datafile.ErrCorrupted, name, id, i)
		}
		id, found = uint8(i), true
	}
	return id, found, nil
}

func (d *Database) Get(name string) (partition.Item, error) {
	id, found, err := d.locate(name)
	if err != nil {
		return partition.Item{}, err
	}
	if !found {
		return partition.Item{}, &partition.KeyNotFoundError{Name: name}
	}
	return d.parts[id].Get(name)
}

// GetAt reads name through a location returned by an earlier call.
func (d *Database) GetAt(name string, loc partition.Location) (partition.Item, error) {
	p, err := d.Partition(loc.PartitionID)
	if err != nil {
		return partition.Item{}, &partition.KeyNotFoundError{Name: name}
	}
	return p.GetAt(name, loc)
}

// Set overwrites name wherever it lives, or creates it in its placement
// partition.
func (d *Database) Set(name string, value []byte) (partition.Key, error) {
	id, found, err := d.locate(name)
	if err != nil {
		return partition.Key{}, err
	}
	if !found {
		id = d.place(name)
		d.logger.Debug("placing new key", "key", name, "partition", id)
	}
	return d.parts[id].Set(name, value)
}

// Add creates name in its placement partition, failing if any partition
// already holds it.
func (d *Database) Add(name string, value []byte) (partition.Key, error) {
	return d.AddTo(d.place(name), name, value)
}

// AddTo creates name in partition id, failing if any partition already
// holds it.
func (d *Database) AddTo(id uint8, name string, value []byte) (partition.Key, error) {
	p, err := d.Partition(id)
	if err != nil {
		return partition.Key{}, err
	}
	_, found, err := d.locate(name)
	if err != nil {
		return partition.Key{}, err
	}
	if found {
		return partition.Key{}, &partition.KeyAlreadyExistsError{Name: name}
	}
	return p.Add(name, value)
}

func (d *Database) Remove(name string) (bool, error) {
	id, found, err := d.locate(name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, &partition.KeyNotFoundError{Name: name}
	}
	return d.parts[id].Remove(name)
}

// Keys returns every partition's directory, in partition order.
func (d *Database) Keys() ([]partition.Key, error) {
	var keys []partition.Key
	for _, p := range d.parts {
		pk, err := p.FetchKeys()
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk...)
	}
	return keys, nil
}

// Close releases every partition's handle.
func (d *Database) Close() error {
	var errs []error
	for _, p := range d.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package onelink

import (
	"io"
	"log/slog"
	"time"

	"github.com/bpowers/onelink/codec"
	"github.com/bpowers/onelink/internal/datafile"
)

// Option configures Open and Create.
type Option func(*options)

type options struct {
	name           string
	logger         *slog.Logger
	readOnly       bool
	syncWrites     bool
	directoryCache bool
	codecs         map[datafile.CompressionMode]codec.Codec
	now            func() time.Time

	// Create only
	partitions  uint8
	compression datafile.CompressionMode
	createdOn   datafile.OS
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
		partitions:  1,
		compression: datafile.CompressionZstd,
		createdOn:   datafile.HostOS(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithName labels the database in log output.  Defaults to the file path.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets a logger for lifecycle and debug output.  If not provided,
// no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReadOnly opens every file read-only.  Mutations fail with ErrReadOnly
// and header timestamps are left untouched.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithSyncWrites fsyncs a partition after every mutation.
func WithSyncWrites() Option {
	return func(o *options) {
		o.syncWrites = true
	}
}

// WithDirectoryCache remembers where each key was last seen so Get can skip
// the cross-partition scan.  Cached locations are always re-verified against
// the on-disk directory.
func WithDirectoryCache() Option {
	return func(o *options) {
		o.directoryCache = true
	}
}

// WithCodec replaces the built-in codec for c.Mode().
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if o.codecs == nil {
			o.codecs = make(map[datafile.CompressionMode]codec.Codec)
		}
		o.codecs[c.Mode()] = c
	}
}

// WithClock sets the time source for header timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPartitions sets how many partition files Create lays out.  More than
// one produces a partitioned header.
func WithPartitions(n uint8) Option {
	return func(o *options) {
		o.partitions = n
	}
}

// WithCompression sets the compression mode Create records.  Defaults to
// CompressionZstd.
func WithCompression(mode CompressionMode) Option {
	return func(o *options) {
		o.compression = mode
	}
}

// WithCreatedOn overrides the creator OS Create records.
func WithCreatedOn(os OS) Option {
	return func(o *options) {
		o.createdOn = os
	}
}

// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bufio"
	"fmt"
	"io"
	"sync/atomic"
)

const defaultBufferSize = 64 * 1024

type nopWriter struct{}

func (nopWriter) Write([]byte) (int, error) {
	return 0, io.EOF
}

// FileWriter is usually an *os.File, but specified as an interface for easier testing.
type FileWriter interface {
	io.Writer
	io.WriterAt
}

// Writer lays out a new onelink file: preamble, header and, for files that
// hold data, an empty key directory.
type Writer struct {
	f        FileWriter
	w        *bufio.Writer
	preamble Preamble
	header   Header
	off      uint64
	finished atomic.Bool
}

func NewWriter(f FileWriter, p Preamble, h Header) (*Writer, error) {
	if !SupportedVersion(p.Version) {
		return nil, &UnsupportedVersionError{Version: p.Version}
	}
	if !p.Compression.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCompressionMode, uint8(p.Compression))
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("header.Validate: %w", err)
	}

	w := &Writer{
		f:        f,
		w:        bufio.NewWriterSize(f, defaultBufferSize),
		preamble: p,
		header:   h,
	}

	n, err := p.WriteTo(w.w)
	if err != nil {
		return nil, fmt.Errorf("preamble.WriteTo: %w", err)
	}
	w.off += uint64(n)
	if n, err = h.WriteTo(w.w); err != nil {
		return nil, fmt.Errorf("header.WriteTo: %w", err)
	}
	w.off += uint64(n)

	// try to expose errors when writing to the backing file early
	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return w, nil
}

// Len is the number of bytes laid out so far.
func (w *Writer) Len() uint64 {
	return w.off
}

// WriteDirectory appends an empty key directory reserving capacity bytes.
func (w *Writer) WriteDirectory(capacity uint64) error {
	if w.finished.Load() {
		return fmt.Errorf("WriteDirectory after Finish")
	}
	d := Directory{Capacity: capacity}
	n, err := d.WriteTo(w.w)
	if err != nil {
		return fmt.Errorf("directory.WriteTo: %w", err)
	}
	w.off += uint64(n)
	return nil
}

func (w *Writer) Finish() error {
	if alreadyFinished := w.finished.Swap(true); alreadyFinished {
		// nothing to do - already cleaned up
		return nil
	}

	defer func() {
		w.w.Reset(nopWriter{})
		w.w = nil
	}()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	return nil
}

// UpdateHeader rewrites the already written header, e.g. to set timestamps.
func (w *Writer) UpdateHeader(h Header) error {
	if h.ByteLen() != w.header.ByteLen() {
		return fmt.Errorf("header length changed: %d != %d", h.ByteLen(), w.header.ByteLen())
	}
	if w.w != nil {
		if err := w.w.Flush(); err != nil {
			return fmt.Errorf("bufio.Flush: %w", err)
		}
	}
	if err := StampHeader(w.f, h); err != nil {
		return err
	}
	w.header = h
	return nil
}

// StampHeader rewrites the header in place; the header length must not change.
func StampHeader(w io.WriterAt, h Header) error {
	var buf [HeaderMaxSize]byte
	if err := h.MarshalTo(buf[:]); err != nil {
		return err
	}
	if _, err := w.WriteAt(buf[:h.ByteLen()], PreambleSize); err != nil {
		return fmt.Errorf("WriteAt(%d): %w", PreambleSize, err)
	}
	return nil
}

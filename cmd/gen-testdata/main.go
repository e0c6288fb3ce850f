// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testdata prints random key:value pairs, or loads them into a new
// onelink database.
//
//	gen-testdata -n 1000 > pairs.txt
//	gen-testdata -out sample.onelink -partitions 4 -in pairs.txt
package main

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"

	"github.com/bpowers/onelink"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

var (
	nPairs      = flag.Int("n", 100000, "number of pairs to generate")
	outPath     = flag.String("out", "", "create a onelink database here instead of printing pairs")
	inPath      = flag.String("in", "", "load key:value lines from this file (- for stdin) instead of generating them")
	partitions  = flag.Uint("partitions", 1, "partition count for -out")
	compression = flag.String("compression", "zstd", "value compression for -out: none or zstd")
	verbose     = flag.Bool("v", false, "log progress to stderr")
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

// generate calls put for n random pairs.  Keys are the hex HMAC of the value.
func generate(n int, put func(k, v []byte) error) error {
	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))

	for i := 0; i < n; i++ {
		var buf [suffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			return err
		}
		value := fmt.Sprintf("%s%x", prefix, buf)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		if err := put([]byte(key), []byte(value)); err != nil {
			return err
		}
	}
	return nil
}

// load calls put for every key:value line of r.
func load(r io.Reader, put func(k, v []byte) error) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1<<24)
	for line := 1; s.Scan(); line++ {
		k, v, ok := bytes.Cut(s.Bytes(), []byte{':'})
		if !ok {
			return fmt.Errorf("line %d: missing ':' separator", line)
		}
		if err := put(k, v); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return s.Err()
}

func compressionMode(name string) (onelink.CompressionMode, error) {
	switch name {
	case "none":
		return onelink.CompressionNone, nil
	case "zstd":
		return onelink.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	source := func(put func(k, v []byte) error) error {
		return generate(*nPairs, put)
	}
	if *inPath != "" {
		source = func(put func(k, v []byte) error) error {
			if *inPath == "-" {
				return load(os.Stdin, put)
			}
			f, err := os.Open(*inPath)
			if err != nil {
				return err
			}
			defer f.Close()
			return load(f, put)
		}
	}

	if *outPath == "" {
		w := bufio.NewWriter(os.Stdout)
		if err := source(func(k, v []byte) error {
			_, err := fmt.Fprintf(w, "%s:%s\n", k, v)
			return err
		}); err != nil {
			return err
		}
		return w.Flush()
	}

	if *partitions < 1 || *partitions > 255 {
		return fmt.Errorf("-partitions must be in [1, 255], got %d", *partitions)
	}
	mode, err := compressionMode(*compression)
	if err != nil {
		return err
	}
	db, err := onelink.Create(*outPath,
		onelink.WithPartitions(uint8(*partitions)),
		onelink.WithCompression(mode),
		onelink.WithLogger(logger))
	if err != nil {
		return err
	}

	n := 0
	err = source(func(k, v []byte) error {
		if _, err := db.New(string(k), v); err != nil {
			return err
		}
		n++
		if n%10000 == 0 {
			logger.Info("progress", "pairs", n)
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Info("wrote database", "path", *outPath, "pairs", n)
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
}

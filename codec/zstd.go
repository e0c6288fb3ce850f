// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/bpowers/onelink/internal/datafile"
)

var defaultZstd = NewZstd(zstd.SpeedDefault)

// Zstd compresses payloads with zstd, pooling encoders and decoders.
type Zstd struct {
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
}

func NewZstd(level zstd.EncoderLevel) *Zstd {
	return &Zstd{level: level}
}

func (z *Zstd) Mode() datafile.CompressionMode {
	return datafile.CompressionZstd
}

func (z *Zstd) getEncoder() (*zstd.Encoder, error) {
	if v := z.encoders.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level), zstd.WithEncoderConcurrency(1))
}

func (z *Zstd) getDecoder() (*zstd.Decoder, error) {
	if v := z.decoders.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(datafile.MaxValueLen))
}

func (z *Zstd) Encode(dst, src []byte) ([]byte, error) {
	enc, err := z.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd.NewWriter: %w", err)
	}
	defer z.encoders.Put(enc)
	return enc.EncodeAll(src, dst), nil
}

func (z *Zstd) Decode(dst, src []byte) ([]byte, error) {
	dec, err := z.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd.NewReader: %w", err)
	}
	defer z.decoders.Put(dec)
	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", datafile.ErrCorrupted, err)
	}
	return out, nil
}

// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"time"
)

// Uint128 is an unsigned 128-bit integer, stored big-endian on disk.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

func Uint128FromBytes(b []byte) Uint128 {
	_ = b[15]
	return Uint128{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

func (u Uint128) PutBytes(b []byte) {
	_ = b[15]
	binary.BigEndian.PutUint64(b[:8], u.Hi)
	binary.BigEndian.PutUint64(b[8:16], u.Lo)
}

func (u Uint128) Less(v Uint128) bool {
	if u.Hi != v.Hi {
		return u.Hi < v.Hi
	}
	return u.Lo < v.Lo
}

// Max returns the larger of u and v.
func (u Uint128) Max(v Uint128) Uint128 {
	if u.Less(v) {
		return v
	}
	return u
}

// Timestamp encodes t as Unix nanoseconds.
func Timestamp(t time.Time) Uint128 {
	ns := t.UnixNano()
	if ns < 0 {
		ns = 0
	}
	return Uint128{Lo: uint64(ns)}
}

// Time interprets u as Unix nanoseconds.  Values that overflow an int64 are
// clamped.
func (u Uint128) Time() time.Time {
	if u.Hi != 0 || u.Lo > 1<<63-1 {
		return time.Unix(0, 1<<63-1)
	}
	return time.Unix(0, int64(u.Lo))
}

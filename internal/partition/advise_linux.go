// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build linux

package partition

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseRandom tells the kernel that reads will be positioned, not sequential.
func adviseRandom(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}

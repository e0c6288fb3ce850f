// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !linux

package partition

import (
	"os"
)

func adviseRandom(*os.File) error {
	return nil
}

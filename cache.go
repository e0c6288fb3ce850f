// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package onelink

import (
	"github.com/alphadose/haxmap"
)

// directoryCache maps key names to the location they were last read or
// written at.  It is only a hint: lookups are verified on disk.
type directoryCache struct {
	m *haxmap.Map[string, VirtualLocation]
}

func newDirectoryCache() *directoryCache {
	return &directoryCache{m: haxmap.New[string, VirtualLocation]()}
}

func (c *directoryCache) get(name string) (VirtualLocation, bool) {
	if c == nil {
		return VirtualLocation{}, false
	}
	return c.m.Get(name)
}

func (c *directoryCache) set(name string, loc VirtualLocation) {
	if c == nil {
		return
	}
	c.m.Set(name, loc)
}

func (c *directoryCache) invalidate(name string) {
	if c == nil {
		return
	}
	c.m.Del(name)
}

func (c *directoryCache) len() uintptr {
	if c == nil {
		return 0
	}
	return c.m.Len()
}

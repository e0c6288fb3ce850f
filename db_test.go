// Copyright 2026 The onelink Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package onelink

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/onelink/codec"
	"github.com/bpowers/onelink/internal/datafile"
	"github.com/bpowers/onelink/internal/virtual"
)

// writeTopLevel writes a bare top-level file without validating p or h.
func writeTopLevel(t testing.TB, path string, p datafile.Preamble, h datafile.Header) {
	t.Helper()
	var pb [datafile.PreambleSize]byte
	require.NoError(t, p.MarshalTo(pb[:]))
	hb := make([]byte, h.ByteLen())
	require.NoError(t, h.MarshalTo(hb))
	require.NoError(t, os.WriteFile(path, append(pb[:], hb...), 0644))
}

func testPath(t testing.TB) string {
	return filepath.Join(t.TempDir(), "test.onelink")
}

func createDB(t testing.TB, opts ...Option) *Database {
	t.Helper()
	db, err := Create(testPath(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// tickingClock returns a clock that advances one second per call.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestOpen_VirtualizedUnpartitioned(t *testing.T) {
	path := testPath(t)
	p := datafile.Preamble{Version: 100, Compression: datafile.CompressionZstd, Encryption: 1}
	h := datafile.Header{CreatedOn: datafile.OSLinux, Virtualization: true}
	writeTopLevel(t, path, p, h)

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ModeVirtual, db.Mode())
	assert.Equal(t, 1, db.Partitions())
	assert.Equal(t, p, db.Preamble())
	assert.Equal(t, OSLinux, db.Header().CreatedOn)
	assert.Equal(t, path, db.Name())
}

func TestOpen_UnsupportedLayouts(t *testing.T) {
	tests := []struct {
		name string
		p    datafile.Preamble
		h    datafile.Header
	}{
		{
			name: "not virtualized",
			p:    datafile.Preamble{Version: 100, Compression: datafile.CompressionZstd, Encryption: 1},
			h:    datafile.Header{CreatedOn: datafile.OSLinux},
		},
		{
			name: "plaintext",
			p:    datafile.Preamble{Version: 100, Compression: datafile.CompressionZstd, Encryption: 0},
			h:    datafile.Header{CreatedOn: datafile.OSLinux, Virtualization: true},
		},
		{
			name: "partitioned without virtualization",
			p:    datafile.NewPreamble(datafile.CompressionNone),
			h:    datafile.Header{Partitioned: true, Partitions: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testPath(t)
			writeTopLevel(t, path, tt.p, tt.h)
			db, err := Open(path)
			assert.ErrorIs(t, err, ErrUnsupportedLayout)
			assert.Nil(t, db)
		})
	}
}

func TestOpen_BadFiles(t *testing.T) {
	dir := t.TempDir()

	foreign := filepath.Join(dir, "foreign")
	require.NoError(t, os.WriteFile(foreign, []byte("SQLite format 3\x00 and more bytes"), 0644))
	_, err := Open(foreign)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	truncated := filepath.Join(dir, "truncated")
	require.NoError(t, os.WriteFile(truncated, datafile.Magic[:10], 0644))
	_, err = Open(truncated)
	assert.ErrorIs(t, err, ErrTruncatedHeader)

	var pb [datafile.PreambleSize]byte
	require.NoError(t, datafile.NewPreamble(datafile.CompressionZstd).MarshalTo(pb[:]))
	noHeader := filepath.Join(dir, "no-header")
	require.NoError(t, os.WriteFile(noHeader, pb[:], 0644))
	_, err = Open(noHeader)
	assert.ErrorIs(t, err, ErrTruncatedHeader)

	badMode := filepath.Join(dir, "bad-mode")
	writeTopLevel(t, badMode,
		datafile.Preamble{Version: 100, Compression: 7, Encryption: 1},
		datafile.Header{Virtualization: true})
	_, err = Open(badMode)
	assert.ErrorIs(t, err, ErrInvalidCompressionMode)

	_, err = Open(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpen_VersionGate(t *testing.T) {
	for _, version := range []uint16{0, 99, 101, 1000} {
		t.Run(fmt.Sprint(version), func(t *testing.T) {
			path := testPath(t)
			writeTopLevel(t, path,
				datafile.Preamble{Version: version, Compression: datafile.CompressionZstd, Encryption: 1},
				datafile.Header{Virtualization: true})

			_, err := Open(path)
			require.ErrorIs(t, err, ErrUnsupportedVersion)
			var verr *UnsupportedVersionError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, version, verr.Version)
		})
	}
}

func TestOpen_PartitionsAreLazy(t *testing.T) {
	path := testPath(t)
	db, err := Create(path, WithPartitions(3))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Open must not touch partition files
	for i := uint8(0); i < 3; i++ {
		require.NoError(t, os.Remove(virtual.PartitionPath(path, i)))
	}
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 3, db.Partitions())
	assert.True(t, db.Header().Partitioned)
	assert.Equal(t, uint8(3), db.Header().Partitions)

	_, err = db.Get("anything")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCreate(t *testing.T) {
	path := testPath(t)
	db, err := Create(path, WithPartitions(4), WithCompression(CompressionNone), WithCreatedOn(OSMac))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 4, db.Partitions())
	assert.Equal(t, CompressionNone, db.Preamble().Compression)
	assert.True(t, db.Preamble().IsEncrypted())
	assert.Equal(t, OSMac, db.Header().CreatedOn)
	for i := uint8(0); i < 4; i++ {
		assert.FileExists(t, virtual.PartitionPath(path, i))
	}

	keys, err := db.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCreate_Errors(t *testing.T) {
	path := testPath(t)
	db, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Create(path)
	assert.ErrorIs(t, err, fs.ErrExist)

	// a leftover partition file aborts Create and nothing is left behind
	other := filepath.Join(filepath.Dir(path), "other.onelink")
	require.NoError(t, os.WriteFile(virtual.PartitionPath(other, 1), nil, 0644))
	_, err = Create(other, WithPartitions(2))
	assert.ErrorIs(t, err, fs.ErrExist)
	assert.NoFileExists(t, other)
	assert.NoFileExists(t, virtual.PartitionPath(other, 0))

	_, err = Create(filepath.Join(t.TempDir(), "zero.onelink"), WithPartitions(0))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = Create(filepath.Join(t.TempDir(), "mode.onelink"), WithCompression(9))
	assert.ErrorIs(t, err, ErrInvalidCompressionMode)
}

func TestDatabase_KeyLifecycle(t *testing.T) {
	for _, mode := range []CompressionMode{CompressionNone, CompressionZstd} {
		for _, n := range []uint8{1, 3} {
			t.Run(fmt.Sprintf("%s/%d", mode, n), func(t *testing.T) {
				db := createDB(t, WithCompression(mode), WithPartitions(n))

				k, err := db.New("alpha", []byte("one"))
				require.NoError(t, err)
				assert.Equal(t, "alpha", k.Name)
				assert.Less(t, k.Location.PartitionID, n)

				item, err := db.Get("alpha")
				require.NoError(t, err)
				assert.Equal(t, "alpha", item.Key)
				assert.Equal(t, []byte("one"), item.Data)
				assert.Equal(t, k.Location, item.Location)

				_, err = db.New("alpha", []byte("again"))
				assert.ErrorIs(t, err, ErrKeyAlreadyExists)
				var exists *KeyAlreadyExistsError
				require.True(t, errors.As(err, &exists))
				assert.Equal(t, "alpha", exists.Name)

				_, err = db.Update("alpha", []byte("a much longer second value"))
				require.NoError(t, err)
				item, err = db.Get("alpha")
				require.NoError(t, err)
				assert.Equal(t, []byte("a much longer second value"), item.Data)

				_, err = db.Update("beta", []byte("created by update"))
				require.NoError(t, err)

				ok, err := db.Remove("alpha")
				require.NoError(t, err)
				assert.True(t, ok)

				_, err = db.Get("alpha")
				assert.ErrorIs(t, err, ErrKeyNotFound)
				var missing *KeyNotFoundError
				require.True(t, errors.As(err, &missing))
				assert.Equal(t, "alpha", missing.Name)

				_, err = db.Remove("alpha")
				assert.ErrorIs(t, err, ErrKeyNotFound)

				item, err = db.Get("beta")
				require.NoError(t, err)
				assert.Equal(t, []byte("created by update"), item.Data)
			})
		}
	}
}

func TestDatabase_InvalidKeys(t *testing.T) {
	db := createDB(t)
	_, err := db.New("", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = db.Update(string(make([]byte, datafile.MaxKeyLen+1)), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDatabase_GlobalUniqueness(t *testing.T) {
	db := createDB(t, WithPartitions(5))

	const n = 200
	for i := 0; i < n; i++ {
		_, err := db.New(fmt.Sprintf("key-%03d", i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < n; i += 7 {
		_, err := db.New(fmt.Sprintf("key-%03d", i), []byte("dup"))
		assert.ErrorIs(t, err, ErrKeyAlreadyExists)
	}

	keys, err := db.Keys()
	require.NoError(t, err)
	require.Len(t, keys, n)

	seen := make(map[string]bool, n)
	used := make(map[uint8]bool)
	prev := uint8(0)
	for _, k := range keys {
		assert.False(t, seen[k.Name], "duplicate key %q", k.Name)
		seen[k.Name] = true
		used[k.Location.PartitionID] = true
		// grouped in partition order
		assert.GreaterOrEqual(t, k.Location.PartitionID, prev)
		prev = k.Location.PartitionID
	}
	assert.Greater(t, len(used), 1)
}

func TestDatabase_Reopen(t *testing.T) {
	path := testPath(t)
	db, err := Create(path, WithPartitions(2))
	require.NoError(t, err)

	want := make(map[string][]byte)
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%d", i)
		v := bytes.Repeat([]byte{byte(i)}, i*31)
		want[k] = v
		_, err := db.Update(k, v)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	defer db.Close()
	for k, v := range want {
		item, err := db.Get(k)
		require.NoError(t, err)
		assert.Equal(t, v, item.Data, k)
		assert.Equal(t, uint64(len(v)), uint64(len(item.Data)))
	}
}

func TestDatabase_ReadOnly(t *testing.T) {
	path := testPath(t)
	db, err := Create(path)
	require.NoError(t, err)
	_, err = db.New("k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.Chmod(path, 0444))
	db, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Update("k", []byte("w"))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = db.New("other", []byte("w"))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = db.Remove("k")
	assert.ErrorIs(t, err, ErrReadOnly)

	item, err := db.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), item.Data)
}

func TestDatabase_Timestamps(t *testing.T) {
	path := testPath(t)
	clock := tickingClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	db, err := Create(path, WithClock(clock))
	require.NoError(t, err)
	opened := db.Header().LastOpen
	assert.NotEqual(t, datafile.Uint128{}, opened)
	require.NoError(t, db.Close())

	db, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	h := db.Header()
	assert.Equal(t, opened, h.LastOpen)
	assert.True(t, opened.Less(h.LastClose))
	closed := h.LastClose
	require.NoError(t, db.Close())

	// read-only handles leave the header alone
	db, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	assert.Equal(t, opened, db.Header().LastOpen)
	assert.Equal(t, closed, db.Header().LastClose)
	require.NoError(t, db.Close())

	db, err = Open(path, WithClock(clock))
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, opened.Less(db.Header().LastOpen))

	// a clock running backwards never moves a stamp backwards
	db2, err := Open(path, WithClock(func() time.Time { return time.Unix(0, 1) }))
	require.NoError(t, err)
	assert.False(t, db2.Header().LastOpen.Less(db.Header().LastOpen))
	require.NoError(t, db2.Close())
}

func TestDatabase_Closed(t *testing.T) {
	db, err := Create(testPath(t))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.New("k", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Update("k", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Remove("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Keys()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDatabase_DirectoryCache(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db := createDB(t, WithPartitions(3), WithDirectoryCache(), WithLogger(logger))

	for i := 0; i < 20; i++ {
		_, err := db.New(fmt.Sprintf("c%d", i), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, uintptr(20), db.cache.len())

	item, err := db.Get("c3")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), item.Data)

	// a wrong hint falls back to the full lookup
	db.cache.set("c4", VirtualLocation{PartitionID: 2, Offset: 1 << 40, Index: 1 << 40})
	item, err = db.Get("c4")
	require.NoError(t, err)
	assert.Equal(t, []byte("v4"), item.Data)
	assert.Contains(t, logs.String(), "stale directory cache entry")

	_, err = db.Remove("c5")
	require.NoError(t, err)
	_, ok := db.cache.get("c5")
	assert.False(t, ok)
	_, err = db.Get("c5")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// removals renumber the directory; cached locations stay usable
	for i := 0; i < 20; i++ {
		if i == 5 {
			continue
		}
		item, err := db.Get(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), item.Data)
	}
}

func TestDatabase_WithCodec(t *testing.T) {
	path := testPath(t)
	db, err := Create(path, WithCodec(codec.NewZstd(zstd.SpeedBestCompression)))
	require.NoError(t, err)

	value := bytes.Repeat([]byte("onelink "), 1024)
	k, err := db.New("big", value)
	require.NoError(t, err)
	assert.Less(t, k.Length, uint64(len(value)))
	require.NoError(t, db.Close())

	// any zstd decoder reads what another encoder level wrote
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	item, err := db.Get("big")
	require.NoError(t, err)
	assert.Equal(t, value, item.Data)
}

func TestDatabase_Concurrent(t *testing.T) {
	db := createDB(t, WithPartitions(4), WithDirectoryCache())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				k := fmt.Sprintf("w%d-%d", w, i)
				_, err := db.Update(k, []byte(k))
				assert.NoError(t, err)
				item, err := db.Get(k)
				if assert.NoError(t, err) {
					assert.Equal(t, []byte(k), item.Data)
				}
			}
		}()
	}
	wg.Wait()

	keys, err := db.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 8*25)
}

func TestDatabase_EmptyValues(t *testing.T) {
	for _, mode := range []CompressionMode{CompressionNone, CompressionZstd} {
		t.Run(mode.String(), func(t *testing.T) {
			path := testPath(t)
			db, err := Create(path, WithCompression(mode), WithPartitions(2))
			require.NoError(t, err)
			_, err = db.New("empty", []byte{})
			require.NoError(t, err)
			_, err = db.Update("cleared", []byte("something"))
			require.NoError(t, err)
			_, err = db.Update("cleared", nil)
			require.NoError(t, err)
			require.NoError(t, db.Close())

			db, err = Open(path, WithReadOnly())
			require.NoError(t, err)
			defer db.Close()
			for _, name := range []string{"empty", "cleared"} {
				item, err := db.Get(name)
				require.NoError(t, err)
				assert.Equal(t, []byte{}, item.Data, name)
			}
		})
	}
}

func TestCreate_StampsLastWrite(t *testing.T) {
	path := testPath(t)
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	db, err := Create(path, WithClock(func() time.Time { return created }), WithPartitions(2))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, WithReadOnly())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, datafile.Timestamp(created), db.Header().LastWrite)
	assert.True(t, db.Header().LastWrite.Time().Equal(created))
}

func TestOpen_PartitionTopologyMismatch(t *testing.T) {
	path := testPath(t)
	db, err := Create(path, WithPartitions(2))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// replace partition 1 with a file from a 3-partition layout
	pp := virtual.PartitionPath(path, 1)
	require.NoError(t, os.Remove(pp))
	f, err := os.Create(pp)
	require.NoError(t, err)
	w, err := datafile.NewWriter(f, datafile.NewPreamble(datafile.CompressionZstd), datafile.Header{
		Partitioned:    true,
		PartitionIndex: 1,
		Partitions:     3,
		Virtualization: true,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteDirectory(datafile.DefaultDirectoryCapacity))
	require.NoError(t, w.Finish())
	require.NoError(t, f.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Get("anything")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

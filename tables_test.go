// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashTableInsertLookup(t *testing.T) {
	table := newClassicTable(16)
	table.block = []BlockEntry{{Flags: flagExists}, {Flags: flagExists}}

	require.NoError(t, table.insert("a.txt", localeNeutral, 0))
	require.NoError(t, table.insert("b.txt", localeNeutral, 1))

	idx, ok := table.lookup("a.txt", localeNeutral)
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)

	idx, ok = table.lookup("B.TXT", localeNeutral)
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	_, ok = table.lookup("missing.txt", localeNeutral)
	require.False(t, ok)
}

func TestHashTableTombstone(t *testing.T) {
	table := newClassicTable(16)
	table.block = []BlockEntry{{Flags: flagExists}, {Flags: flagExists}}
	require.NoError(t, table.insert("a.txt", localeNeutral, 0))
	require.NoError(t, table.insert("b.txt", localeNeutral, 1))

	require.True(t, table.tombstone("a.txt", localeNeutral))
	_, ok := table.lookup("a.txt", localeNeutral)
	require.False(t, ok)

	// The probe chain must skip tombstones, not stop at them.
	idx, ok := table.lookup("b.txt", localeNeutral)
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	// Deleted-then-re-added resolves to the new block.
	table.block = append(table.block, BlockEntry{Flags: flagExists})
	require.NoError(t, table.insert("a.txt", localeNeutral, 2))
	idx, ok = table.lookup("a.txt", localeNeutral)
	require.True(t, ok)
	require.Equal(t, uint32(2), idx)
}

func TestHashTableGrow(t *testing.T) {
	table := newClassicTable(16)
	for i := 0; i < 40; i++ {
		table.block = append(table.block, BlockEntry{Flags: flagExists})
		require.NoError(t, table.insert(fmt.Sprintf("file%02d.dat", i), localeNeutral, uint32(i)))
	}
	require.Greater(t, len(table.hash), 16)
	require.Zero(t, uint32(len(table.hash))&(uint32(len(table.hash))-1), "grown size must stay a power of two")

	for i := 0; i < 40; i++ {
		idx, ok := table.lookup(fmt.Sprintf("file%02d.dat", i), localeNeutral)
		require.True(t, ok, "file%02d.dat lost in growth", i)
		require.Equal(t, uint32(i), idx)
	}
}

func TestHashTableEncodeDecode(t *testing.T) {
	table := newClassicTable(16)
	table.block = []BlockEntry{{Flags: flagExists}}
	require.NoError(t, table.insert("x.bin", 0x409, 0))

	raw := encodeHashTable(table.hash)
	require.Len(t, raw, 16*16)

	decoded, err := decodeHashTable(raw, 16)
	require.NoError(t, err)
	require.Equal(t, table.hash, decoded)
}

func TestBlockTableEncodeDecode(t *testing.T) {
	blocks := []BlockEntry{
		{FilePosLow: 0x200, CompressedSize: 100, FileSize: 200, Flags: flagExists | flagCompress},
		{FilePosLow: 0x400, FilePosHi: 2, CompressedSize: 50, FileSize: 50, Flags: flagExists},
	}
	raw := encodeBlockTable(blocks)
	decoded, err := decodeBlockTable(raw, 2)
	require.NoError(t, err)

	// The 16-byte entry doesn't carry the high word; that rides in the
	// parallel hi-block table.
	require.Equal(t, blocks[0], decoded[0])
	require.Equal(t, uint16(0), decoded[1].FilePosHi)

	hiRaw := encodeHiBlockTable(blocks)
	hi, err := decodeHiBlockTable(hiRaw, 2)
	require.NoError(t, err)
	require.Equal(t, uint16(2), hi[1])
}

func TestSizeForLoadFactor(t *testing.T) {
	require.Equal(t, uint32(16), sizeForLoadFactor(0))
	require.Equal(t, uint32(16), sizeForLoadFactor(1))
	require.Equal(t, uint32(16), sizeForLoadFactor(12))
	require.Equal(t, uint32(32), sizeForLoadFactor(13))
	require.Equal(t, uint32(256), sizeForLoadFactor(192))
}

func TestLocaleLookup(t *testing.T) {
	table := newClassicTable(16)
	table.block = []BlockEntry{{Flags: flagExists}, {Flags: flagExists}}
	require.NoError(t, table.insert("ui.txt", 0x409, 0))
	require.NoError(t, table.insert("ui.txt", 0x407, 1))

	idx, ok := table.lookup("ui.txt", 0x407)
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)

	// Neutral requests accept any stored locale.
	_, ok = table.lookup("ui.txt", localeNeutral)
	require.True(t, ok)
}

// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListfileRoundTrip(t *testing.T) {
	names := []string{"Data\\a.txt", "Data\\b.txt", "war3map.j"}
	decoded := decodeListfile(encodeListfile(names))
	require.ElementsMatch(t, append(names, "(listfile)"), decoded)
}

func TestListfileSeparatorsAndComments(t *testing.T) {
	raw := []byte("one.txt\r\ntwo.txt\n\n; a tool comment\nthree.txt\x00four.txt")
	decoded := decodeListfile(raw)
	require.Equal(t, []string{"one.txt", "two.txt", "three.txt", "four.txt"}, decoded)
}

func TestAttributesRoundTrip(t *testing.T) {
	attrs := newAttributesTable(3, attrFlagCRC32|attrFlagFileTime|attrFlagMD5)
	attrs.setEntry(0, []byte("first"))
	attrs.setEntry(1, []byte("second"))
	attrs.entries[0].FileTime = 0x01D9F00000000000
	// Entry 2 stays zeroed, the convention for the (attributes) file's own
	// slot and for deleted blocks.

	decoded, err := decodeAttributesTable(attrs.encode(), 3)
	require.NoError(t, err)
	require.Equal(t, attrs.flags, decoded.flags)
	require.Equal(t, attrs.entries, decoded.entries)
}

func TestAttributesPartialSections(t *testing.T) {
	attrs := newAttributesTable(2, attrFlagCRC32)
	attrs.setEntry(0, []byte("payload"))

	data := attrs.encode()
	// version + flags + 2 CRC words, no file-time or MD5 arrays.
	require.Len(t, data, 8+2*4)

	decoded, err := decodeAttributesTable(data, 2)
	require.NoError(t, err)
	require.Equal(t, crc32sum([]byte("payload")), decoded.entries[0].CRC32)
	require.Zero(t, decoded.entries[1].CRC32)
}

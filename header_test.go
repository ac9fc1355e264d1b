// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripAllVersions(t *testing.T) {
	sizes := map[FormatVersion]int{
		FormatV1: headerSizeV1,
		FormatV2: headerSizeV2,
		FormatV3: headerSizeV3,
		FormatV4: headerSizeV4,
	}

	for version, wireSize := range sizes {
		h := &Header{
			HeaderSize:       headerSizeForVersion(version),
			ArchiveSize32:    0x1000,
			FormatVersion:    version,
			SectorSizeShift:  3,
			HashTableOffset:  0x800,
			BlockTableOffset: 0x900,
			HashTableSize:    16,
			BlockTableSize:   3,
		}
		if version >= FormatV2 {
			h.HashTableOffsetHi = 1
			h.HiBlockTableOffset64 = 0xA00
		}
		if version >= FormatV3 {
			h.ArchiveSize64 = 0x1000
			h.HetTableOffset64 = 0xB00
			h.BetTableOffset64 = 0xC00
		}
		if version >= FormatV4 {
			h.RawChunkSize = 0x4000
			h.MD5MpqHeader = md5Sum([]byte("placeholder"))
		}

		var buf bytes.Buffer
		require.NoError(t, writeHeader(&buf, h))
		require.Equal(t, wireSize, buf.Len(), "version %d wire size", version)

		parsed, err := readHeaderAt(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 0)
		require.NoError(t, err, "version %d", version)

		h.ArchiveOffset = 0
		require.Equal(t, h, parsed, "version %d", version)
	}
}

func TestHeaderOffset64Helpers(t *testing.T) {
	h := &Header{FormatVersion: FormatV2}
	h.setHashTableOffset64(0x1_2345_6789)
	require.Equal(t, uint64(0x1_2345_6789), h.hashTableOffset64())

	// v1 ignores the high word entirely.
	h1 := &Header{FormatVersion: FormatV1, HashTableOffset: 0x800, HashTableOffsetHi: 7}
	require.Equal(t, uint64(0x800), h1.hashTableOffset64())
}

func TestHeaderRejectsBadCandidates(t *testing.T) {
	// Undersized declared header.
	var buf bytes.Buffer
	buf.WriteString(archiveSignature)
	var rest [28]byte
	binary.LittleEndian.PutUint32(rest[0:4], 8) // header_size far below the v1 minimum
	buf.Write(rest[:])
	pad := make([]byte, 512-buf.Len())
	buf.Write(pad)

	_, err := locateHeader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.Error(t, err)
	require.Equal(t, KindCorruptHeader, KindOf(err))
}

func TestHeaderV4MD5Covers(t *testing.T) {
	h := &Header{
		HeaderSize:      headerSizeV4,
		FormatVersion:   FormatV4,
		SectorSizeShift: 3,
	}
	covered, err := headerBytesForMD5(h)
	require.NoError(t, err)
	require.Equal(t, headerSizeV4-16, len(covered), "digest covers everything before the MD5 field")
}

func TestUserDataPreambleDiscovery(t *testing.T) {
	// A user-data block at offset 0 pointing at the real header one
	// stride in.
	inner := &Header{
		HeaderSize:      headerSizeV1,
		ArchiveSize32:   headerSizeV1,
		FormatVersion:   FormatV1,
		SectorSizeShift: 3,
		HashTableSize:   16,
	}
	var innerBuf bytes.Buffer
	require.NoError(t, writeHeader(&innerBuf, inner))

	host := make([]byte, 512+innerBuf.Len())
	copy(host[0:4], userDataSignature)
	binary.LittleEndian.PutUint32(host[8:12], 512) // header offset
	copy(host[512:], innerBuf.Bytes())

	h, err := locateHeader(bytes.NewReader(host), int64(len(host)))
	require.NoError(t, err)
	require.Equal(t, int64(512), h.ArchiveOffset)
	require.Equal(t, FormatV1, h.FormatVersion)
}

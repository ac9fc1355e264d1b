// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FormatVersion identifies one of the four on-disk header layouts.
type FormatVersion uint16

const (
	FormatV1 FormatVersion = 0
	FormatV2 FormatVersion = 1
	FormatV3 FormatVersion = 2
	FormatV4 FormatVersion = 3
)

const (
	archiveSignature  = "MPQ\x1A"
	userDataSignature = "MPQ\x1B"
	hetSignature      = "HET\x1A"
	betSignature      = "BET\x1A"

	headerSizeV1 = 32
	headerSizeV2 = 44
	headerSizeV3 = 68
	headerSizeV4 = 208

	scanStride = 512

	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE

	localeNeutral = 0x0000

	defaultSectorSizeShift = 3 // 512 * 2^3 = 4096
)

// Header is the union of all four on-disk header versions. Fields beyond a
// given FormatVersion's cutoff are zero and not serialized.
type Header struct {
	// v1 (32 bytes)
	HeaderSize       uint32
	ArchiveSize32    uint32
	FormatVersion    FormatVersion
	SectorSizeShift  uint16
	HashTableOffset  uint32
	BlockTableOffset uint32
	HashTableSize    uint32
	BlockTableSize   uint32

	// v2 (+12 bytes, total 44)
	HiBlockTableOffset64 uint64
	HashTableOffsetHi    uint16
	BlockTableOffsetHi   uint16

	// v3 (+24 bytes, total 68)
	ArchiveSize64    uint64
	BetTableOffset64 uint64
	HetTableOffset64 uint64

	// v4 (+140 bytes, total 208)
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32
	MD5BlockTable      [16]byte
	MD5HashTable       [16]byte
	MD5HiBlockTable    [16]byte
	MD5BetTable        [16]byte
	MD5HetTable        [16]byte
	MD5MpqHeader       [16]byte

	// ArchiveOffset is the byte offset of the "MPQ\x1A" signature within
	// the host file. It is derived at discovery time, not serialized.
	ArchiveOffset int64
}

// wireHeaderV1 mirrors the first 32 bytes exactly for binary.Read/Write.
type wireHeaderV1 struct {
	Signature        [4]byte
	HeaderSize       uint32
	ArchiveSize      uint32
	FormatVersion    uint16
	SectorSizeShift  uint16
	HashTableOffset  uint32
	BlockTableOffset uint32
	HashTableSize    uint32
	BlockTableSize   uint32
}

type wireHeaderV2Ext struct {
	HiBlockTableOffset64 uint64
	HashTableOffsetHi    uint16
	BlockTableOffsetHi   uint16
}

type wireHeaderV3Ext struct {
	ArchiveSize64    uint64
	BetTableOffset64 uint64
	HetTableOffset64 uint64
}

type wireHeaderV4Ext struct {
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32
	MD5BlockTable      [16]byte
	MD5HashTable       [16]byte
	MD5HiBlockTable    [16]byte
	MD5BetTable        [16]byte
	MD5HetTable        [16]byte
	MD5MpqHeader       [16]byte
}

type userDataHeader struct {
	Signature          [4]byte
	UserDataSize       uint32
	HeaderOffset       uint32
	UserDataHeaderSize uint32
}

func minHeaderSize(version FormatVersion) uint32 {
	switch {
	case version >= FormatV4:
		return headerSizeV4
	case version >= FormatV3:
		return headerSizeV3
	case version >= FormatV2:
		return headerSizeV2
	default:
		return headerSizeV1
	}
}

// locateHeader scans r in 512-byte strides looking for the archive or
// user-data signature. It returns the parsed header, whose ArchiveOffset
// records where the archive starts.
func locateHeader(r io.ReaderAt, fileSize int64) (*Header, error) {
	buf := make([]byte, scanStride)

	for pos := int64(0); pos < fileSize; pos += scanStride {
		// The final stride may be partial; anything shorter than a v1
		// header cannot hold a candidate.
		n, _ := r.ReadAt(buf, pos)
		if n < headerSizeV1 {
			break
		}

		switch {
		case bytes.Equal(buf[:4], []byte(userDataSignature)):
			var ud userDataHeader
			if err := binary.Read(bytes.NewReader(buf[:n]), binary.LittleEndian, &ud); err != nil {
				continue
			}
			realHeaderPos := pos + int64(ud.HeaderOffset)
			h, err := readHeaderAt(r, fileSize, realHeaderPos)
			if err == nil {
				return h, nil
			}
		case bytes.Equal(buf[:4], []byte(archiveSignature)):
			h, err := readHeaderAt(r, fileSize, pos)
			if err == nil {
				return h, nil
			}
		}
	}

	return nil, newErr(KindCorruptHeader, "", fmt.Errorf("no MPQ signature found"))
}

func readHeaderAt(r io.ReaderAt, fileSize, pos int64) (*Header, error) {
	if pos < 0 || pos+headerSizeV1 > fileSize {
		return nil, fmt.Errorf("header position %d out of range", pos)
	}

	sr := io.NewSectionReader(r, pos, fileSize-pos)

	var v1 wireHeaderV1
	if err := binary.Read(sr, binary.LittleEndian, &v1); err != nil {
		return nil, err
	}
	if !bytes.Equal(v1.Signature[:], []byte(archiveSignature)) {
		return nil, fmt.Errorf("bad signature at %d", pos)
	}

	version := FormatVersion(v1.FormatVersion)
	if version > FormatV4 {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}
	if v1.HeaderSize < minHeaderSize(version) {
		return nil, fmt.Errorf("header_size %d too small for version %d", v1.HeaderSize, version)
	}
	if v1.SectorSizeShift > 20 {
		return nil, fmt.Errorf("implausible sector size shift %d", v1.SectorSizeShift)
	}

	h := &Header{
		HeaderSize:       v1.HeaderSize,
		ArchiveSize32:    v1.ArchiveSize,
		FormatVersion:    version,
		SectorSizeShift:  v1.SectorSizeShift,
		HashTableOffset:  v1.HashTableOffset,
		BlockTableOffset: v1.BlockTableOffset,
		HashTableSize:    v1.HashTableSize,
		BlockTableSize:   v1.BlockTableSize,
		ArchiveOffset:    pos,
	}

	if version >= FormatV2 {
		var ext wireHeaderV2Ext
		if err := binary.Read(sr, binary.LittleEndian, &ext); err != nil {
			return nil, err
		}
		h.HiBlockTableOffset64 = ext.HiBlockTableOffset64
		h.HashTableOffsetHi = ext.HashTableOffsetHi
		h.BlockTableOffsetHi = ext.BlockTableOffsetHi
	}

	if version >= FormatV3 {
		var ext wireHeaderV3Ext
		if err := binary.Read(sr, binary.LittleEndian, &ext); err != nil {
			return nil, err
		}
		h.ArchiveSize64 = ext.ArchiveSize64
		h.BetTableOffset64 = ext.BetTableOffset64
		h.HetTableOffset64 = ext.HetTableOffset64
	}

	if version >= FormatV4 {
		var ext wireHeaderV4Ext
		if err := binary.Read(sr, binary.LittleEndian, &ext); err != nil {
			return nil, err
		}
		h.HashTableSize64 = ext.HashTableSize64
		h.BlockTableSize64 = ext.BlockTableSize64
		h.HiBlockTableSize64 = ext.HiBlockTableSize64
		h.HetTableSize64 = ext.HetTableSize64
		h.BetTableSize64 = ext.BetTableSize64
		h.RawChunkSize = ext.RawChunkSize
		h.MD5BlockTable = ext.MD5BlockTable
		h.MD5HashTable = ext.MD5HashTable
		h.MD5HiBlockTable = ext.MD5HiBlockTable
		h.MD5BetTable = ext.MD5BetTable
		h.MD5HetTable = ext.MD5HetTable
		h.MD5MpqHeader = ext.MD5MpqHeader
	}

	return h, nil
}

// writeHeader serializes h to w at the current write position, version
// fields included per h.FormatVersion.
func writeHeader(w io.Writer, h *Header) error {
	v1 := wireHeaderV1{
		Signature:        [4]byte{'M', 'P', 'Q', 0x1A},
		HeaderSize:       h.HeaderSize,
		ArchiveSize:      h.ArchiveSize32,
		FormatVersion:    uint16(h.FormatVersion),
		SectorSizeShift:  h.SectorSizeShift,
		HashTableOffset:  h.HashTableOffset,
		BlockTableOffset: h.BlockTableOffset,
		HashTableSize:    h.HashTableSize,
		BlockTableSize:   h.BlockTableSize,
	}
	if err := binary.Write(w, binary.LittleEndian, &v1); err != nil {
		return err
	}

	if h.FormatVersion < FormatV2 {
		return nil
	}
	ext2 := wireHeaderV2Ext{
		HiBlockTableOffset64: h.HiBlockTableOffset64,
		HashTableOffsetHi:    h.HashTableOffsetHi,
		BlockTableOffsetHi:   h.BlockTableOffsetHi,
	}
	if err := binary.Write(w, binary.LittleEndian, &ext2); err != nil {
		return err
	}

	if h.FormatVersion < FormatV3 {
		return nil
	}
	ext3 := wireHeaderV3Ext{
		ArchiveSize64:    h.ArchiveSize64,
		BetTableOffset64: h.BetTableOffset64,
		HetTableOffset64: h.HetTableOffset64,
	}
	if err := binary.Write(w, binary.LittleEndian, &ext3); err != nil {
		return err
	}

	if h.FormatVersion < FormatV4 {
		return nil
	}
	ext4 := wireHeaderV4Ext{
		HashTableSize64:    h.HashTableSize64,
		BlockTableSize64:   h.BlockTableSize64,
		HiBlockTableSize64: h.HiBlockTableSize64,
		HetTableSize64:     h.HetTableSize64,
		BetTableSize64:     h.BetTableSize64,
		RawChunkSize:       h.RawChunkSize,
		MD5BlockTable:      h.MD5BlockTable,
		MD5HashTable:       h.MD5HashTable,
		MD5HiBlockTable:    h.MD5HiBlockTable,
		MD5BetTable:        h.MD5BetTable,
		MD5HetTable:        h.MD5HetTable,
		MD5MpqHeader:       h.MD5MpqHeader,
	}
	return binary.Write(w, binary.LittleEndian, &ext4)
}

// headerBytesForMD5 serializes h and truncates at the MD5MpqHeader field,
// the region the v4 header-MD5 covers.
func headerBytesForMD5(h *Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeHeader(&buf, h); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) < 16 {
		return b, nil
	}
	return b[:len(b)-16], nil
}

func (h *Header) hashTableOffset64() uint64 {
	if h.FormatVersion >= FormatV2 {
		return uint64(h.HashTableOffset) | uint64(h.HashTableOffsetHi)<<32
	}
	return uint64(h.HashTableOffset)
}

func (h *Header) blockTableOffset64() uint64 {
	if h.FormatVersion >= FormatV2 {
		return uint64(h.BlockTableOffset) | uint64(h.BlockTableOffsetHi)<<32
	}
	return uint64(h.BlockTableOffset)
}

func (h *Header) setHashTableOffset64(off uint64) {
	h.HashTableOffset = uint32(off)
	h.HashTableOffsetHi = uint16(off >> 32)
}

func (h *Header) setBlockTableOffset64(off uint64) {
	h.BlockTableOffset = uint32(off)
	h.BlockTableOffsetHi = uint16(off >> 32)
}

func (h *Header) archiveSize() uint64 {
	if h.FormatVersion >= FormatV3 {
		return h.ArchiveSize64
	}
	return uint64(h.ArchiveSize32)
}

func (h *Header) setArchiveSize(size uint64) {
	h.ArchiveSize32 = uint32(size)
	if h.FormatVersion >= FormatV3 {
		h.ArchiveSize64 = size
	}
}

func (h *Header) sectorSize() uint32 {
	return uint32(512) << h.SectorSizeShift
}

func headerSizeForVersion(version FormatVersion) uint32 {
	return minHeaderSize(version)
}

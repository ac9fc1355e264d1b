// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

// (attributes) flag bits and version.
const (
	attributesVersion = 100

	attrFlagCRC32    = 0x00000001
	attrFlagFileTime = 0x00000002
	attrFlagMD5      = 0x00000004
)

// AttributesEntry holds one file's optional per-file metadata.
type AttributesEntry struct {
	CRC32    uint32
	FileTime uint64
	MD5      [16]byte
}

// attributesTable is the decoded/in-progress (attributes) special file: a
// version+flags header followed by one parallel array per enabled flag, in
// block-table order. Entries are filled by block index as files are
// encoded, so the arrays stay aligned with the block table by
// construction.
type attributesTable struct {
	flags   uint32
	entries []AttributesEntry
}

func newAttributesTable(fileCount int, flags uint32) *attributesTable {
	return &attributesTable{flags: flags, entries: make([]AttributesEntry, fileCount)}
}

func (a *attributesTable) setEntry(index int, data []byte) {
	if index < 0 || index >= len(a.entries) {
		return
	}
	e := &a.entries[index]
	if data == nil {
		*e = AttributesEntry{}
		return
	}
	e.CRC32 = crc32sum(data)
	e.MD5 = md5Sum(data)
}

func (a *attributesTable) encode() []byte {
	if len(a.entries) == 0 {
		return nil
	}
	entrySize := 0
	if a.flags&attrFlagCRC32 != 0 {
		entrySize += 4
	}
	if a.flags&attrFlagFileTime != 0 {
		entrySize += 8
	}
	if a.flags&attrFlagMD5 != 0 {
		entrySize += 16
	}

	out := make([]byte, 8+entrySize*len(a.entries))
	binary.LittleEndian.PutUint32(out[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(out[4:8], a.flags)

	off := 8
	if a.flags&attrFlagCRC32 != 0 {
		for _, e := range a.entries {
			binary.LittleEndian.PutUint32(out[off:], e.CRC32)
			off += 4
		}
	}
	if a.flags&attrFlagFileTime != 0 {
		for _, e := range a.entries {
			binary.LittleEndian.PutUint64(out[off:], e.FileTime)
			off += 8
		}
	}
	if a.flags&attrFlagMD5 != 0 {
		for _, e := range a.entries {
			copy(out[off:], e.MD5[:])
			off += 16
		}
	}
	return out
}

// decodeAttributesTable parses a (attributes) file against a known file
// count (the block table's length, excluding the trailing special files
// quirk real archives occasionally have — callers should pass the count
// they expect and ignore any shortfall).
func decodeAttributesTable(data []byte, fileCount int) (*attributesTable, error) {
	if len(data) < 8 {
		return &attributesTable{}, nil
	}
	flags := binary.LittleEndian.Uint32(data[4:8])
	a := newAttributesTable(fileCount, flags)

	off := 8
	if flags&attrFlagCRC32 != 0 {
		for i := 0; i < fileCount && off+4 <= len(data); i++ {
			a.entries[i].CRC32 = binary.LittleEndian.Uint32(data[off:])
			off += 4
		}
	}
	if flags&attrFlagFileTime != 0 {
		for i := 0; i < fileCount && off+8 <= len(data); i++ {
			a.entries[i].FileTime = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
	}
	if flags&attrFlagMD5 != 0 {
		for i := 0; i < fileCount && off+16 <= len(data); i++ {
			copy(a.entries[i].MD5[:], data[off:off+16])
			off += 16
		}
	}
	return a, nil
}

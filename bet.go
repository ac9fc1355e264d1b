// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// betEntry is one file's record inside the bit-packed BET file table
// Unknown carries a 32-bit field real archives sometimes populate
// with flags no open implementation has documented; we pass it through
// unmodified rather than guessing its meaning.
type betEntry struct {
	FilePos        uint64
	FileSize       uint64
	CompressedSize uint64
	FlagIndex      uint32
	Unknown        uint32
}

// betTable is the v3+ extended block table: bit-packed per-file records
// plus a deduplicated flag table and a parallel name-hash fingerprint
// array used to confirm a HET candidate.
type betTable struct {
	fileCount     uint32
	filePosBits   int
	fileSizeBits  int
	cmpSizeBits   int
	flagIndexBits int
	unknownBits   int
	nameHashBits  int
	flags         []uint32
	entries       []betEntry
	nameHashes    []uint64 // truncated to nameHashBits
}

// buildBetTable derives bit widths from the actual data, so small archives
// produce a small table instead of always paying for 64-bit fields.
func buildBetTable(blocks []BlockEntry, names []string) *betTable {
	var maxPos, maxSize, maxCmp uint64
	for _, b := range blocks {
		if p := b.filePos(); p > maxPos {
			maxPos = p
		}
		if uint64(b.FileSize) > maxSize {
			maxSize = uint64(b.FileSize)
		}
		if uint64(b.CompressedSize) > maxCmp {
			maxCmp = uint64(b.CompressedSize)
		}
	}

	flagIndex := make(map[uint32]int)
	var flags []uint32
	flagIdxOf := make([]uint32, len(blocks))
	for i, b := range blocks {
		if idx, ok := flagIndex[b.Flags]; ok {
			flagIdxOf[i] = uint32(idx)
			continue
		}
		idx := len(flags)
		flagIndex[b.Flags] = idx
		flags = append(flags, b.Flags)
		flagIdxOf[i] = uint32(idx)
	}

	t := &betTable{
		fileCount:     uint32(len(blocks)),
		filePosBits:   bitsNeeded(maxPos),
		fileSizeBits:  bitsNeeded(maxSize),
		cmpSizeBits:   bitsNeeded(maxCmp),
		flagIndexBits: bitsNeeded(uint64(len(flags))),
		unknownBits:   1,
		nameHashBits:  40,
		flags:         flags,
		entries:       make([]betEntry, len(blocks)),
		nameHashes:    make([]uint64, len(blocks)),
	}
	mask := uint64(1)<<uint(t.nameHashBits) - 1
	for i, b := range blocks {
		t.entries[i] = betEntry{
			FilePos:        b.filePos(),
			FileSize:       uint64(b.FileSize),
			CompressedSize: uint64(b.CompressedSize),
			FlagIndex:      flagIdxOf[i],
		}
		if i < len(names) && names[i] != "" {
			t.nameHashes[i] = jenkinsHash64(normalizeName(names[i])) & mask
		}
	}
	return t
}

// lookup returns the block index whose name-hash fingerprint matches name,
// used to confirm a HET candidate.
func (t *betTable) lookup(name string) (blockIndex uint32, found bool) {
	mask := uint64(1)<<uint(t.nameHashBits) - 1
	want := jenkinsHash64(normalizeName(name)) & mask
	for i, h := range t.nameHashes {
		if h == want {
			return uint32(i), true
		}
	}
	return 0, false
}

// matches reports whether entry i's stored name-hash fingerprint agrees
// with name. HET candidates are confirmed through this before a lookup is
// treated as a hit.
func (t *betTable) matches(i uint32, name string) bool {
	if i >= uint32(len(t.nameHashes)) {
		return false
	}
	mask := uint64(1)<<uint(t.nameHashBits) - 1
	return t.nameHashes[i] == jenkinsHash64(normalizeName(name))&mask
}

func (t *betTable) blockEntry(i uint32) BlockEntry {
	e := t.entries[i]
	b := BlockEntry{
		CompressedSize: uint32(e.CompressedSize),
		FileSize:       uint32(e.FileSize),
		Flags:          t.flags[e.FlagIndex],
	}
	b.setFilePos(e.FilePos)
	return b
}

type betHeader struct {
	Version           uint32
	DataSize          uint32
	TableSize         uint32
	FileCount         uint32
	Unknown08         uint32
	TableEntrySize    uint32
	BitIndexFilePos   uint32
	BitCountFilePos   uint32
	BitIndexFileSize  uint32
	BitCountFileSize  uint32
	BitIndexCmpSize   uint32
	BitCountCmpSize   uint32
	BitIndexFlagIndex uint32
	BitCountFlagIndex uint32
	BitIndexUnknown   uint32
	BitCountUnknown   uint32
	TotalBetHashSize  uint32
	BetHashSizeExtra  uint32
	BetHashArraySize  uint32
	FlagCount         uint32
}

func encodeBetTable(t *betTable) []byte {
	entryBits := t.filePosBits + t.fileSizeBits + t.cmpSizeBits + t.flagIndexBits + t.unknownBits

	bw := &bitWriter{}
	for _, e := range t.entries {
		bw.writeBits(e.FilePos, t.filePosBits)
		bw.writeBits(e.FileSize, t.fileSizeBits)
		bw.writeBits(e.CompressedSize, t.cmpSizeBits)
		bw.writeBits(uint64(e.FlagIndex), t.flagIndexBits)
		bw.writeBits(uint64(e.Unknown), t.unknownBits)
	}
	fileBytes := bw.bytes()

	hbw := &bitWriter{}
	for _, h := range t.nameHashes {
		hbw.writeBits(h, t.nameHashBits)
	}
	hashBytes := hbw.bytes()

	hdr := betHeader{
		Version:           1,
		FileCount:         t.fileCount,
		TableEntrySize:    uint32(entryBits),
		BitIndexFilePos:   0,
		BitCountFilePos:   uint32(t.filePosBits),
		BitIndexFileSize:  uint32(t.filePosBits),
		BitCountFileSize:  uint32(t.fileSizeBits),
		BitIndexCmpSize:   uint32(t.filePosBits + t.fileSizeBits),
		BitCountCmpSize:   uint32(t.cmpSizeBits),
		BitIndexFlagIndex: uint32(t.filePosBits + t.fileSizeBits + t.cmpSizeBits),
		BitCountFlagIndex: uint32(t.flagIndexBits),
		BitIndexUnknown:   uint32(t.filePosBits + t.fileSizeBits + t.cmpSizeBits + t.flagIndexBits),
		BitCountUnknown:   uint32(t.unknownBits),
		TotalBetHashSize:  uint32(t.nameHashBits),
		BetHashArraySize:  uint32(len(hashBytes)),
		FlagCount:         uint32(len(t.flags)),
	}

	var body bytes.Buffer
	for _, f := range t.flags {
		binary.Write(&body, binary.LittleEndian, f)
	}
	body.Write(fileBytes)
	body.Write(hashBytes)
	hdr.DataSize = uint32(body.Len())
	hdr.TableSize = hdr.DataSize + 4*20

	var out bytes.Buffer
	out.WriteString(betSignature)
	binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeBetTable(raw []byte) (*betTable, error) {
	if len(raw) < 4+4*20 || !bytes.Equal(raw[:4], []byte(betSignature)) {
		return nil, fmt.Errorf("bad BET signature")
	}
	var hdr betHeader
	r := bytes.NewReader(raw[4:])
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	off := 4 + 4*20

	if off+int(hdr.FlagCount)*4 > len(raw) {
		return nil, fmt.Errorf("bet table truncated (flags)")
	}
	flags := make([]uint32, hdr.FlagCount)
	for i := range flags {
		flags[i] = binary.LittleEndian.Uint32(raw[off+i*4:])
	}
	off += int(hdr.FlagCount) * 4

	filePosBits := int(hdr.BitCountFilePos)
	fileSizeBits := int(hdr.BitCountFileSize)
	cmpSizeBits := int(hdr.BitCountCmpSize)
	flagIndexBits := int(hdr.BitCountFlagIndex)
	unknownBits := int(hdr.BitCountUnknown)
	entryBits := int(hdr.TableEntrySize)

	fileBytesLen := (entryBits*int(hdr.FileCount) + 7) / 8
	if off+fileBytesLen > len(raw) {
		return nil, fmt.Errorf("bet table truncated (entries)")
	}
	br := &bitReader{buf: raw[off : off+fileBytesLen]}
	entries := make([]betEntry, hdr.FileCount)
	for i := range entries {
		entries[i] = betEntry{
			FilePos:        br.readBits(filePosBits),
			FileSize:       br.readBits(fileSizeBits),
			CompressedSize: br.readBits(cmpSizeBits),
			FlagIndex:      uint32(br.readBits(flagIndexBits)),
			Unknown:        uint32(br.readBits(unknownBits)),
		}
	}
	off += fileBytesLen

	hashBytesLen := int(hdr.BetHashArraySize)
	if off+hashBytesLen > len(raw) {
		return nil, fmt.Errorf("bet table truncated (name hashes)")
	}
	hbr := &bitReader{buf: raw[off : off+hashBytesLen]}
	hashes := make([]uint64, hdr.FileCount)
	for i := range hashes {
		hashes[i] = hbr.readBits(int(hdr.TotalBetHashSize))
	}

	return &betTable{
		fileCount:     hdr.FileCount,
		filePosBits:   filePosBits,
		fileSizeBits:  fileSizeBits,
		cmpSizeBits:   cmpSizeBits,
		flagIndexBits: flagIndexBits,
		unknownBits:   unknownBits,
		nameHashBits:  int(hdr.TotalBetHashSize),
		flags:         flags,
		entries:       entries,
		nameHashes:    hashes,
	}, nil
}

// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BuildOptions configures a new archive. The zero value builds a v1
// archive with 4 KiB sectors, zlib compression, and a (listfile).
type BuildOptions struct {
	Version FormatVersion
	// SectorSizeShift sets the sector size to 512 << shift; 0 selects the
	// conventional 4 KiB sectors.
	SectorSizeShift uint16
	// Compression is the default method mask for files that don't carry
	// their own; 0 selects zlib.
	Compression byte
	// DisableListfile suppresses the (listfile) manifest. Archives built
	// without one cannot be enumerated.
	DisableListfile bool
	// Attributes selects the (attributes) sections to generate (attrFlag*
	// bits); 0 writes no (attributes) file.
	Attributes uint32
	// SectorCRCs enables per-sector Adler-32 generation for every file
	// that doesn't override it.
	SectorCRCs bool
	// ExtendedTables emits HET/BET alongside the classic tables. Always
	// on for v3+ archives.
	ExtendedTables bool
	// RawChunkSize is the v4 table-digest chunk size; 0 selects 0x4000.
	RawChunkSize uint32
}

// FileInput is one file handed to Build.
type FileInput struct {
	Name string
	Data []byte
	// Compression overrides the archive's default method mask; nil
	// inherits it.
	Compression *byte
	Encrypt     bool
	// KeyAdjust mixes the block offset and file size into the file key
	// (the format's FIX_KEY flag).
	KeyAdjust  bool
	SingleUnit bool
	// SectorCRC overrides the archive's SectorCRCs default.
	SectorCRC *bool
	Locale    uint16
	PatchFile bool
	// DeleteMarker emits a zero-length tombstone entry that hides
	// lower-priority copies of the name in a patch chain.
	DeleteMarker bool
	// FileTime is a Windows FILETIME recorded in (attributes) when its
	// file-time section is enabled.
	FileTime uint64
}

func (o *BuildOptions) normalize() {
	if o.SectorSizeShift == 0 {
		o.SectorSizeShift = defaultSectorSizeShift
	}
	if o.Compression == 0 {
		o.Compression = compressionZlib
	}
	if o.RawChunkSize == 0 {
		o.RawChunkSize = 0x4000
	}
	if o.Version >= FormatV3 {
		o.ExtendedTables = true
	}
}

// Build creates a new archive at path containing inputs, in a single
// forward pass. The archive is written to a temp file in the same
// directory and renamed into place on success.
func Build(path string, opts BuildOptions, inputs []FileInput) error {
	return BuildContext(context.Background(), path, opts, inputs)
}

// BuildContext is Build with a cancellation signal, polled between files.
func BuildContext(ctx context.Context, path string, opts BuildOptions, inputs []FileInput) error {
	opts.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newErr(KindIO, path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "mpq_*.tmp")
	if err != nil {
		return newErr(KindIO, path, err)
	}
	tmpPath := tmp.Name()

	if err := buildArchive(ctx, tmp, opts, inputs, 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return newErr(KindIO, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return newErr(KindIO, path, err)
	}

	logger.Info("archive built",
		zap.String("path", path),
		zap.Uint16("format_version", uint16(opts.Version)),
		zap.Int("files", len(inputs)))
	return nil
}

// builtTables carries everything buildArchive lays out after the block
// data, so the mutation engine can reuse the exact same tail-emission.
type builtTables struct {
	blocks     []BlockEntry
	blockNames []string
	table      *classicTable
	het        *hetTable
	bet        *betTable
}

func buildArchive(ctx context.Context, file *os.File, opts BuildOptions, inputs []FileInput, base int64) error {
	sectorSize := uint32(512) << opts.SectorSizeShift

	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		key := normalizeName(in.Name)
		if key == "" {
			return newErr(KindInvalidOp, in.Name, fmt.Errorf("empty file name"))
		}
		if _, dup := seen[key]; dup {
			return newErr(KindInvalidOp, in.Name, fmt.Errorf("duplicate name"))
		}
		seen[key] = struct{}{}
	}

	header := &Header{
		FormatVersion:   opts.Version,
		HeaderSize:      headerSizeForVersion(opts.Version),
		SectorSizeShift: opts.SectorSizeShift,
	}
	cur := uint64(header.HeaderSize)

	var blocks []BlockEntry
	var blockNames []string
	var locales []uint16
	var attrEntries []AttributesEntry

	appendBlock := func(name string, locale uint16, data []byte, wire []byte, flags uint32, fileTime uint64) error {
		be := BlockEntry{
			CompressedSize: uint32(len(wire)),
			FileSize:       uint32(len(data)),
			Flags:          flags,
		}
		be.setFilePos(cur)
		if be.FilePosHi != 0 && opts.Version < FormatV2 {
			return newErr(KindUnsupported, name, fmt.Errorf("block offset beyond 4 GiB needs format v2+"))
		}
		if _, err := file.WriteAt(wire, base+int64(cur)); err != nil {
			return newErr(KindIO, name, err)
		}
		cur += uint64(len(wire))

		blocks = append(blocks, be)
		blockNames = append(blockNames, name)
		locales = append(locales, locale)
		entry := AttributesEntry{FileTime: fileTime}
		if data != nil {
			entry.CRC32 = crc32sum(data)
			entry.MD5 = md5Sum(data)
		}
		attrEntries = append(attrEntries, entry)
		return nil
	}

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return newErr(KindCancelled, in.Name, err)
		}

		name := strings.ReplaceAll(in.Name, "/", "\\")
		method := opts.Compression
		if in.Compression != nil {
			method = *in.Compression
		}
		crc := opts.SectorCRCs
		if in.SectorCRC != nil {
			crc = *in.SectorCRC
		}

		flags := uint32(flagExists)
		if in.Encrypt {
			flags |= flagEncrypted
		}
		if in.KeyAdjust {
			flags |= flagFixKey
		}
		if in.PatchFile {
			flags |= flagPatchFile
		}
		if in.DeleteMarker {
			flags |= flagDeleteMarker
			in.Data = nil
		}
		if crc {
			flags |= flagSectorCRC
		}
		if in.SingleUnit || uint32(len(in.Data)) <= sectorSize {
			flags |= flagSingleUnit
		}

		wire, finalFlags, err := encodeFileBlock(name, in.Data, flags, method, sectorSize, cur)
		if err != nil {
			return wrapName(err, name)
		}
		if err := appendBlock(name, in.Locale, in.Data, wire, finalFlags, in.FileTime); err != nil {
			return err
		}
	}

	// Special files ride the same pipeline as user inputs.
	if !opts.DisableListfile {
		names := make([]string, 0, len(inputs)+1)
		for _, in := range inputs {
			names = append(names, strings.ReplaceAll(in.Name, "/", "\\"))
		}
		if opts.Attributes != 0 {
			names = append(names, "(attributes)")
		}
		data := encodeListfile(names)
		wire, flags, err := encodeFileBlock("(listfile)", data, flagExists|flagSingleUnit, opts.Compression, sectorSize, cur)
		if err != nil {
			return err
		}
		if err := appendBlock("(listfile)", localeNeutral, data, wire, flags, 0); err != nil {
			return err
		}
	}

	if opts.Attributes != 0 {
		// The table covers every block, including (attributes) itself,
		// whose own entry stays zeroed.
		attrs := newAttributesTable(len(blocks)+1, opts.Attributes)
		for i, e := range attrEntries {
			attrs.entries[i] = e
		}
		data := attrs.encode()
		wire, flags, err := encodeFileBlock("(attributes)", data, flagExists|flagSingleUnit, opts.Compression, sectorSize, cur)
		if err != nil {
			return err
		}
		if err := appendBlock("(attributes)", localeNeutral, data, wire, flags, 0); err != nil {
			return err
		}
	}

	bt, err := assembleTables(blocks, blockNames, locales, opts.ExtendedTables)
	if err != nil {
		return err
	}

	end, err := writeTables(file, header, bt, cur, opts.RawChunkSize, base)
	if err != nil {
		return err
	}
	header.setArchiveSize(end)

	return finishHeader(file, header, base)
}

// assembleTables builds the lookup indices over a finished block layout:
// the classic hash table (every insert is verified by an immediate
// lookup) and HET/BET when requested.
func assembleTables(blocks []BlockEntry, blockNames []string, locales []uint16, extended bool) (*builtTables, error) {
	table := newClassicTable(sizeForLoadFactor(len(blocks)))
	table.block = blocks
	for i, name := range blockNames {
		if name == "" {
			continue
		}
		if err := table.insert(name, locales[i], uint32(i)); err != nil {
			return nil, newErr(KindInvalidOp, name, err)
		}
		if got, ok := table.lookup(name, locales[i]); !ok || got != uint32(i) {
			return nil, newErr(KindCorruptTable, name, fmt.Errorf("post-insert lookup returned %d,%v want %d", got, ok, i))
		}
	}

	bt := &builtTables{blocks: blocks, blockNames: blockNames, table: table}
	if extended {
		het := newHetTable(len(blocks))
		for i, name := range blockNames {
			if name == "" || !blocks[i].has(flagExists) {
				continue
			}
			if err := het.insert(name, uint32(i)); err != nil {
				return nil, newErr(KindCorruptTable, name, err)
			}
		}
		bt.het = het
		bt.bet = buildBetTable(blocks, blockNames)
	}
	return bt, nil
}

// writeTables lays the index tables out after the block data, in the fixed
// order HET, BET, hash, block, hi-block, filling in the header's offsets,
// counts, v4 sizes, and v4 digests. Returns the archive end offset.
func writeTables(file *os.File, header *Header, bt *builtTables, cur uint64, rawChunkSize uint32, base int64) (uint64, error) {
	writeAt := func(b []byte) (uint64, error) {
		off := cur
		if _, err := file.WriteAt(b, base+int64(off)); err != nil {
			return 0, newErr(KindIO, "", err)
		}
		cur += uint64(len(b))
		return off, nil
	}

	v4 := header.FormatVersion >= FormatV4
	if v4 {
		header.RawChunkSize = rawChunkSize
	}

	if bt.het != nil {
		raw := encodeExtTable(encodeHetTable(bt.het), hetTableKey)
		off, err := writeAt(raw)
		if err != nil {
			return 0, err
		}
		header.HetTableOffset64 = off
		if v4 {
			header.HetTableSize64 = uint64(len(raw))
			header.MD5HetTable = md5SumChunks(raw, rawChunkSize)
		}
	}
	if bt.bet != nil {
		raw := encodeExtTable(encodeBetTable(bt.bet), betTableKey)
		off, err := writeAt(raw)
		if err != nil {
			return 0, err
		}
		header.BetTableOffset64 = off
		if v4 {
			header.BetTableSize64 = uint64(len(raw))
			header.MD5BetTable = md5SumChunks(raw, rawChunkSize)
		}
	}

	hashRaw := encodeHashTable(bt.table.hash)
	hashOff, err := writeAt(hashRaw)
	if err != nil {
		return 0, err
	}
	header.setHashTableOffset64(hashOff)
	header.HashTableSize = uint32(len(bt.table.hash))
	if v4 {
		header.HashTableSize64 = uint64(len(hashRaw))
		header.MD5HashTable = md5SumChunks(hashRaw, rawChunkSize)
	}

	blockRaw := encodeBlockTable(bt.blocks)
	blockOff, err := writeAt(blockRaw)
	if err != nil {
		return 0, err
	}
	header.setBlockTableOffset64(blockOff)
	header.BlockTableSize = uint32(len(bt.blocks))
	if v4 {
		header.BlockTableSize64 = uint64(len(blockRaw))
		header.MD5BlockTable = md5SumChunks(blockRaw, rawChunkSize)
	}

	needHi := false
	for _, b := range bt.blocks {
		if b.FilePosHi != 0 {
			needHi = true
			break
		}
	}
	header.HiBlockTableOffset64 = 0
	if needHi && header.FormatVersion >= FormatV2 {
		hiRaw := encodeHiBlockTable(bt.blocks)
		hiOff, err := writeAt(hiRaw)
		if err != nil {
			return 0, err
		}
		header.HiBlockTableOffset64 = hiOff
		if v4 {
			header.HiBlockTableSize64 = uint64(len(hiRaw))
			header.MD5HiBlockTable = md5SumChunks(hiRaw, rawChunkSize)
		}
	}

	return cur, nil
}

// finishHeader computes the v4 header digest and writes the header at the
// archive's base offset, truncating the file to the archive end.
func finishHeader(file *os.File, header *Header, base int64) error {
	if header.FormatVersion >= FormatV4 {
		covered, err := headerBytesForMD5(header)
		if err != nil {
			return newErr(KindCorruptHeader, "", err)
		}
		header.MD5MpqHeader = md5Sum(covered)
	}

	if _, err := file.Seek(base, 0); err != nil {
		return newErr(KindIO, "", err)
	}
	if err := writeHeader(file, header); err != nil {
		return newErr(KindIO, "", err)
	}
	if err := file.Truncate(base + int64(header.archiveSize())); err != nil {
		return newErr(KindIO, "", err)
	}
	return file.Sync()
}

// encodeFileBlock turns one file's plaintext into its on-disk block image:
// sector split, per-sector compression with the store-raw fallback,
// optional CRC table, encryption. blockPos is the block's
// archive-relative offset, needed up front for key-adjusted keys.
func encodeFileBlock(name string, data []byte, flags uint32, method byte, sectorSize uint32, blockPos uint64) ([]byte, uint32, error) {
	var key uint32
	if flags&flagEncrypted != 0 {
		key = fileKey(name, uint32(blockPos), uint32(len(data)), flags&flagFixKey != 0)
	}

	if len(data) == 0 {
		return nil, (flags | flagSingleUnit) &^ (flagSectorCRC | flagCompress), nil
	}

	if flags&flagSingleUnit != 0 {
		payload, compressed := compressSectorTagged(data, method)
		if compressed {
			flags |= flagCompress
		} else {
			flags &^= flagCompress
		}
		if flags&flagSectorCRC != 0 {
			crc := make([]byte, 4)
			binary.LittleEndian.PutUint32(crc, adler32(payload))
			payload = append(payload, crc...)
		}
		if flags&flagEncrypted != 0 {
			encryptBytes(payload, key)
		}
		return payload, flags, nil
	}

	sectorCount := int((uint32(len(data)) + sectorSize - 1) / sectorSize)
	offsetWords := sectorCount + 1
	crcWords := 0
	if flags&flagSectorCRC != 0 {
		crcWords = sectorCount
	}
	prefixLen := (offsetWords + crcWords) * 4

	sectors := make([][]byte, sectorCount)
	prefix := make([]uint32, offsetWords+crcWords)
	anyCompressed := false

	off := uint32(prefixLen)
	for i := 0; i < sectorCount; i++ {
		start := i * int(sectorSize)
		end := start + int(sectorSize)
		if end > len(data) {
			end = len(data)
		}
		stored, compressed := compressSectorTagged(data[start:end], method)
		anyCompressed = anyCompressed || compressed

		prefix[i] = off
		if crcWords > 0 {
			prefix[offsetWords+i] = adler32(stored)
		}
		if flags&flagEncrypted != 0 {
			encryptBytes(stored, key+uint32(i))
		}
		sectors[i] = stored
		off += uint32(len(stored))
	}
	prefix[sectorCount] = off

	if anyCompressed {
		flags |= flagCompress
	} else {
		flags &^= flagCompress
	}

	if flags&flagEncrypted != 0 {
		encryptBlock(prefix, key-1)
	}

	wire := make([]byte, 0, off)
	wire = append(wire, wordsToBytes(prefix)...)
	for _, s := range sectors {
		wire = append(wire, s...)
	}
	return wire, flags, nil
}

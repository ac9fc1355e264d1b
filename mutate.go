// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// OpKind selects one mutation operation.
type OpKind int

const (
	// OpAdd appends a new file; its payload and options ride in Op.File.
	OpAdd OpKind = iota
	// OpRemove tombstones Op.Name. Physical space is reclaimed only by
	// rebuild.
	OpRemove
	// OpRename retargets Op.Name to Op.NewName, re-encrypting the block
	// when the key depends on the name.
	OpRename
	// OpRebuild re-emits the archive compactly after the other ops apply.
	OpRebuild
)

// Op is one entry of a mutation batch.
type Op struct {
	Kind    OpKind
	Name    string
	NewName string
	File    FileInput // OpAdd payload and per-file options
}

// mutState is the working copy a batch applies to. Nothing touches the
// live Archive until commit, so an aborted batch leaves no trace.
type mutState struct {
	header     Header
	hash       []HashEntry
	hashNames  []string
	blocks     []BlockEntry
	blockNames []string
	locales    []uint16
	attrs      []AttributesEntry
	appendPos  uint64
	addedData  map[string][]byte
	rebuild    bool
}

// Mutate applies ops in submission order as a single all-or-nothing
// transaction. New block data lands where the tables used to
// start; the tables and header are re-emitted past it; the whole result
// is staged in a temp file and renamed into place on commit. Pre-existing
// read handles keep observing the prior state until reopened.
func (a *Archive) Mutate(ctx context.Context, ops []Op) error {
	if a.mode != "m" {
		return newErr(KindInvalidOp, a.path, fmt.Errorf("archive not opened for modification"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateOps(ops); err != nil {
		logger.Error("mutation batch rejected", zap.String("path", a.path), zap.Error(err))
		return err
	}

	st := a.newMutState()

	tmpPath := filepath.Join(filepath.Dir(a.path),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(a.path), uuid.NewString()[:8]))
	tmp, err := copyToTemp(a.path, tmpPath)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	for _, op := range ops {
		if cerr := ctx.Err(); cerr != nil {
			return abort(newErr(KindCancelled, "", cerr))
		}
		if err := a.applyOp(tmp, st, op); err != nil {
			return abort(err)
		}
	}

	if err := a.commitMutState(tmp, st); err != nil {
		return abort(err)
	}
	if err := tmp.Close(); err != nil {
		return abort(newErr(KindIO, a.path, err))
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return abort(newErr(KindIO, a.path, err))
	}

	logger.Info("mutation committed", zap.String("path", a.path), zap.Int("ops", len(ops)))
	if err := a.reload(); err != nil {
		return err
	}
	if st.rebuild {
		return a.rebuildLocked(ctx)
	}
	return nil
}

// Rebuild re-emits the archive through the builder, reclaiming tombstoned
// space. It is the only operation that shrinks an archive.
func (a *Archive) Rebuild(ctx context.Context) error {
	if a.mode != "m" {
		return newErr(KindInvalidOp, a.path, fmt.Errorf("archive not opened for modification"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rebuildLocked(ctx)
}

// validateOps runs the whole batch against a scratch name set first, so a
// rejected transaction reports every violated invariant, not just the
// first.
func (a *Archive) validateOps(ops []Op) error {
	live := make(map[string]struct{})
	for i, be := range a.table.block {
		if be.has(flagExists) && a.blockNames[i] != "" {
			live[normalizeName(a.blockNames[i])] = struct{}{}
		}
	}

	reserved := func(name string) bool {
		for _, s := range specialNames {
			if strings.EqualFold(name, s) {
				return true
			}
		}
		return false
	}

	var errs error
	for _, op := range ops {
		switch op.Kind {
		case OpAdd:
			name := normalizeName(op.File.Name)
			switch {
			case name == "":
				errs = multierr.Append(errs, newErr(KindInvalidOp, op.File.Name, fmt.Errorf("empty file name")))
			case reserved(name):
				errs = multierr.Append(errs, newErr(KindInvalidOp, op.File.Name, fmt.Errorf("reserved name")))
			default:
				if _, dup := live[name]; dup {
					errs = multierr.Append(errs, newErr(KindInvalidOp, op.File.Name, fmt.Errorf("name already exists")))
				} else {
					live[name] = struct{}{}
				}
			}
		case OpRemove:
			name := normalizeName(op.Name)
			if reserved(name) {
				errs = multierr.Append(errs, newErr(KindInvalidOp, op.Name, fmt.Errorf("reserved name")))
				continue
			}
			if _, ok := live[name]; !ok {
				errs = multierr.Append(errs, newErr(KindNotFound, op.Name, nil))
				continue
			}
			delete(live, name)
		case OpRename:
			oldName := normalizeName(op.Name)
			newName := normalizeName(op.NewName)
			if reserved(oldName) || reserved(newName) {
				errs = multierr.Append(errs, newErr(KindInvalidOp, op.Name, fmt.Errorf("reserved name")))
				continue
			}
			if _, ok := live[oldName]; !ok {
				errs = multierr.Append(errs, newErr(KindNotFound, op.Name, nil))
				continue
			}
			if _, dup := live[newName]; dup {
				errs = multierr.Append(errs, newErr(KindInvalidOp, op.NewName, fmt.Errorf("rename target already exists")))
				continue
			}
			delete(live, oldName)
			live[newName] = struct{}{}
		case OpRebuild:
			// No name-set effect.
		default:
			errs = multierr.Append(errs, newErr(KindInvalidOp, "", fmt.Errorf("unknown op kind %d", op.Kind)))
		}
	}

	if a.het != nil {
		for i, be := range a.table.block {
			if be.has(flagExists) && a.blockNames[i] == "" {
				errs = multierr.Append(errs, newErr(KindInvalidOp, "",
					fmt.Errorf("block %d has no resolved name; extended tables cannot be maintained without full listfile coverage", i)))
				break
			}
		}
	}
	return errs
}

func (a *Archive) newMutState() *mutState {
	st := &mutState{
		header:     *a.header,
		hash:       append([]HashEntry(nil), a.table.hash...),
		hashNames:  append([]string(nil), a.table.names...),
		blocks:     append([]BlockEntry(nil), a.table.block...),
		blockNames: append([]string(nil), a.blockNames...),
		locales:    make([]uint16, len(a.table.block)),
		addedData:  make(map[string][]byte),
	}
	for i, name := range st.blockNames {
		st.locales[i] = a.localeOf(name)
	}

	if a.attrs != nil {
		st.attrs = append([]AttributesEntry(nil), a.attrs.entries...)
		for len(st.attrs) < len(st.blocks) {
			st.attrs = append(st.attrs, AttributesEntry{})
		}
	}

	// New data is appended where the tables begin; the tables slide out
	// past it on commit.
	h := a.header
	st.appendPos = h.hashTableOffset64()
	for _, off := range []uint64{h.blockTableOffset64(), h.HetTableOffset64, h.BetTableOffset64, h.HiBlockTableOffset64} {
		if off != 0 && off < st.appendPos {
			st.appendPos = off
		}
	}
	return st
}

// localeOf recovers the stored locale for a named entry from its hash
// slot; neutral when unknown.
func (a *Archive) localeOf(name string) uint16 {
	if name == "" || len(a.table.hash) == 0 {
		return localeNeutral
	}
	n := uint32(len(a.table.hash))
	ha := hashString(name, hashTypeNameA)
	hb := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) % n
	for i := uint32(0); i < n; i++ {
		e := a.table.hash[(start+i)%n]
		if e.empty() {
			return localeNeutral
		}
		if !e.deleted() && e.NameA == ha && e.NameB == hb {
			return e.Locale
		}
	}
	return localeNeutral
}

func (a *Archive) applyOp(tmp *os.File, st *mutState, op Op) error {
	switch op.Kind {
	case OpAdd:
		return a.applyAdd(tmp, st, op.File)
	case OpRemove:
		return a.applyRemove(st, op.Name)
	case OpRename:
		return a.applyRename(tmp, st, op.Name, op.NewName)
	case OpRebuild:
		st.rebuild = true
		return nil
	}
	return newErr(KindInvalidOp, "", fmt.Errorf("unknown op kind %d", op.Kind))
}

func (a *Archive) applyAdd(tmp *os.File, st *mutState, in FileInput) error {
	name := strings.ReplaceAll(in.Name, "/", "\\")
	method := byte(compressionZlib)
	if in.Compression != nil {
		method = *in.Compression
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
	if in.SectorCRC != nil && *in.SectorCRC {
		flags |= flagSectorCRC
	}
	if in.SingleUnit || uint32(len(in.Data)) <= a.sectorSize {
		flags |= flagSingleUnit
	}

	wire, finalFlags, err := encodeFileBlock(name, in.Data, flags, method, a.sectorSize, st.appendPos)
	if err != nil {
		return wrapName(err, name)
	}

	be := BlockEntry{
		CompressedSize: uint32(len(wire)),
		FileSize:       uint32(len(in.Data)),
		Flags:          finalFlags,
	}
	be.setFilePos(st.appendPos)
	if be.FilePosHi != 0 && st.header.FormatVersion < FormatV2 {
		return newErr(KindUnsupported, name, fmt.Errorf("block offset beyond 4 GiB needs format v2+"))
	}
	if _, err := tmp.WriteAt(wire, a.header.ArchiveOffset+int64(st.appendPos)); err != nil {
		return newErr(KindIO, name, err)
	}
	st.appendPos += uint64(len(wire))

	blockIndex := uint32(len(st.blocks))
	st.blocks = append(st.blocks, be)
	st.blockNames = append(st.blockNames, name)
	st.locales = append(st.locales, in.Locale)
	if st.attrs != nil {
		st.attrs = append(st.attrs, AttributesEntry{
			CRC32:    crc32sum(in.Data),
			FileTime: in.FileTime,
			MD5:      md5Sum(in.Data),
		})
	}
	st.addedData[normalizeName(name)] = in.Data

	if err := st.insertHash(name, in.Locale, blockIndex); err != nil {
		return newErr(KindInvalidOp, name, err)
	}
	return nil
}

func (a *Archive) applyRemove(st *mutState, name string) error {
	name = strings.ReplaceAll(name, "/", "\\")
	idx, ok := st.lookupHash(name)
	if !ok {
		return newErr(KindNotFound, name, nil)
	}
	st.tombstoneHash(name)
	st.blocks[idx].Flags &^= flagExists
	st.blockNames[idx] = ""
	if st.attrs != nil && int(idx) < len(st.attrs) {
		st.attrs[idx] = AttributesEntry{}
	}
	delete(st.addedData, normalizeName(name))
	return nil
}

func (a *Archive) applyRename(tmp *os.File, st *mutState, oldName, newName string) error {
	oldName = strings.ReplaceAll(oldName, "/", "\\")
	newName = strings.ReplaceAll(newName, "/", "\\")

	idx, ok := st.lookupHash(oldName)
	if !ok {
		return newErr(KindNotFound, oldName, nil)
	}
	be := st.blocks[idx]
	locale := st.locales[idx]

	// The file key hashes the basename only, so a directory move never
	// invalidates it (and a key-adjusted key's offset/size inputs don't
	// change either — the block stays put). A basename change on an
	// encrypted block means the old key can't be re-derived from the new
	// name: re-emit the block under the new key.
	sameBase := strings.EqualFold(baseFileName(normalizeName(oldName)), baseFileName(normalizeName(newName)))
	if be.has(flagEncrypted) && !sameBase {
		data, held := st.addedData[normalizeName(oldName)]
		if !held {
			var err error
			data, _, err = a.readBlockData(context.Background(), oldName, be, true)
			if err != nil {
				return wrapName(err, oldName)
			}
		}
		wire, finalFlags, err := encodeFileBlock(newName, data, be.Flags, compressionZlib, a.sectorSize, st.appendPos)
		if err != nil {
			return wrapName(err, newName)
		}
		if _, err := tmp.WriteAt(wire, a.header.ArchiveOffset+int64(st.appendPos)); err != nil {
			return newErr(KindIO, newName, err)
		}
		be.CompressedSize = uint32(len(wire))
		be.Flags = finalFlags
		be.setFilePos(st.appendPos)
		st.appendPos += uint64(len(wire))
		st.blocks[idx] = be
		st.addedData[normalizeName(newName)] = data
	}

	st.tombstoneHash(oldName)
	if err := st.insertHash(newName, locale, idx); err != nil {
		return newErr(KindInvalidOp, newName, err)
	}
	st.blockNames[idx] = newName
	st.locales[idx] = locale
	delete(st.addedData, normalizeName(oldName))
	return nil
}

// commitMutState regenerates the managed special files, rebuilds every
// index over the final block layout, and emits tables plus header into
// the staged temp file.
func (a *Archive) commitMutState(tmp *os.File, st *mutState) error {
	if a.names != nil {
		if err := a.regenerateSpecial(tmp, st, "(listfile)", st.encodeListfile()); err != nil {
			return err
		}
	}
	if st.attrs != nil {
		if err := a.regenerateSpecial(tmp, st, "(attributes)", st.encodeAttributes(a.attrs.flags)); err != nil {
			return err
		}
	}

	table := &classicTable{hash: st.hash, block: st.blocks, names: st.hashNames}
	bt := &builtTables{blocks: st.blocks, blockNames: st.blockNames, table: table}
	if a.het != nil {
		het := newHetTable(len(st.blocks))
		for i, name := range st.blockNames {
			if name == "" || !st.blocks[i].has(flagExists) {
				continue
			}
			if err := het.insert(name, uint32(i)); err != nil {
				return newErr(KindCorruptTable, name, err)
			}
		}
		bt.het = het
		bt.bet = buildBetTable(st.blocks, st.blockNames)
	}

	st.header.HashTableSize = uint32(len(st.hash))
	end, err := writeTables(tmp, &st.header, bt, st.appendPos, st.header.RawChunkSize, a.header.ArchiveOffset)
	if err != nil {
		return err
	}
	st.header.setArchiveSize(end)
	return finishHeader(tmp, &st.header, a.header.ArchiveOffset)
}

// regenerateSpecial re-emits a managed special file's block under its
// existing block index, so its hash slot stays valid.
func (a *Archive) regenerateSpecial(tmp *os.File, st *mutState, name string, data []byte) error {
	idx, ok := st.lookupHash(name)
	if !ok {
		return nil
	}
	wire, flags, err := encodeFileBlock(name, data, flagExists|flagSingleUnit, compressionZlib, a.sectorSize, st.appendPos)
	if err != nil {
		return wrapName(err, name)
	}
	if _, err := tmp.WriteAt(wire, a.header.ArchiveOffset+int64(st.appendPos)); err != nil {
		return newErr(KindIO, name, err)
	}
	be := BlockEntry{
		CompressedSize: uint32(len(wire)),
		FileSize:       uint32(len(data)),
		Flags:          flags,
	}
	be.setFilePos(st.appendPos)
	st.appendPos += uint64(len(wire))
	st.blocks[idx] = be
	if name == "(attributes)" && st.attrs != nil && int(idx) < len(st.attrs) {
		st.attrs[idx] = AttributesEntry{}
	}
	return nil
}

func (st *mutState) encodeListfile() []byte {
	var names []string
	for i, n := range st.blockNames {
		if n == "" || !st.blocks[i].has(flagExists) {
			continue
		}
		if strings.EqualFold(n, "(listfile)") {
			continue
		}
		names = append(names, n)
	}
	return encodeListfile(names)
}

func (st *mutState) encodeAttributes(flags uint32) []byte {
	attrs := &attributesTable{flags: flags, entries: append([]AttributesEntry(nil), st.attrs...)}
	for len(attrs.entries) < len(st.blocks) {
		attrs.entries = append(attrs.entries, AttributesEntry{})
	}
	return attrs.encode()
}

// Hash-table helpers over the working copy. These mirror classicTable's
// probe logic but operate on the batch's slices so growth inside a batch
// never disturbs the live table.

func (st *mutState) lookupHash(name string) (uint32, bool) {
	t := classicTable{hash: st.hash, block: st.blocks, names: st.hashNames}
	return t.lookup(name, localeNeutral)
}

func (st *mutState) insertHash(name string, locale uint16, blockIndex uint32) error {
	t := classicTable{hash: st.hash, block: st.blocks, names: st.hashNames}
	if err := t.insert(name, locale, blockIndex); err != nil {
		return err
	}
	st.hash = t.hash
	st.hashNames = t.names
	if got, ok := t.lookup(name, locale); !ok || got != blockIndex {
		return fmt.Errorf("post-insert lookup returned %d,%v want %d", got, ok, blockIndex)
	}
	return nil
}

func (st *mutState) tombstoneHash(name string) {
	t := classicTable{hash: st.hash, block: st.blocks, names: st.hashNames}
	t.tombstone(name, localeNeutral)
}

func (a *Archive) rebuildLocked(ctx context.Context) error {
	for i, be := range a.table.block {
		if be.has(flagExists) && a.blockNames[i] == "" {
			return newErr(KindInvalidOp, "",
				fmt.Errorf("block %d has no resolved name; rebuild needs full listfile coverage", i))
		}
	}

	var inputs []FileInput
	for i, be := range a.table.block {
		name := a.blockNames[i]
		if name == "" || !be.has(flagExists) {
			continue
		}
		skip := false
		for _, s := range specialNames {
			if strings.EqualFold(name, s) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		data, _, err := a.readBlockData(ctx, name, be, true)
		if err != nil {
			return err
		}
		crc := be.has(flagSectorCRC)
		inputs = append(inputs, FileInput{
			Name:       name,
			Data:       data,
			Encrypt:    be.has(flagEncrypted),
			KeyAdjust:  be.has(flagFixKey),
			SingleUnit: be.has(flagSingleUnit),
			SectorCRC:  &crc,
			Locale:     a.localeOf(name),
			PatchFile:  be.has(flagPatchFile),
		})
		if a.attrs != nil && i < len(a.attrs.entries) {
			inputs[len(inputs)-1].FileTime = a.attrs.entries[i].FileTime
		}
	}

	opts := BuildOptions{
		Version:         a.header.FormatVersion,
		SectorSizeShift: a.header.SectorSizeShift,
		Compression:     compressionZlib,
		DisableListfile: a.names == nil,
		ExtendedTables:  a.het != nil,
		RawChunkSize:    a.header.RawChunkSize,
	}
	if a.attrs != nil {
		opts.Attributes = a.attrs.flags
	}

	tmpPath := filepath.Join(filepath.Dir(a.path),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(a.path), uuid.NewString()[:8]))
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return newErr(KindIO, a.path, err)
	}

	// Preserve any host-file preamble in front of the archive.
	if a.header.ArchiveOffset > 0 {
		if _, err := io.Copy(tmp, io.NewSectionReader(a.file, 0, a.header.ArchiveOffset)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return newErr(KindIO, a.path, err)
		}
	}

	if err := buildArchive(ctx, tmp, opts, inputs, a.header.ArchiveOffset); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return newErr(KindIO, a.path, err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return newErr(KindIO, a.path, err)
	}

	logger.Info("archive rebuilt", zap.String("path", a.path), zap.Int("files", len(inputs)))
	return a.reload()
}

// reload swaps the in-memory state for the committed on-disk state.
func (a *Archive) reload() error {
	old := a.file
	file, err := os.Open(a.path)
	if err != nil {
		return newErr(KindIO, a.path, err)
	}
	fresh, err := loadArchiveFrom(file, a.path, a.mode)
	if err != nil {
		file.Close()
		return err
	}
	if old != nil {
		old.Close()
	}
	a.file = fresh.file
	a.fileSize = fresh.fileSize
	a.header = fresh.header
	a.table = fresh.table
	a.het = fresh.het
	a.bet = fresh.bet
	a.attrs = fresh.attrs
	a.names = fresh.names
	a.blockNames = fresh.blockNames
	a.sectorSize = fresh.sectorSize
	return nil
}

func copyToTemp(src, dst string) (*os.File, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, newErr(KindIO, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, newErr(KindIO, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return nil, newErr(KindIO, dst, err)
	}
	return out, nil
}

// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"context"
	"fmt"
	"strings"
)

// VerifyScope selects how much of an archive Verify checks.
type VerifyScope int

const (
	// VerifyHeader checks header self-consistency and the v4 header MD5.
	VerifyHeader VerifyScope = iota
	// VerifyTables re-reads every table and checks v4 digests plus
	// classic/extended coherence.
	VerifyTables
	// VerifyFiles checks every listed file's sector CRCs and its
	// (attributes) CRC32/MD5 entries.
	VerifyFiles
	// VerifyAll runs every scope plus signature verification.
	VerifyAll
)

// FileVerifyResult is one file's verification outcome. BadSectors holds
// the exact indices whose Adler-32 mismatched.
type FileVerifyResult struct {
	Name       string
	OK         bool
	BadSectors []int
	CRC32OK    bool
	MD5OK      bool
	Err        error
}

// VerifyReport aggregates a Verify run. Problems carries human-readable
// descriptions of everything that failed.
type VerifyReport struct {
	HeaderOK  bool
	TablesOK  bool
	Problems  []string
	Files     []FileVerifyResult
	Signature SignatureVerdict
}

// Verify checks the archive at the requested scope. It returns an error
// only when verification itself could not run; findings land in the
// report.
func (a *Archive) Verify(ctx context.Context, scope VerifyScope) (*VerifyReport, error) {
	report := &VerifyReport{HeaderOK: true, TablesOK: true, Signature: SignatureAbsent}

	if scope == VerifyHeader || scope == VerifyAll {
		a.verifyHeader(report)
	}
	if scope == VerifyTables || scope == VerifyAll {
		a.verifyTables(report)
	}
	if scope == VerifyFiles || scope == VerifyAll {
		if err := a.verifyFiles(ctx, report); err != nil {
			return nil, err
		}
	}
	if scope == VerifyAll {
		verdict, err := a.VerifySignature()
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("signature: %v", err))
		} else {
			report.Signature = verdict
		}
	}
	return report, nil
}

func (a *Archive) verifyHeader(report *VerifyReport) {
	h := a.header
	if h.FormatVersion >= FormatV4 {
		covered, err := headerBytesForMD5(h)
		if err != nil || md5Sum(covered) != h.MD5MpqHeader {
			report.HeaderOK = false
			report.Problems = append(report.Problems, "header MD5 mismatch")
		}
	}
	if h.FormatVersion == FormatV1 {
		if declared := int64(h.ArchiveSize32); declared != a.fileSize-h.ArchiveOffset {
			report.Problems = append(report.Problems,
				fmt.Sprintf("v1 archive_size %d disagrees with on-disk %d (warning)", declared, a.fileSize-h.ArchiveOffset))
		}
	}
}

func (a *Archive) verifyTables(report *VerifyReport) {
	h := a.header
	fail := func(msg string) {
		report.TablesOK = false
		report.Problems = append(report.Problems, msg)
	}

	if n := uint32(len(a.table.hash)); n != 0 && n&(n-1) != 0 {
		fail(fmt.Sprintf("hash table size %d is not a power of two", n))
	}

	if h.FormatVersion >= FormatV4 {
		check := func(name string, off uint64, size int, want [16]byte) {
			if off == 0 || size == 0 {
				return
			}
			raw, err := a.readRange(off, size)
			if err != nil {
				fail(fmt.Sprintf("%s unreadable: %v", name, err))
				return
			}
			if md5SumChunks(raw, h.RawChunkSize) != want {
				fail(fmt.Sprintf("%s MD5 mismatch", name))
			}
		}
		check("hash table", h.hashTableOffset64(), int(h.HashTableSize)*16, h.MD5HashTable)
		check("block table", h.blockTableOffset64(), int(h.BlockTableSize)*16, h.MD5BlockTable)
		check("hi-block table", h.HiBlockTableOffset64, int(h.BlockTableSize)*2, h.MD5HiBlockTable)
		check("het table", h.HetTableOffset64, int(h.HetTableSize64), h.MD5HetTable)
		check("bet table", h.BetTableOffset64, int(h.BetTableSize64), h.MD5BetTable)
	}

	if a.bet != nil && len(a.table.block) > 0 {
		if int(a.bet.fileCount) != len(a.table.block) {
			fail(fmt.Sprintf("BET describes %d files, block table %d", a.bet.fileCount, len(a.table.block)))
		}
		// Both indices must resolve every named file identically.
		for i, name := range a.blockNames {
			if name == "" || !a.table.block[i].has(flagExists) {
				continue
			}
			idx, ok := a.het.lookupVerified(name, func(j uint32) bool { return a.bet.matches(j, name) })
			if !ok || idx != uint32(i) {
				fail(fmt.Sprintf("HET/BET and classic tables disagree on %s", name))
			}
		}
	}
}

func (a *Archive) verifyFiles(ctx context.Context, report *VerifyReport) error {
	names, err := a.ListFiles()
	if err != nil {
		report.Problems = append(report.Problems, "no (listfile): file scope skipped")
		return nil
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return newErr(KindCancelled, name, err)
		}
		res := a.VerifyFile(ctx, name)
		if !res.OK {
			report.Problems = append(report.Problems, fmt.Sprintf("file %s failed verification", name))
		}
		report.Files = append(report.Files, res)
	}
	return nil
}

// VerifyFile checks one file's sector CRCs and, when (attributes) is
// present, its CRC32 and MD5 entries.
func (a *Archive) VerifyFile(ctx context.Context, name string) FileVerifyResult {
	name = strings.ReplaceAll(name, "/", "\\")
	res := FileVerifyResult{Name: name, CRC32OK: true, MD5OK: true}

	idx, ok := a.lookupBlockIndex(name, localeNeutral)
	if !ok {
		res.Err = newErr(KindNotFound, name, nil)
		return res
	}
	be, ok := a.blockEntryAt(idx)
	if !ok {
		res.Err = newErr(KindCorruptTable, name, fmt.Errorf("block index %d out of range", idx))
		return res
	}

	data, badSectors, err := a.readBlockData(ctx, name, be, false)
	res.BadSectors = badSectors
	if err != nil {
		res.Err = err
		return res
	}

	// (attributes) carries its own entry zeroed by convention; skip it.
	if a.attrs != nil && int(idx) < len(a.attrs.entries) && !strings.EqualFold(name, "(attributes)") {
		e := a.attrs.entries[idx]
		if a.attrs.flags&attrFlagCRC32 != 0 && e.CRC32 != 0 {
			res.CRC32OK = crc32sum(data) == e.CRC32
		}
		if a.attrs.flags&attrFlagMD5 != 0 {
			var zero [16]byte
			if e.MD5 != zero {
				res.MD5OK = md5Sum(data) == e.MD5
			}
		}
	}

	res.OK = len(res.BadSectors) == 0 && res.CRC32OK && res.MD5OK
	return res
}

// VerifySignature checks the archive's (signature) file. Absence is a
// normal outcome, not an error.
func (a *Archive) VerifySignature() (SignatureVerdict, error) {
	idx, ok := a.lookupBlockIndex("(signature)", localeNeutral)
	if !ok {
		return SignatureAbsent, nil
	}
	be, ok := a.blockEntryAt(idx)
	if !ok || !be.has(flagExists) {
		return SignatureAbsent, nil
	}

	payload, _, err := a.readBlockData(context.Background(), "(signature)", be, false)
	if err != nil {
		return SignatureInvalid, err
	}
	sf, err := decodeSignatureFile(payload)
	if err != nil {
		return SignatureInvalid, newErr(KindCorruptData, "(signature)", err)
	}

	image, err := a.readRange(0, int(a.fileSize-a.header.ArchiveOffset))
	if err != nil {
		return SignatureInvalid, err
	}
	covered := zeroSignatureRegion(image, int64(be.filePos()), int64(be.CompressedSize))
	return verifySignature(sf, covered), nil
}

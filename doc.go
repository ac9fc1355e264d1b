// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

/*
Package mpq reads, writes, and modifies MPQ (Mo'PaQ) archives.

MPQ is the content-addressed, compressed, optionally-encrypted container
format a family of games uses to bundle assets. This package implements
all four on-disk format versions, including the v3+ HET/BET extended
tables and the v4 per-table digests, and supports archives embedded at a
512-byte-aligned offset inside a host file.

# Features

  - Pure Go implementation - no CGO
  - MPQ format versions 1 through 4
  - Classic hash/block tables and the HET/BET extended tables
  - Stacked sector compression: zlib, bzip2, LZMA, sparse RLE, ADPCM
    mono/stereo, audio Huffman, PKWare-slot LZSS
  - Encrypted files, including key-adjusted (FIX_KEY) keys
  - Per-sector Adler-32, (attributes) CRC32/MD5/file-time side tables,
    weak and strong (signature) verification
  - In-place mutation: add, remove, rename, rebuild
  - Patch chains with delta application and parallel extraction

# Basic Usage

Building an archive:

	err := mpq.Build("game.mpq", mpq.BuildOptions{}, []mpq.FileInput{
		{Name: "Data\\readme.txt", Data: []byte("hello")},
	})

Reading an archive:

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	data, err := archive.ReadFile("Data\\readme.txt")

Modifying an archive:

	archive, err := mpq.OpenForModify("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	err = archive.Mutate(ctx, []mpq.Op{
		{Kind: mpq.OpAdd, File: mpq.FileInput{Name: "new.txt", Data: data}},
		{Kind: mpq.OpRemove, Name: "old.txt"},
	})

A mutation batch is all-or-nothing: it is staged in a temp file and
renamed into place on commit, so a crash mid-batch leaves the original
archive untouched.

# Path Conventions

MPQ archives use backslash (\) as the path separator and hash names
case-insensitively. Forward slashes are accepted everywhere and
normalized on entry.

# Patch Chains

OpenPatchChain overlays archives in priority order; the same Find,
ReadFile, and ListFiles surface then resolves each name to its winning
archive, applying patch deltas against lower-priority bases where a
winner carries the patch flag.

# Errors

Every failure is an *Error carrying a Kind from the package taxonomy
(NotFound, Io, CorruptHeader, CorruptTable, CorruptData,
ChecksumMismatch, Encrypted, Unsupported, InvalidOp, Cancelled), and
errors.Is works against the ErrNotFound-style sentinels.
*/
package mpq

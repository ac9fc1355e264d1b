// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// PatchChain overlays an ordered list of archives into one read view. The
// last archive has the highest priority; lookups walk the chain top-down
// and the first archive containing a name wins.
type PatchChain struct {
	archives []*Archive
}

// OpenPatchChain opens paths in order of increasing priority.
func OpenPatchChain(paths []string) (*PatchChain, error) {
	archives := make([]*Archive, 0, len(paths))
	for _, path := range paths {
		a, err := Open(path)
		if err != nil {
			for _, opened := range archives {
				opened.Close()
			}
			return nil, err
		}
		archives = append(archives, a)
	}
	return &PatchChain{archives: archives}, nil
}

// Close closes every archive in the chain.
func (c *PatchChain) Close() error {
	var firstErr error
	for _, a := range c.archives {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ArchiveCount returns the number of archives in the chain.
func (c *PatchChain) ArchiveCount() int { return len(c.archives) }

// findTopDown returns the highest-priority archive index holding name at
// or below limit, or -1.
func (c *PatchChain) findTopDown(name string, limit int) (int, BlockEntry) {
	for i := limit; i >= 0; i-- {
		a := c.archives[i]
		idx, ok := a.lookupBlockIndex(name, localeNeutral)
		if !ok {
			continue
		}
		if be, ok := a.blockEntryAt(idx); ok && be.has(flagExists) {
			return i, be
		}
	}
	return -1, BlockEntry{}
}

// HasFile reports whether the chain resolves name to a live file. A
// delete marker in a higher-priority archive hides lower-priority copies.
func (c *PatchChain) HasFile(name string) bool {
	name = strings.ReplaceAll(name, "/", "\\")
	i, be := c.findTopDown(name, len(c.archives)-1)
	return i >= 0 && !be.has(flagDeleteMarker)
}

// Find resolves name to the winning archive's entry.
func (c *PatchChain) Find(name string) (*FileInfo, error) {
	name = strings.ReplaceAll(name, "/", "\\")
	i, be := c.findTopDown(name, len(c.archives)-1)
	if i < 0 || be.has(flagDeleteMarker) {
		return nil, newErr(KindNotFound, name, nil)
	}
	return &FileInfo{
		Name:           name,
		CompressedSize: be.CompressedSize,
		FileSize:       be.FileSize,
		Flags:          be.Flags,
	}, nil
}

// ReadFile reads the winning version of name, applying patch deltas
// against lower-priority base copies where the winner carries the patch
// flag.
func (c *PatchChain) ReadFile(name string) ([]byte, error) {
	return c.ReadFileContext(context.Background(), name, ReadOptions{})
}

// ReadFileContext is ReadFile with cancellation and per-read options.
func (c *PatchChain) ReadFileContext(ctx context.Context, name string, opts ReadOptions) ([]byte, error) {
	name = strings.ReplaceAll(name, "/", "\\")
	return c.resolve(ctx, name, len(c.archives)-1, opts)
}

func (c *PatchChain) resolve(ctx context.Context, name string, limit int, opts ReadOptions) ([]byte, error) {
	i, be := c.findTopDown(name, limit)
	if i < 0 {
		return nil, newErr(KindNotFound, name, nil)
	}
	if be.has(flagDeleteMarker) {
		return nil, newErr(KindNotFound, name, nil)
	}

	data, err := c.archives[i].ReadFileContext(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if !be.has(flagPatchFile) {
		return data, nil
	}

	// The winner is a delta; its base is the next occurrence down the
	// chain, which may itself be a patch.
	base, err := c.resolve(ctx, name, i-1, opts)
	if err != nil {
		return nil, wrapName(newErr(KindCorruptData, name, fmt.Errorf("patch without base: %w", err)), name)
	}
	return applyPatchDelta(base, data)
}

// ListFiles returns the union of the chain's manifests, delete markers
// resolved. Archives without a listfile contribute nothing.
func (c *PatchChain) ListFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range c.archives {
		names, err := a.ListFiles()
		if err != nil {
			continue
		}
		for _, n := range names {
			key := normalizeName(n)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if c.HasFile(n) {
				out = append(out, n)
			}
		}
	}
	if len(out) == 0 && len(seen) == 0 {
		return nil, newErr(KindNotFound, "(listfile)", nil)
	}
	return out, nil
}

// clone opens private file descriptors over every archive in the chain,
// sharing their immutable tables.
func (c *PatchChain) clone() (*PatchChain, error) {
	dup := &PatchChain{archives: make([]*Archive, 0, len(c.archives))}
	for _, a := range c.archives {
		r, err := a.clone()
		if err != nil {
			dup.Close()
			return nil, err
		}
		dup.archives = append(dup.archives, r)
	}
	return dup, nil
}

// ExtractAll reads every resolvable file with a pool of workers. Chain
// resolution is sequential per file; files parallelize across workers,
// each on its own set of file descriptors.
func (c *PatchChain) ExtractAll(ctx context.Context, workers int, fn func(name string, data []byte) error) error {
	names, err := c.ListFiles()
	if err != nil {
		return err
	}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	work := make(chan string)

	g.Go(func() error {
		defer close(work)
		for _, name := range names {
			select {
			case work <- name:
			case <-ctx.Done():
				return newErr(KindCancelled, "", ctx.Err())
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			chain, err := c.clone()
			if err != nil {
				return err
			}
			defer chain.Close()
			for name := range work {
				data, err := chain.ReadFileContext(ctx, name, ReadOptions{})
				if err != nil {
					return err
				}
				if err := fn(name, data); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Patch delta wire format: a fixed header naming the base and result
// digests, then a command stream. Commands are 0x00 (literal: u32 length,
// raw bytes) and 0x01 (copy: u32 base offset, u32 length).
const patchDeltaMagic = "MPQD"

type patchDeltaHeader struct {
	BaseMD5    [16]byte
	ResultMD5  [16]byte
	BaseSize   uint32
	ResultSize uint32
}

const (
	deltaCmdLiteral = 0x00
	deltaCmdCopy    = 0x01
)

// makePatchDelta encodes target as a delta over base: a shared prefix and
// suffix become copy commands, the differing middle a literal. Crude next
// to a real binary-diff, but compact for the localized edits patch
// archives actually ship.
func makePatchDelta(base, target []byte) []byte {
	prefix := 0
	for prefix < len(base) && prefix < len(target) && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(target)-prefix &&
		base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	var buf bytes.Buffer
	buf.WriteString(patchDeltaMagic)
	hdr := patchDeltaHeader{
		BaseMD5:    md5Sum(base),
		ResultMD5:  md5Sum(target),
		BaseSize:   uint32(len(base)),
		ResultSize: uint32(len(target)),
	}
	binary.Write(&buf, binary.LittleEndian, &hdr)

	writeCopy := func(off, n int) {
		if n == 0 {
			return
		}
		buf.WriteByte(deltaCmdCopy)
		binary.Write(&buf, binary.LittleEndian, uint32(off))
		binary.Write(&buf, binary.LittleEndian, uint32(n))
	}
	writeLiteral := func(b []byte) {
		if len(b) == 0 {
			return
		}
		buf.WriteByte(deltaCmdLiteral)
		binary.Write(&buf, binary.LittleEndian, uint32(len(b)))
		buf.Write(b)
	}

	writeCopy(0, prefix)
	writeLiteral(target[prefix : len(target)-suffix])
	writeCopy(len(base)-suffix, suffix)
	return buf.Bytes()
}

// applyPatchDelta replays a delta over base, verifying the base digest
// before and the result digest after.
func applyPatchDelta(base, patch []byte) ([]byte, error) {
	if len(patch) < 4+16+16+8 || !bytes.Equal(patch[:4], []byte(patchDeltaMagic)) {
		return nil, newErr(KindCorruptData, "", fmt.Errorf("bad patch delta magic"))
	}
	var hdr patchDeltaHeader
	r := bytes.NewReader(patch[4:])
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, newErr(KindCorruptData, "", err)
	}
	if uint32(len(base)) != hdr.BaseSize || md5Sum(base) != hdr.BaseMD5 {
		return nil, newErr(KindChecksumMismatch, "", fmt.Errorf("patch base mismatch"))
	}

	cmds := patch[4+16+16+8:]
	out := make([]byte, 0, hdr.ResultSize)
	for len(cmds) > 0 {
		cmd := cmds[0]
		cmds = cmds[1:]
		switch cmd {
		case deltaCmdLiteral:
			if len(cmds) < 4 {
				return nil, newErr(KindCorruptData, "", fmt.Errorf("truncated literal command"))
			}
			n := binary.LittleEndian.Uint32(cmds)
			cmds = cmds[4:]
			if uint64(n) > uint64(len(cmds)) || uint64(len(out))+uint64(n) > uint64(hdr.ResultSize) {
				return nil, newErr(KindCorruptData, "", fmt.Errorf("literal overruns result"))
			}
			out = append(out, cmds[:n]...)
			cmds = cmds[n:]
		case deltaCmdCopy:
			if len(cmds) < 8 {
				return nil, newErr(KindCorruptData, "", fmt.Errorf("truncated copy command"))
			}
			off := binary.LittleEndian.Uint32(cmds)
			n := binary.LittleEndian.Uint32(cmds[4:])
			cmds = cmds[8:]
			if uint64(off)+uint64(n) > uint64(len(base)) || uint64(len(out))+uint64(n) > uint64(hdr.ResultSize) {
				return nil, newErr(KindCorruptData, "", fmt.Errorf("copy overruns base or result"))
			}
			out = append(out, base[off:off+n]...)
		default:
			return nil, newErr(KindCorruptData, "", fmt.Errorf("unknown delta command 0x%02X", cmd))
		}
	}

	if uint32(len(out)) != hdr.ResultSize || md5Sum(out) != hdr.ResultMD5 {
		return nil, newErr(KindChecksumMismatch, "", fmt.Errorf("patch result mismatch"))
	}
	return out, nil
}

// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestArchive(t *testing.T, opts BuildOptions, inputs []FileInput) (string, *Archive) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mpq")
	require.NoError(t, Build(path, opts, inputs))
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return path, a
}

func TestEmptyArchiveRoundTrip(t *testing.T) {
	_, a := buildTestArchive(t, BuildOptions{}, nil)

	require.Equal(t, FormatV1, a.header.FormatVersion)
	require.Equal(t, uint32(16), a.header.HashTableSize)
	require.Equal(t, uint32(1), a.header.BlockTableSize)

	names, err := a.ListFiles()
	require.NoError(t, err)
	require.Equal(t, []string{"(listfile)"}, names)

	data, err := a.ReadFile("(listfile)")
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestSingleCompressedFile(t *testing.T) {
	content := []byte("Hello, MPQ!")
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "readme.txt", Data: content},
	})

	names, err := a.ListFiles()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"(listfile)", "readme.txt"}, names)

	got, err := a.ReadFile("readme.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)

	info, err := a.Find("readme.txt", localeNeutral)
	require.NoError(t, err)
	require.LessOrEqual(t, info.CompressedSize, uint32(len(content)+2))

	// The name must resolve through the hash kernel to an occupied slot.
	slot := hashString("readme.txt", hashTypeTableOffset) % a.header.HashTableSize
	found := false
	for i := uint32(0); i < a.header.HashTableSize; i++ {
		e := a.table.hash[(slot+i)%a.header.HashTableSize]
		if e.empty() {
			break
		}
		if e.BlockIndex == info.BlockIndex {
			found = true
			break
		}
	}
	require.True(t, found)
}

func TestMultiSectorEncryptedFile(t *testing.T) {
	content := make([]byte, 32*1024)
	for i := range content {
		content[i] = byte(i)
	}
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "data.bin", Data: content, Encrypt: true, KeyAdjust: true},
	})

	info, err := a.Find("data.bin", localeNeutral)
	require.NoError(t, err)
	require.NotZero(t, info.Flags&flagEncrypted)
	require.NotZero(t, info.Flags&flagFixKey)
	require.Zero(t, info.Flags&flagSingleUnit, "32 KiB at 4 KiB sectors must be multi-sector")

	got, err := a.ReadFile("data.bin")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestZeroByteFile(t *testing.T) {
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "empty.dat", Data: nil},
	})

	info, err := a.Find("empty.dat", localeNeutral)
	require.NoError(t, err)
	require.Zero(t, info.FileSize)
	require.NotZero(t, info.Flags&flagSingleUnit)

	got, err := a.ReadFile("empty.dat")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestEncryptedSingleUnit(t *testing.T) {
	content := []byte("secret payload")
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "Data\\secret.txt", Data: content, Encrypt: true},
	})

	got, err := a.ReadFile("Data/secret.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestNotFound(t *testing.T) {
	_, a := buildTestArchive(t, BuildOptions{}, nil)
	_, err := a.ReadFile("missing.txt")
	require.Error(t, err)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestArchiveAtHostOffset(t *testing.T) {
	content := []byte("payload behind a host preamble")
	path, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "inner.txt", Data: content},
	})
	a.Close()

	// Re-embed the archive 512 bytes into a host file; everything inside
	// is archive-relative so only discovery has to adapt.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	host := filepath.Join(t.TempDir(), "host.exe")
	require.NoError(t, os.WriteFile(host, append(make([]byte, 512), raw...), 0o644))

	b, err := Open(host)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, int64(512), b.header.ArchiveOffset)

	got, err := b.ReadFile("inner.txt")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestV3ExtendedTables(t *testing.T) {
	content := noisePayload(10000)
	_, a := buildTestArchive(t, BuildOptions{Version: FormatV3}, []FileInput{
		{Name: "big.bin", Data: content},
		{Name: "small.txt", Data: []byte("hi")},
	})

	require.NotNil(t, a.het)
	require.NotNil(t, a.bet)

	got, err := a.ReadFile("big.bin")
	require.NoError(t, err)
	require.Equal(t, content, got)

	got, err = a.ReadFile("small.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)
}

func TestV4DigestsVerify(t *testing.T) {
	_, a := buildTestArchive(t, BuildOptions{Version: FormatV4}, []FileInput{
		{Name: "a.txt", Data: []byte("alpha")},
		{Name: "b.txt", Data: []byte("beta")},
	})

	report, err := a.Verify(context.Background(), VerifyAll)
	require.NoError(t, err)
	require.True(t, report.HeaderOK)
	require.True(t, report.TablesOK)
	require.Empty(t, report.Problems)
	require.Equal(t, SignatureAbsent, report.Signature)
}

func TestV4TableCorruptionDetected(t *testing.T) {
	path, a := buildTestArchive(t, BuildOptions{Version: FormatV4}, []FileInput{
		{Name: "a.txt", Data: []byte("alpha")},
	})
	hashOff := a.header.hashTableOffset64()
	a.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(hashOff)+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.Error(t, err)
	require.Equal(t, KindCorruptTable, KindOf(err))
}

func TestSectorCRCDetectsCorruption(t *testing.T) {
	// Incompressible payload keeps the sectors stored raw, so a flipped
	// byte surfaces as a checksum failure rather than a decode error.
	content := noisePayload(12 * 1024)
	crc := true
	path, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "noise.bin", Data: content, SectorCRC: &crc},
	})

	info, err := a.Find("noise.bin", localeNeutral)
	require.NoError(t, err)

	// 3 sectors: offset table (4 words) + CRC table (3 words), then data.
	prefixLen := uint64((4 + 3) * 4)
	corruptAt := int64(info.FilePos + prefixLen + 100)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	orig := make([]byte, 1)
	_, err = f.ReadAt(orig, corruptAt)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{orig[0] ^ 0x55}, corruptAt)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = a.ReadFile("noise.bin")
	require.Error(t, err)
	require.Equal(t, KindChecksumMismatch, KindOf(err))

	// Best-effort read hands back the corrupted bytes.
	got, err := a.ReadFileContext(context.Background(), "noise.bin", ReadOptions{SkipChecksums: true})
	require.NoError(t, err)
	require.Len(t, got, len(content))
	require.NotEqual(t, content, got)

	// Verification pinpoints the damaged sector.
	res := a.VerifyFile(context.Background(), "noise.bin")
	require.False(t, res.OK)
	require.Equal(t, []int{0}, res.BadSectors)
}

func TestAttributesVerify(t *testing.T) {
	_, a := buildTestArchive(t, BuildOptions{Attributes: attrFlagCRC32 | attrFlagMD5}, []FileInput{
		{Name: "a.txt", Data: []byte("attribute-covered payload")},
	})

	require.NotNil(t, a.attrs)
	res := a.VerifyFile(context.Background(), "a.txt")
	require.True(t, res.OK)
	require.True(t, res.CRC32OK)
	require.True(t, res.MD5OK)

	names, err := a.ListFiles()
	require.NoError(t, err)
	require.Contains(t, names, "(attributes)")
}

func TestReadCancellation(t *testing.T) {
	content := compressiblePayload(64 * 1024)
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "big.bin", Data: content},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.ReadFileContext(ctx, "big.bin", ReadOptions{})
	require.Error(t, err)
	require.Equal(t, KindCancelled, KindOf(err))
}

func TestExtractAllParallel(t *testing.T) {
	inputs := []FileInput{
		{Name: "one.txt", Data: []byte("first")},
		{Name: "two.txt", Data: compressiblePayload(9000)},
		{Name: "three.txt", Data: noisePayload(5000)},
	}
	_, a := buildTestArchive(t, BuildOptions{}, inputs)

	var mu sync.Mutex
	got := make(map[string][]byte)
	err := a.ExtractAll(context.Background(), 3, func(name string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got[name] = data
		return nil
	})
	require.NoError(t, err)

	for _, in := range inputs {
		require.Equal(t, in.Data, got[in.Name], in.Name)
	}
	require.Contains(t, got, "(listfile)")
}

func TestRepeatedReadsIdentical(t *testing.T) {
	content := compressiblePayload(20000)
	_, a := buildTestArchive(t, BuildOptions{}, []FileInput{
		{Name: "stable.bin", Data: content},
	})

	first, err := a.ReadFile("stable.bin")
	require.NoError(t, err)
	second, err := a.ReadFile("stable.bin")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

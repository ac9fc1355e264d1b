// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildChainArchive(t *testing.T, name string, inputs []FileInput) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, Build(path, BuildOptions{}, inputs))
	return path
}

func openChain(t *testing.T, paths ...string) *PatchChain {
	t.Helper()
	chain, err := OpenPatchChain(paths)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	return chain
}

func TestPatchChainPrecedence(t *testing.T) {
	base := buildChainArchive(t, "base.mpq", []FileInput{{Name: "x", Data: []byte("A")}})
	patch := buildChainArchive(t, "patch.mpq", []FileInput{{Name: "x", Data: []byte("B")}})

	chain := openChain(t, base, patch)
	got, err := chain.ReadFile("x")
	require.NoError(t, err)
	require.Equal(t, []byte("B"), got)

	names, err := chain.ListFiles()
	require.NoError(t, err)
	count := 0
	for _, n := range names {
		if n == "x" {
			count++
		}
	}
	require.Equal(t, 1, count, "the union must list x exactly once")
}

func TestPatchChainFallsThrough(t *testing.T) {
	base := buildChainArchive(t, "base.mpq", []FileInput{
		{Name: "shared.txt", Data: []byte("base")},
		{Name: "only-base.txt", Data: []byte("lonely")},
	})
	patch := buildChainArchive(t, "patch.mpq", []FileInput{
		{Name: "shared.txt", Data: []byte("patched")},
	})

	chain := openChain(t, base, patch)
	got, err := chain.ReadFile("only-base.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("lonely"), got)

	got, err = chain.ReadFile("shared.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("patched"), got)

	_, err = chain.ReadFile("nowhere.txt")
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestPatchChainDeltaApplication(t *testing.T) {
	baseData := compressiblePayload(8000)
	target := append([]byte(nil), baseData...)
	copy(target[4000:], []byte("EDITED REGION"))

	base := buildChainArchive(t, "base.mpq", []FileInput{{Name: "d.bin", Data: baseData}})
	patch := buildChainArchive(t, "patch.mpq", []FileInput{
		{Name: "d.bin", Data: makePatchDelta(baseData, target), PatchFile: true},
	})

	chain := openChain(t, base, patch)
	got, err := chain.ReadFile("d.bin")
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestPatchChainStackedDeltas(t *testing.T) {
	v1 := []byte("version one of the file contents")
	v2 := append([]byte(nil), v1...)
	v2[0] = 'V'
	v3 := append([]byte(nil), v2...)
	v3[len(v3)-1] = 'S'

	base := buildChainArchive(t, "base.mpq", []FileInput{{Name: "f", Data: v1}})
	p1 := buildChainArchive(t, "p1.mpq", []FileInput{
		{Name: "f", Data: makePatchDelta(v1, v2), PatchFile: true},
	})
	p2 := buildChainArchive(t, "p2.mpq", []FileInput{
		{Name: "f", Data: makePatchDelta(v2, v3), PatchFile: true},
	})

	chain := openChain(t, base, p1, p2)
	got, err := chain.ReadFile("f")
	require.NoError(t, err)
	require.Equal(t, v3, got)
}

func TestPatchChainDeleteMarker(t *testing.T) {
	base := buildChainArchive(t, "base.mpq", []FileInput{{Name: "gone.txt", Data: []byte("old")}})
	patch := buildChainArchive(t, "patch.mpq", []FileInput{
		{Name: "gone.txt", DeleteMarker: true},
	})

	chain := openChain(t, base, patch)
	require.False(t, chain.HasFile("gone.txt"))
	_, err := chain.Find("gone.txt")
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestPatchChainParallelExtract(t *testing.T) {
	base := buildChainArchive(t, "base.mpq", []FileInput{
		{Name: "a.bin", Data: compressiblePayload(6000)},
		{Name: "b.bin", Data: noisePayload(6000)},
	})
	patch := buildChainArchive(t, "patch.mpq", []FileInput{
		{Name: "a.bin", Data: []byte("patched a")},
	})

	chain := openChain(t, base, patch)
	var mu sync.Mutex
	got := make(map[string][]byte)
	err := chain.ExtractAll(context.Background(), 2, func(name string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got[name] = data
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("patched a"), got["a.bin"])
	require.Len(t, got["b.bin"], 6000)
}

func TestMakeApplyPatchDelta(t *testing.T) {
	base := []byte("the quick brown fox jumps over the lazy dog")
	target := []byte("the quick red fox jumps over the eager dog")

	delta := makePatchDelta(base, target)
	got, err := applyPatchDelta(base, delta)
	require.NoError(t, err)
	require.Equal(t, target, got)

	// A delta refuses the wrong base.
	_, err = applyPatchDelta([]byte("some other base entirely"), delta)
	require.Equal(t, KindChecksumMismatch, KindOf(err))
}

func TestPatchDeltaRejectsGarbage(t *testing.T) {
	_, err := applyPatchDelta([]byte("base"), []byte("not a delta"))
	require.Equal(t, KindCorruptData, KindOf(err))
}

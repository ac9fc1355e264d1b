// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"testing"
)

func TestHashStringKnownKeys(t *testing.T) {
	// The well-known fixed table keys every MPQ tool agrees on.
	tests := []struct {
		input    string
		hashType uint32
		expected uint32
	}{
		{"(hash table)", hashTypeFileKey, 0xC3AF3770},
		{"(block table)", hashTypeFileKey, 0xEC83B3A3},
	}

	for _, test := range tests {
		got := hashString(test.input, test.hashType)
		if got != test.expected {
			t.Errorf("hashString(%q, %d) = 0x%08X, want 0x%08X",
				test.input, test.hashType, got, test.expected)
		}
	}
}

func TestHashStringNormalization(t *testing.T) {
	// Case-insensitive, '/' folds to '\': all four spellings must agree
	// for every hash kind.
	spellings := []string{
		"Data\\SubDir\\File.txt",
		"data\\subdir\\file.txt",
		"Data/SubDir/File.txt",
		"DATA/SUBDIR/FILE.TXT",
	}
	for _, kind := range []uint32{hashTypeTableOffset, hashTypeNameA, hashTypeNameB, hashTypeFileKey} {
		want := hashString(spellings[0], kind)
		for _, s := range spellings[1:] {
			if got := hashString(s, kind); got != want {
				t.Errorf("hashString(%q, %d) = 0x%08X, want 0x%08X", s, kind, got, want)
			}
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	data := make([]uint32, 64)
	for i := range data {
		data[i] = uint32(i * 0x01010101)
	}
	original := append([]uint32(nil), data...)

	encryptBlock(data, 0xDEADBEEF)
	for i := range data {
		if data[i] == original[i] {
			// A fixed pattern should not survive encryption unchanged in
			// every word; spot check the first.
			if i == 0 {
				t.Errorf("word 0 unchanged after encryption")
			}
		}
	}
	decryptBlock(data, 0xDEADBEEF)
	for i := range data {
		if data[i] != original[i] {
			t.Fatalf("word %d: got 0x%08X want 0x%08X", i, data[i], original[i])
		}
	}
}

func TestDecryptBytesPartialWord(t *testing.T) {
	// Only the word-aligned prefix is transformed; the 3-byte tail stays.
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	tail := append([]byte(nil), data[4:]...)
	encryptBytes(data, 42)
	if data[4] != tail[0] || data[5] != tail[1] || data[6] != tail[2] {
		t.Errorf("tail bytes modified: %v", data[4:])
	}
	decryptBytes(data, 42)
	if data[0] != 1 || data[3] != 4 {
		t.Errorf("aligned prefix did not round trip: %v", data)
	}
}

func TestFileKeyDerivation(t *testing.T) {
	base := hashString("File.txt", hashTypeFileKey)

	if got := fileKey("Data\\SubDir\\File.txt", 0, 0, false); got != base {
		t.Errorf("key must derive from basename only: got 0x%08X want 0x%08X", got, base)
	}

	adjusted := fileKey("File.txt", 0x1000, 0x2000, true)
	want := (base + 0x1000) ^ 0x2000
	if adjusted != want {
		t.Errorf("adjusted key = 0x%08X, want 0x%08X", adjusted, want)
	}
}

func TestJenkinsHashStable(t *testing.T) {
	// The HET/BET hash must be a pure function of the normalized name.
	a := jenkinsHash64("Data\\File.txt")
	b := jenkinsHash64("data/file.TXT")
	if a != b {
		t.Errorf("normalized spellings hash differently: 0x%016X vs 0x%016X", a, b)
	}
	if a == jenkinsHash64("Data\\Other.txt") {
		t.Errorf("distinct names collided")
	}
}

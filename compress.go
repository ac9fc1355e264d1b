// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
)

// Compression method mask bits. A sector's first byte is this mask;
// several bits can be set at once when a sector went through more than one
// algorithm (ADPCM, Huffman and sparse can each sit in front of one primary
// algorithm).
const (
	compressionHuffman   = 0x01
	compressionZlib      = 0x02
	compressionPKWare    = 0x08
	compressionBzip2     = 0x10
	compressionSparse    = 0x20
	compressionADPCMMono = 0x40
	compressionADPCM     = 0x80
	compressionLZMA      = 0x12
)

// compressSector applies method (a single primary algorithm, optionally
// stacked with sparse/Huffman/ADPCM) to one sector's plaintext and returns
// the still-unkeyed wire bytes: a one-byte mask followed by the stacked
// payload. The caller is responsible for the store-raw-if-not-smaller
// fallback: compressSector never second-guesses method itself.
func compressSector(data []byte, method byte) ([]byte, error) {
	payload := data
	var err error

	if method&compressionADPCM != 0 {
		payload, err = adpcmEncode(payload, 2)
	} else if method&compressionADPCMMono != 0 {
		payload, err = adpcmEncode(payload, 1)
	}
	if err != nil {
		return nil, fmt.Errorf("adpcm encode: %w", err)
	}

	if method&compressionHuffman != 0 {
		payload, err = huffmanEncode(payload)
		if err != nil {
			return nil, fmt.Errorf("huffman encode: %w", err)
		}
	}

	if method&compressionSparse != 0 {
		payload, err = sparseEncode(payload)
		if err != nil {
			return nil, fmt.Errorf("sparse encode: %w", err)
		}
	}

	// LZMA's mask value overlaps the zlib and bzip2 bits, so it is matched
	// by exact equality before any bit test.
	switch {
	case method == compressionLZMA:
		payload, err = lzmaEncode(payload)
	case method&compressionBzip2 != 0:
		payload, err = bzip2Encode(payload)
	case method&compressionZlib != 0:
		payload, err = zlibEncode(payload)
	case method&compressionPKWare != 0:
		payload, err = pkwareEncode(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("primary compress: %w", err)
	}

	out := make([]byte, 1+len(payload))
	out[0] = method
	copy(out[1:], payload)
	return out, nil
}

// decompressSector is compressSector's inverse: it reads the mask byte and
// unwinds each algorithm in the reverse of the order compressSector applied
// them (compress: ADPCM, Huffman, sparse, then the primary algorithm;
// decompress: primary, sparse, Huffman, then ADPCM).
func decompressSector(data []byte, uncompressedSize int) ([]byte, error) {
	if len(data) == 0 {
		if uncompressedSize == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("empty compressed sector, want %d bytes", uncompressedSize)
	}

	method := data[0]
	payload := data[1:]
	var err error

	switch {
	case method == compressionLZMA:
		payload, err = lzmaDecode(payload, uncompressedSize)
	case method&compressionBzip2 != 0:
		payload, err = bzip2Decode(payload, uncompressedSize)
	case method&compressionZlib != 0:
		payload, err = zlibDecode(payload, uncompressedSize)
	case method&compressionPKWare != 0:
		payload, err = pkwareDecode(payload, uncompressedSize)
	}
	if err != nil {
		return nil, fmt.Errorf("primary decompress: %w", err)
	}

	if method&compressionSparse != 0 {
		payload, err = sparseDecode(payload)
		if err != nil {
			return nil, fmt.Errorf("sparse decode: %w", err)
		}
	}

	if method&compressionHuffman != 0 {
		payload, err = huffmanDecode(payload)
		if err != nil {
			return nil, fmt.Errorf("huffman decode: %w", err)
		}
	}

	if method&compressionADPCM != 0 {
		payload, err = adpcmDecode(payload, 2)
	} else if method&compressionADPCMMono != 0 {
		payload, err = adpcmDecode(payload, 1)
	}
	if err != nil {
		return nil, fmt.Errorf("adpcm decode: %w", err)
	}

	if len(payload) != uncompressedSize && uncompressedSize > 0 {
		if len(payload) > uncompressedSize {
			payload = payload[:uncompressedSize]
		}
	}
	return payload, nil
}

// compressSectorBest tries method, and falls back to storing raw bytes if
// compression didn't shrink the sector, per the write-side policy every
// archive writer in the wild follows.
func compressSectorBest(data []byte, method byte) []byte {
	payload, _ := compressSectorTagged(data, method)
	return payload
}

// compressSectorTagged is compressSectorBest plus a flag telling the caller
// whether the returned bytes are the mask-prefixed compressed form or a raw
// copy — callers that set the per-file/per-sector "compressed" flag bit
// need to know which happened, since a sector that didn't shrink is stored
// raw with no method byte at all.
func compressSectorTagged(data []byte, method byte) (payload []byte, compressed bool) {
	if method == 0 {
		return append([]byte(nil), data...), false
	}
	out, err := compressSector(data, method)
	if err != nil || len(out) >= len(data) {
		return append([]byte(nil), data...), false
	}
	return out, true
}

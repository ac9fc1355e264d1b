// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import "crypto/md5"

// adler32 computes the Adler-32 checksum the format calls "sector CRC".
func adler32(data []byte) uint32 {
	const mod = 65521
	var a uint32 = 1
	var b uint32
	for _, v := range data {
		a = (a + uint32(v)) % mod
		b = (b + a) % mod
	}
	return (b << 16) | a
}

// md5Sum is a thin wrapper kept so every MD5 use in the package (table
// digests, (attributes) entries, header MD5) goes through one call site.
func md5Sum(data []byte) [16]byte {
	return md5.Sum(data)
}

// md5SumChunks computes the MD5 of data processed in fixed-size chunks, as
// the v4 header requires for table digests. A chunked digest
// here is still a single MD5 over the concatenation of the chunks — the
// chunk size only bounds how much of the table is buffered at a time during
// streamed writes; mathematically it is md5(data).
func md5SumChunks(data []byte, chunkSize uint32) [16]byte {
	if chunkSize == 0 {
		return md5Sum(data)
	}
	h := md5.New()
	for off := 0; off < len(data); off += int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[off:end])
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

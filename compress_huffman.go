// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"container/heap"
	"encoding/binary"
	"fmt"
)

// huffmanEncode/huffmanDecode implement the byte-oriented Huffman stage
// the audio path stacks with ADPCM. No ecosystem library
// exposes a bitstream-compatible Huffman coder for this slot — huff0-style
// FSE coders solve a different problem — so this is a plain from-scratch
// canonical Huffman coder: a frequency table, then code-length-sorted
// codes, self-consistent between encode and decode.

type huffNode struct {
	freq        int
	sym         int // -1 for internal nodes
	left, right *huffNode
}

type huffHeap []*huffNode

func (h huffHeap) Len() int { return len(h) }
func (h huffHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].sym < h[j].sym
}
func (h huffHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *huffHeap) Push(x interface{}) { *h = append(*h, x.(*huffNode)) }
func (h *huffHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func buildHuffTree(freq [256]int) *huffNode {
	h := &huffHeap{}
	heap.Init(h)
	for sym, f := range freq {
		if f > 0 {
			heap.Push(h, &huffNode{freq: f, sym: sym})
		}
	}
	if h.Len() == 0 {
		return nil
	}
	if h.Len() == 1 {
		only := heap.Pop(h).(*huffNode)
		return &huffNode{freq: only.freq, sym: -1, left: only}
	}
	for h.Len() > 1 {
		a := heap.Pop(h).(*huffNode)
		b := heap.Pop(h).(*huffNode)
		heap.Push(h, &huffNode{freq: a.freq + b.freq, sym: -1, left: a, right: b})
	}
	return heap.Pop(h).(*huffNode)
}

func collectCodeLengths(n *huffNode, depth int, lengths *[256]int) {
	if n == nil {
		return
	}
	if n.sym >= 0 {
		if depth == 0 {
			depth = 1
		}
		lengths[n.sym] = depth
		return
	}
	collectCodeLengths(n.left, depth+1, lengths)
	collectCodeLengths(n.right, depth+1, lengths)
}

// canonicalCodes assigns codes in symbol order for each code length,
// shortest lengths first, per the standard canonical-Huffman construction.
func canonicalCodes(lengths [256]int) (codes [256]uint32, codeLens [256]int) {
	type sl struct{ sym, length int }
	var syms []sl
	for s, l := range lengths {
		if l > 0 {
			syms = append(syms, sl{s, l})
		}
	}
	// stable sort by length then symbol
	for i := 1; i < len(syms); i++ {
		for j := i; j > 0 && (syms[j].length < syms[j-1].length ||
			(syms[j].length == syms[j-1].length && syms[j].sym < syms[j-1].sym)); j-- {
			syms[j], syms[j-1] = syms[j-1], syms[j]
		}
	}
	code := uint32(0)
	prevLen := 0
	for _, e := range syms {
		code <<= uint(e.length - prevLen)
		codes[e.sym] = code
		codeLens[e.sym] = e.length
		code++
		prevLen = e.length
	}
	return codes, codeLens
}

func huffmanEncode(data []byte) ([]byte, error) {
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	tree := buildHuffTree(freq)
	if tree == nil {
		return append([]byte{0}, 0, 0, 0, 0), nil
	}
	var lengths [256]int
	collectCodeLengths(tree, 0, &lengths)
	codes, codeLens := canonicalCodes(lengths)

	bw := &bitWriter{}
	for _, b := range data {
		bw.writeBits(reverseBits(codes[b], codeLens[b]), codeLens[b])
	}
	payload := bw.bytes()

	out := make([]byte, 4+256+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
	for i := 0; i < 256; i++ {
		out[4+i] = byte(lengths[i])
	}
	copy(out[4+256:], payload)
	return out, nil
}

func huffmanDecode(data []byte) ([]byte, error) {
	if len(data) < 4+256 {
		return nil, fmt.Errorf("huffman stream too short")
	}
	origLen := binary.LittleEndian.Uint32(data[0:4])
	var lengths [256]int
	for i := 0; i < 256; i++ {
		lengths[i] = int(data[4+i])
	}
	if origLen == 0 {
		return nil, nil
	}
	_, codeLens := canonicalCodes(lengths)

	br := &bitReader{buf: data[4+256:]}
	out := make([]byte, 0, origLen)
	for uint32(len(out)) < origLen {
		sym, ok := decodeOneSymbol(br, lengths, codeLens)
		if !ok {
			return nil, fmt.Errorf("huffman stream corrupt")
		}
		out = append(out, byte(sym))
	}
	return out, nil
}

// decodeOneSymbol walks bits one at a time, matching against every symbol
// whose code length equals the bits consumed so far. Simpler than a table
// decoder and fine for sector-sized inputs.
func decodeOneSymbol(br *bitReader, lengths [256]int, codeLens [256]int) (int, bool) {
	codes, _ := canonicalCodes(lengths)
	var acc uint32
	for bits := 1; bits <= 32; bits++ {
		acc = (acc << 1) | uint32(br.readBits(1))
		for sym := 0; sym < 256; sym++ {
			if codeLens[sym] == bits && codes[sym] == acc {
				return sym, true
			}
		}
	}
	return 0, false
}

// reverseBits reverses the low n bits of v, since bitWriter emits LSB first
// but canonical Huffman codes are conventionally built MSB first.
func reverseBits(v uint32, n int) uint64 {
	var out uint32
	for i := 0; i < n; i++ {
		out = (out << 1) | (v & 1)
		v >>= 1
	}
	return uint64(out)
}

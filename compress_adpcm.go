// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
)

// IMA ADPCM step tables, the ones every MPQ-producing tool since the
// original Diablo used for wave compression.
var adpcmStepTable = [89]int{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17, 19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118, 130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796, 876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358, 5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

var adpcmIndexTable = [8]int{-1, -1, -1, -1, 2, 4, 6, 8}

type adpcmChannelState struct {
	predicted int32
	index     int
}

func clampIndex(idx int) int {
	if idx < 0 {
		return 0
	}
	if idx > len(adpcmStepTable)-1 {
		return len(adpcmStepTable) - 1
	}
	return idx
}

func clampSample(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// adpcmEncode compresses 16-bit PCM samples (channels interleaved) into a
// 4-bit-per-sample IMA ADPCM stream prefixed with each channel's initial
// predictor, matching how wave-file sectors are laid out on disk.
func adpcmEncode(data []byte, channels int) ([]byte, error) {
	if len(data)%2 != 0 {
		data = data[:len(data)-len(data)%2]
	}
	samples := len(data) / 2
	if samples%channels != 0 {
		samples -= samples % channels
	}

	states := make([]adpcmChannelState, channels)
	out := make([]byte, 0, 2*channels+samples/2+2)
	for c := 0; c < channels; c++ {
		if samples > c {
			s := int16(binary.LittleEndian.Uint16(data[c*2:]))
			states[c].predicted = int32(s)
		}
		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(states[c].predicted))
		out = append(out, hdr[:]...)
	}

	var nibble byte
	haveNibble := false
	for i := 0; i < samples; i++ {
		c := i % channels
		sample := int32(int16(binary.LittleEndian.Uint16(data[i*2:])))
		code := adpcmEncodeSample(&states[c], sample)
		if !haveNibble {
			nibble = code
			haveNibble = true
		} else {
			out = append(out, nibble|code<<4)
			haveNibble = false
		}
	}
	if haveNibble {
		out = append(out, nibble)
	}
	return out, nil
}

func adpcmEncodeSample(st *adpcmChannelState, sample int32) byte {
	diff := sample - st.predicted
	sign := byte(0)
	if diff < 0 {
		sign = 8
		diff = -diff
	}
	step := adpcmStepTable[st.index]
	code := byte(0)
	tempStep := int32(step)
	for i := 0; i < 3; i++ {
		if diff >= tempStep {
			code |= 1 << uint(2-i)
			diff -= tempStep
		}
		tempStep >>= 1
	}
	code |= sign

	predDiff := step >> 3
	if code&1 != 0 {
		predDiff += step >> 2
	}
	if code&2 != 0 {
		predDiff += step >> 1
	}
	if code&4 != 0 {
		predDiff += step
	}
	if sign != 0 {
		st.predicted = clampSample(st.predicted - int32(predDiff))
	} else {
		st.predicted = clampSample(st.predicted + int32(predDiff))
	}
	st.index = clampIndex(st.index + adpcmIndexTable[code&7])
	return code
}

func adpcmDecode(data []byte, channels int) ([]byte, error) {
	if len(data) < channels*2 {
		return nil, fmt.Errorf("adpcm stream too short for %d channel header", channels)
	}
	states := make([]adpcmChannelState, channels)
	out := make([]byte, 0, len(data)*4)
	for c := 0; c < channels; c++ {
		states[c].predicted = int32(int16(binary.LittleEndian.Uint16(data[c*2:])))
		var sample [2]byte
		binary.LittleEndian.PutUint16(sample[:], uint16(states[c].predicted))
		out = append(out, sample[:]...)
	}

	body := data[channels*2:]
	c := 0
	for _, b := range body {
		for _, code := range [2]byte{b & 0x0F, b >> 4} {
			sample := adpcmDecodeSample(&states[c], code)
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(sample))
			out = append(out, buf[:]...)
			c = (c + 1) % channels
		}
	}
	return out, nil
}

func adpcmDecodeSample(st *adpcmChannelState, code byte) int32 {
	step := adpcmStepTable[st.index]
	predDiff := step >> 3
	if code&1 != 0 {
		predDiff += step >> 2
	}
	if code&2 != 0 {
		predDiff += step >> 1
	}
	if code&4 != 0 {
		predDiff += step
	}
	if code&8 != 0 {
		st.predicted = clampSample(st.predicted - int32(predDiff))
	} else {
		st.predicted = clampSample(st.predicted + int32(predDiff))
	}
	st.index = clampIndex(st.index + adpcmIndexTable[code&7])
	return st.predicted
}

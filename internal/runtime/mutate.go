// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runtime

import (
	"encoding/binary"
	"math/rand"

	"github.com/intel/tsffs/internal/tokenizer"
	"github.com/intel/tsffs/internal/tracer"
)

// maxMutationGrowth bounds how much a single mutation pass may grow an
// input, so a havoc run cannot make a testcase balloon unboundedly
// across many chained mutations.
const maxMutationGrowth = 4096

// havoc applies a short stack of random byte-level transformations, in
// the spirit of a classic bit/byte-flip mutation stack: a handful of
// cheap, composable edits chosen independently and applied in sequence.
func havoc(r *rand.Rand, parent []byte) []byte {
	out := append([]byte(nil), parent...)
	if len(out) == 0 {
		out = []byte{0}
	}
	steps := 1 + r.Intn(8)
	for i := 0; i < steps; i++ {
		switch r.Intn(6) {
		case 0:
			out = flipBit(r, out)
		case 1:
			out = flipByte(r, out)
		case 2:
			out = insertByte(r, out)
		case 3:
			out = deleteByte(r, out)
		case 4:
			out = duplicateChunk(r, out)
		case 5:
			out = overwriteWithInterestingValue(r, out)
		}
		if len(out) > maxMutationGrowth {
			out = out[:maxMutationGrowth]
		}
	}
	return out
}

func flipBit(r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pos := r.Intn(len(data))
	bit := uint(r.Intn(8))
	data[pos] ^= 1 << bit
	return data
}

func flipByte(r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data[r.Intn(len(data))] = byte(r.Intn(256))
	return data
}

func insertByte(r *rand.Rand, data []byte) []byte {
	pos := r.Intn(len(data) + 1)
	b := byte(r.Intn(256))
	out := make([]byte, 0, len(data)+1)
	out = append(out, data[:pos]...)
	out = append(out, b)
	out = append(out, data[pos:]...)
	return out
}

func deleteByte(r *rand.Rand, data []byte) []byte {
	if len(data) <= 1 {
		return data
	}
	pos := r.Intn(len(data))
	return append(data[:pos], data[pos+1:]...)
}

func duplicateChunk(r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	start := r.Intn(len(data))
	length := 1 + r.Intn(len(data)-start)
	chunk := append([]byte(nil), data[start:start+length]...)
	pos := r.Intn(len(data) + 1)
	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:pos]...)
	out = append(out, chunk...)
	out = append(out, data[pos:]...)
	return out
}

// interestingValues are the classic boundary-condition constants worth
// writing over an input directly, cheaper than discovering them via
// random flips.
var interestingValues = []int64{-1, 0, 1, 16, 32, 64, 127, 128, 255, 256, -128, 1000, 10000}

func overwriteWithInterestingValue(r *rand.Rand, data []byte) []byte {
	if len(data) < 1 {
		return data
	}
	width := 1
	switch {
	case len(data) >= 8 && r.Intn(3) == 0:
		width = 8
	case len(data) >= 4 && r.Intn(2) == 0:
		width = 4
	case len(data) >= 2:
		width = 2
	}
	pos := r.Intn(len(data) - width + 1)
	v := interestingValues[r.Intn(len(interestingValues))]
	switch width {
	case 1:
		data[pos] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data[pos:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data[pos:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data[pos:], uint64(v))
	}
	return data
}

// splice takes a prefix of parent and a suffix of donor, joined at
// independently-chosen split points.
func splice(r *rand.Rand, parent, donor []byte) []byte {
	if len(parent) == 0 {
		return append([]byte(nil), donor...)
	}
	if len(donor) == 0 {
		return append([]byte(nil), parent...)
	}
	cut1 := r.Intn(len(parent))
	cut2 := r.Intn(len(donor))
	out := make([]byte, 0, cut1+(len(donor)-cut2))
	out = append(out, parent[:cut1]...)
	out = append(out, donor[cut2:]...)
	if len(out) > maxMutationGrowth {
		out = out[:maxMutationGrowth]
	}
	return out
}

// cmplogDirected rewrites the bytes at one recorded comparison site with
// the operand the guest compared against, a Redqueen-style "just hand
// it the value it wanted" mutation. Entries carry no input offset, so
// the write position is chosen at random; an input shorter than the
// entry's operand width is returned unchanged.
func cmplogDirected(r *rand.Rand, parent []byte, log []tracer.CmpLogEntry) []byte {
	if len(log) == 0 {
		return havoc(r, parent)
	}
	out := append([]byte(nil), parent...)
	entry := log[r.Intn(len(log))]
	want := entry.Operand[r.Intn(2)]
	pos := r.Intn(max(1, len(out)-entry.Width+1))
	if pos+entry.Width > len(out) {
		return out
	}
	switch entry.Width {
	case 1:
		out[pos] = byte(want)
	case 2:
		binary.LittleEndian.PutUint16(out[pos:], uint16(want))
	case 4:
		binary.LittleEndian.PutUint32(out[pos:], uint32(want))
	case 8:
		binary.LittleEndian.PutUint64(out[pos:], uint64(want))
	}
	return out
}

// tokenInsert splices a dictionary token into parent at a random
// position, letting the tokenizer's extracted strings/immediates seed
// structurally meaningful values a pure byte mutator rarely reaches.
func tokenInsert(r *rand.Rand, parent []byte, tokens *tokenizer.Set) []byte {
	if tokens == nil || tokens.Len() == 0 {
		return havoc(r, parent)
	}
	toks := tokens.Tokens()
	tok := []byte(toks[r.Intn(len(toks))])
	pos := r.Intn(len(parent) + 1)
	out := make([]byte, 0, len(parent)+len(tok))
	out = append(out, parent[:pos]...)
	out = append(out, tok...)
	out = append(out, parent[pos:]...)
	if len(out) > maxMutationGrowth {
		out = out[:maxMutationGrowth]
	}
	return out
}

// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tracer is the per-instruction tracer (component C3): it
// maintains the AFL-style edge coverage map and, when enabled, the
// CmpLog comparison-operand table, on the hot path driven by the
// simulator's per-instruction callback.
package tracer

import (
	"context"
	"hash/fnv"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/simhost"
)

// MapSize is the number of edge-coverage buckets, a power of two so the
// modulo in the hot path is a mask.
const MapSize = 1 << 16

// DefaultCmpLogSiteCap bounds how many CmpLogEntry values a single PC
// may contribute within one iteration, so a pathological loop cannot
// flood the scratch buffer.
const DefaultCmpLogSiteCap = 8

// CmpLogEntry is one captured comparison at a compare-class instruction.
type CmpLogEntry struct {
	PC      uint64
	Width   int
	Operand [2]uint64
}

// hash32 is the per-PC hash feeding the edge index, FNV-1a over the
// address's 8 bytes.
func hash32(pc uint64) uint32 {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pc >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum32()
}

// Tracer owns one coverage map and CmpLog scratch buffer. It is not
// safe for concurrent use by more than one processor at a time; the
// simulator guarantees per-processor callbacks are non-reentrant, and
// callers with multiple trace_processors must serialize through
// separate Tracer instances synchronized at iteration boundaries, or
// hold a lock around ObserveInstruction themselves.
type Tracer struct {
	ad   *arch.Adapter
	cov  []byte
	cmplog bool
	cmpBuf []CmpLogEntry
	siteCount map[uint64]int
	siteCap   int

	prevPCHash uint32

	everSeen []bool
	newEdges []uint32
}

// New builds a Tracer backed by adapter ad. cmplog enables CmpLog
// capture on compare-class instructions.
func New(ad *arch.Adapter, cmplog bool) *Tracer {
	return &Tracer{
		ad:        ad,
		cov:       make([]byte, MapSize),
		cmplog:    cmplog,
		siteCount: make(map[uint64]int),
		siteCap:   DefaultCmpLogSiteCap,
		everSeen:  make([]bool, MapSize),
	}
}

// Coverage returns the live coverage map. Callers must not retain a
// reference across a ResetIteration, which does not reallocate it.
func (t *Tracer) Coverage() []byte { return t.cov }

// CmpLog returns the comparison log accumulated so far this iteration.
func (t *Tracer) CmpLog() []CmpLogEntry { return t.cmpBuf }

// NewEdges returns the coverage-map indices first observed during the
// current iteration, used by the runtime to decide whether an input is
// feedback-positive.
func (t *Tracer) NewEdges() []uint32 { return t.newEdges }

// ResetIteration clears per-iteration state (CmpLog buffer, site
// counters, new-edge list) ahead of a new input; the coverage map and
// the ever-seen table persist across iterations so the scheduler can
// diff against them.
func (t *Tracer) ResetIteration() {
	t.cmpBuf = t.cmpBuf[:0]
	for k := range t.siteCount {
		delete(t.siteCount, k)
	}
	t.newEdges = t.newEdges[:0]
	t.prevPCHash = 0
}

// ObserveInstruction is the hot-path callback invoked once per retired
// instruction on a traced processor. It is allocation-free after
// warmup: cmpBuf grows via append but never reallocates once it has
// reached its steady-state size within an iteration because
// ResetIteration only truncates, it does not release capacity.
func (t *Tracer) ObserveInstruction(ctx context.Context, cpu simhost.CPUID, pc uint64) error {
	h := hash32(pc)
	idx := (t.prevPCHash ^ h) & uint32(MapSize-1)
	if t.cov[idx] != 0xff {
		t.cov[idx]++
	}
	if !t.everSeen[idx] {
		t.everSeen[idx] = true
		t.newEdges = append(t.newEdges, idx)
	}
	t.prevPCHash = h >> 1

	if !t.cmplog {
		return nil
	}
	if t.siteCount[pc] >= t.siteCap {
		return nil
	}
	insn, err := t.ad.Disassemble(ctx, cpu, pc)
	if err != nil {
		return err
	}
	if insn.Class != simhost.ClassCompare && insn.Class != simhost.ClassSub && insn.Class != simhost.ClassTest {
		return nil
	}
	if insn.Width != 1 && insn.Width != 2 && insn.Width != 4 && insn.Width != 8 {
		return nil // unsupported width, skip
	}
	if len(insn.Operands) < 2 {
		return nil
	}
	var vals [2]uint64
	for i := 0; i < 2; i++ {
		v, err := t.resolveOperand(ctx, cpu, insn.Operands[i], insn.Width)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	t.cmpBuf = append(t.cmpBuf, CmpLogEntry{PC: pc, Width: insn.Width, Operand: vals})
	t.siteCount[pc]++
	return nil
}

func (t *Tracer) resolveOperand(ctx context.Context, cpu simhost.CPUID, op simhost.Operand, width int) (uint64, error) {
	if !op.IsMemory {
		return t.ad.ReadRegister(ctx, cpu, op.Reg)
	}
	data, err := t.ad.ReadMemory(ctx, cpu, op.Addr, width, false)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < len(data) && i < 8; i++ {
		v |= uint64(data[i]) << (8 * i)
	}
	return v, nil
}

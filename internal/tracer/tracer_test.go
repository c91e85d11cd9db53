// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/simhost"
)

type fakeHost struct {
	insns map[uint64]simhost.Instruction
	mem   map[uint64][]byte
	regs  map[string]uint64
}

func (h *fakeHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return h.regs[name], nil
}
func (h *fakeHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.regs[name] = value
	return nil
}
func (h *fakeHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	data := h.mem[addr]
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}
func (h *fakeHost) WriteMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, data []byte, isVirtual bool) error {
	return nil
}
func (h *fakeHost) TakeSnapshot(ctx context.Context, name string) error       { return nil }
func (h *fakeHost) RestoreSnapshot(ctx context.Context, name string) error    { return nil }
func (h *fakeHost) DiscardFutureRevExec(ctx context.Context) error           { return nil }
func (h *fakeHost) ArmVirtualTimeTimer(ctx context.Context, seconds float64) error { return nil }
func (h *fakeHost) CancelVirtualTimeTimer(ctx context.Context) error          { return nil }
func (h *fakeHost) ContinueSimulation(ctx context.Context) error             { return nil }
func (h *fakeHost) StopSimulation(ctx context.Context) error                 { return nil }
func (h *fakeHost) Disassemble(ctx context.Context, cpu simhost.CPUID, pc uint64) (simhost.Instruction, error) {
	return h.insns[pc], nil
}
func (h *fakeHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return addr, nil
}

func TestObserveInstructionUpdatesCoverage(t *testing.T) {
	h := &fakeHost{insns: map[uint64]simhost.Instruction{}}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, false)

	before := append([]byte(nil), tr.Coverage()...)
	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x1000))
	require.NotEqual(t, before, tr.Coverage())
}

func TestNewEdgesTrackedOncePerLifetime(t *testing.T) {
	h := &fakeHost{insns: map[uint64]simhost.Instruction{}}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, false)

	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x1000))
	require.Len(t, tr.NewEdges(), 1)

	tr.ResetIteration()
	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x1000))
	require.Len(t, tr.NewEdges(), 0, "an edge already seen in a prior iteration is not new again")
}

func TestCoverageSaturates(t *testing.T) {
	h := &fakeHost{insns: map[uint64]simhost.Instruction{}}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, false)

	for i := 0; i < 300; i++ {
		require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x1000))
		tr.prevPCHash = 0 // force same edge index every time
	}
	idx := hash32(0x1000) & uint32(MapSize-1)
	require.Equal(t, byte(0xff), tr.Coverage()[idx])
}

func TestCmpLogCapturesCompareOperands(t *testing.T) {
	h := &fakeHost{
		insns: map[uint64]simhost.Instruction{
			0x2000: {
				Mnemonic: "cmp", Class: simhost.ClassCompare, Width: 4,
				Operands: []simhost.Operand{{Reg: "eax"}, {IsMemory: true, Addr: 0x9000}},
			},
		},
		mem:  map[uint64][]byte{0x9000: {0x2a, 0, 0, 0}},
		regs: map[string]uint64{"eax": 7},
	}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, true)

	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x2000))
	log := tr.CmpLog()
	require.Len(t, log, 1)
	require.Equal(t, uint64(7), log[0].Operand[0])
	require.Equal(t, uint64(0x2a), log[0].Operand[1])
}

func TestCmpLogRespectsPerSiteCap(t *testing.T) {
	h := &fakeHost{
		insns: map[uint64]simhost.Instruction{
			0x3000: {
				Mnemonic: "cmp", Class: simhost.ClassCompare, Width: 4,
				Operands: []simhost.Operand{{Reg: "eax"}, {Reg: "ebx"}},
			},
		},
	}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, true)
	for i := 0; i < DefaultCmpLogSiteCap+5; i++ {
		require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x3000))
	}
	require.Len(t, tr.CmpLog(), DefaultCmpLogSiteCap)
}

func TestResetIterationClearsCmpLogAndSiteCounts(t *testing.T) {
	h := &fakeHost{
		insns: map[uint64]simhost.Instruction{
			0x3000: {Mnemonic: "cmp", Class: simhost.ClassCompare, Width: 4,
				Operands: []simhost.Operand{{Reg: "eax"}, {Reg: "ebx"}}},
		},
	}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, true)
	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x3000))
	require.Len(t, tr.CmpLog(), 1)

	tr.ResetIteration()
	require.Len(t, tr.CmpLog(), 0)

	for i := 0; i < DefaultCmpLogSiteCap; i++ {
		require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x3000))
	}
	require.Len(t, tr.CmpLog(), DefaultCmpLogSiteCap, "site cap should reset too")
}

func TestUnsupportedWidthSkipped(t *testing.T) {
	h := &fakeHost{
		insns: map[uint64]simhost.Instruction{
			0x4000: {Mnemonic: "cmp", Class: simhost.ClassCompare, Width: 3,
				Operands: []simhost.Operand{{Reg: "eax"}, {Reg: "ebx"}}},
		},
	}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	tr := New(ad, true)
	require.NoError(t, tr.ObserveInstruction(context.Background(), 0, 0x4000))
	require.Len(t, tr.CmpLog(), 0)
}

// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package arch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/tsffs/internal/simhost"
)

func TestABIRegistersPerArchitecture(t *testing.T) {
	require.Equal(t, [4]string{"rdi", "rsi", "rdx", "rcx"}, X86_64.ABIRegisters())
	require.Equal(t, [4]string{"edi", "esi", "edx", "ecx"}, X86.ABIRegisters())
	require.Equal(t, [4]string{"a0", "a1", "a2", "a3"}, RiscV32.ABIRegisters())
	require.Equal(t, [4]string{"a0", "a1", "a2", "a3"}, RiscV64.ABIRegisters())
}

func TestResolvePrefersHint(t *testing.T) {
	a, err := Resolve("x86-64", "x86", true)
	require.NoError(t, err)
	require.Equal(t, X86, a)

	a, err = Resolve("riscv64", "", false)
	require.NoError(t, err)
	require.Equal(t, RiscV64, a)

	_, err = Resolve("arm64", "", false)
	require.Error(t, err)

	_, err = Resolve("x86-64", "arm64", true)
	require.Error(t, err)
}

type fakeHost struct {
	regs          map[string]uint64
	disassembleCt int
}

func newFakeHost() *fakeHost {
	return &fakeHost{regs: map[string]uint64{"rip": 0x1000}}
}

func (h *fakeHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return h.regs[name], nil
}
func (h *fakeHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.regs[name] = value
	return nil
}
func (h *fakeHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	return make([]byte, length), nil
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
	h.disassembleCt++
	return simhost.Instruction{Mnemonic: "cmp", Class: simhost.ClassCompare, Width: 8}, nil
}
func (h *fakeHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return addr + 0x1000, nil
}

func TestAdapterGetPC(t *testing.T) {
	h := newFakeHost()
	ad := NewAdapter(h, X86_64, 16)
	pc, err := ad.GetPC(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), pc)
}

func TestAdapterResolveAddress(t *testing.T) {
	h := newFakeHost()
	ad := NewAdapter(h, X86_64, 16)
	phys, err := ad.ResolveAddress(context.Background(), 0, 0x2000, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), phys)

	phys, err = ad.ResolveAddress(context.Background(), 0, 0x2000, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), phys)
}

func TestAdapterDisassembleCaches(t *testing.T) {
	h := newFakeHost()
	ad := NewAdapter(h, X86_64, 16)
	ctx := context.Background()
	_, err := ad.Disassemble(ctx, 0, 0x1000)
	require.NoError(t, err)
	_, err = ad.Disassemble(ctx, 0, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 1, h.disassembleCt, "second decode should be served from cache")

	_, err = ad.Disassemble(ctx, 0, 0x2000)
	require.NoError(t, err)
	require.Equal(t, 2, h.disassembleCt)
}

func TestDecodeCacheEviction(t *testing.T) {
	c := newDecodeCache(2)
	c.put(1, simhost.Instruction{Mnemonic: "a"})
	c.put(2, simhost.Instruction{Mnemonic: "b"})
	c.put(3, simhost.Instruction{Mnemonic: "c"}) // evicts pc=1 (least recently used)

	_, ok := c.get(1)
	require.False(t, ok)
	_, ok = c.get(2)
	require.True(t, ok)
	_, ok = c.get(3)
	require.True(t, ok)
}

// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package magicabi

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/tslog"
)

func leaf(cmd Command) uint64 {
	return uint64(cmd)<<16 | Magic
}

func TestDecode(t *testing.T) {
	cmd, ours := Decode(leaf(CmdStopAssert))
	require.True(t, ours)
	require.Equal(t, CmdStopAssert, cmd)

	_, ours = Decode(0xdead0000)
	require.False(t, ours)
}

type fakeHost struct {
	regs map[string]uint64
}

func (h *fakeHost) ReadRegister(ctx context.Context, cpu simhost.CPUID, name string) (uint64, error) {
	return h.regs[name], nil
}
func (h *fakeHost) WriteRegister(ctx context.Context, cpu simhost.CPUID, name string, value uint64) error {
	h.regs[name] = value
	return nil
}
func (h *fakeHost) ReadMemory(ctx context.Context, cpu simhost.CPUID, addr uint64, length int, isVirtual bool) ([]byte, error) {
	return nil, nil
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
	return simhost.Instruction{}, nil
}
func (h *fakeHost) VirtToPhys(ctx context.Context, cpu simhost.CPUID, addr uint64) (uint64, error) {
	return addr, nil
}

func newTestDecoder(t *testing.T) (*Decoder, *fakeHost) {
	h := &fakeHost{regs: map[string]uint64{
		"rdi": 7,      // index
		"rsi": 0x4000, // buffer
		"rdx": 0x5000, // size ptr / max size
		"rcx": 64,     // max size literal (N=3)
	}}
	ad := arch.NewAdapter(h, arch.X86_64, 16)
	log, err := tslog.New(tslog.Info, &bytes.Buffer{}, "")
	require.NoError(t, err)
	return NewDecoder(ad, log), h
}

func TestHandleMagicKnownCommand(t *testing.T) {
	d, _ := newTestDecoder(t)
	cmd, ok, err := d.HandleMagic(context.Background(), 0, leaf(CmdStartBufferPtrSizePtr))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, CmdStartBufferPtrSizePtr, cmd)
}

func TestHandleMagicUnknownCommandIgnored(t *testing.T) {
	d, _ := newTestDecoder(t)
	cmd, ok, err := d.HandleMagic(context.Background(), 0, leaf(99))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Command(0), cmd)
}

func TestHandleMagicNotOurs(t *testing.T) {
	d, _ := newTestDecoder(t)
	_, ok, err := d.HandleMagic(context.Background(), 0, 0x1234dead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadStartArgsN1(t *testing.T) {
	d, _ := newTestDecoder(t)
	args, err := d.ReadStartArgs(context.Background(), 0, CmdStartBufferPtrSizePtr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), args.Index)
	require.Equal(t, uint64(0x4000), args.BufferAddr)
	require.Equal(t, uint64(0x5000), args.SizeGuestAddr)
	require.False(t, args.HasMaxSizeLiteral)
}

func TestReadStartArgsN2(t *testing.T) {
	d, _ := newTestDecoder(t)
	args, err := d.ReadStartArgs(context.Background(), 0, CmdStartBufferPtrSizeVal)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), args.MaxSize)
	require.True(t, args.HasMaxSizeLiteral)
	require.Equal(t, uint64(0), args.SizeGuestAddr)
}

func TestReadStartArgsN3(t *testing.T) {
	d, _ := newTestDecoder(t)
	args, err := d.ReadStartArgs(context.Background(), 0, CmdStartBufferPtrSizePtrVal)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), args.SizeGuestAddr)
	require.Equal(t, uint64(64), args.MaxSize)
	require.True(t, args.HasMaxSizeLiteral)
}

func TestReadStopArgs(t *testing.T) {
	d, _ := newTestDecoder(t)
	args, err := d.ReadStopArgs(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), args.Index)
}

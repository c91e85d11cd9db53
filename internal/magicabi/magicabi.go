// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package magicabi is the magic-instruction ABI decoder (component C1):
// it turns a raw leaf value raised by the simulator's magic-instruction
// hook into one of the five pseudo-hypercall commands the guest harness
// uses to signal start/stop/assert.
package magicabi

import (
	"context"
	"fmt"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/simhost"
	"github.com/intel/tsffs/internal/tslog"
)

// Magic is the low-16-bit constant that marks a leaf as belonging to
// this ABI; any other leaf is not ours and is forwarded unchanged.
const Magic = 0x4711

// Command is the pseudo-hypercall number, the high 16 bits of the leaf.
type Command uint16

const (
	CmdStartBufferPtrSizePtr Command = 1
	CmdStartBufferPtrSizeVal Command = 2
	CmdStartBufferPtrSizePtrVal Command = 3
	CmdStopNormal            Command = 4
	CmdStopAssert            Command = 5
)

// Decode splits a leaf into its command and whether it belongs to this
// ABI at all (low 16 bits == Magic).
func Decode(leaf uint64) (cmd Command, ours bool) {
	if leaf&0xffff != Magic {
		return 0, false
	}
	return Command((leaf >> 16) & 0xffff), true
}

// StartArgs is the decoded operand set for a START_* command.
type StartArgs struct {
	Index uint64
	// BufferAddr is where the testcase bytes are written.
	BufferAddr uint64
	// SizeGuestAddr is where the truncated size is written back, or 0
	// if the command carries no size pointer (N=2).
	SizeGuestAddr uint64
	// MaxSize is the literal maximum size, when the command carries one
	// (N=2, N=3); for N=1 it is read from *SizeGuestAddr at capture
	// time by the caller, since that requires a memory read this
	// package does not perform itself.
	MaxSize uint64
	HasMaxSizeLiteral bool
}

// StopArgs is the decoded operand set for STOP_NORMAL / STOP_ASSERT.
type StopArgs struct {
	Index uint64
}

// Decoder reads the ABI operand registers for cpu in the architecture's
// documented order and dispatches to the five known commands. Unknown
// commands are logged and ignored, never treated
// as a solution even when all_exceptions_are_solutions is set -- that
// flag governs the exception hook, an entirely separate channel.
type Decoder struct {
	ad  *arch.Adapter
	log *tslog.Logger
}

func NewDecoder(ad *arch.Adapter, log *tslog.Logger) *Decoder {
	return &Decoder{ad: ad, log: log}
}

// HandleMagic is the callback registered as simhost.Callbacks.OnMagic's
// implementation path: it decodes leaf and returns the parsed command,
// or ok=false if the leaf is unknown or not ours.
func (d *Decoder) HandleMagic(ctx context.Context, cpu simhost.CPUID, leaf uint64) (cmd Command, ok bool, err error) {
	cmd, ours := Decode(leaf)
	if !ours {
		return 0, false, nil
	}
	switch cmd {
	case CmdStartBufferPtrSizePtr, CmdStartBufferPtrSizeVal, CmdStartBufferPtrSizePtrVal,
		CmdStopNormal, CmdStopAssert:
		return cmd, true, nil
	default:
		d.log.Logf(tslog.Warn, "magicabi: unknown pseudo-hypercall N=%d on cpu %d, ignoring", cmd, cpu)
		return 0, false, nil
	}
}

// ReadStartArgs reads the operand registers for a START_* command.
func (d *Decoder) ReadStartArgs(ctx context.Context, cpu simhost.CPUID, cmd Command) (StartArgs, error) {
	regs := d.ad.Architecture().ABIRegisters()
	index, err := d.ad.ReadRegister(ctx, cpu, regs[0])
	if err != nil {
		return StartArgs{}, fmt.Errorf("magicabi: read index register: %w", err)
	}
	buffer, err := d.ad.ReadRegister(ctx, cpu, regs[1])
	if err != nil {
		return StartArgs{}, fmt.Errorf("magicabi: read buffer register: %w", err)
	}

	args := StartArgs{Index: index, BufferAddr: buffer}
	switch cmd {
	case CmdStartBufferPtrSizePtr:
		sizePtr, err := d.ad.ReadRegister(ctx, cpu, regs[2])
		if err != nil {
			return StartArgs{}, fmt.Errorf("magicabi: read size-pointer register: %w", err)
		}
		args.SizeGuestAddr = sizePtr
	case CmdStartBufferPtrSizeVal:
		maxSize, err := d.ad.ReadRegister(ctx, cpu, regs[2])
		if err != nil {
			return StartArgs{}, fmt.Errorf("magicabi: read max-size register: %w", err)
		}
		args.MaxSize = maxSize
		args.HasMaxSizeLiteral = true
	case CmdStartBufferPtrSizePtrVal:
		sizePtr, err := d.ad.ReadRegister(ctx, cpu, regs[2])
		if err != nil {
			return StartArgs{}, fmt.Errorf("magicabi: read size-pointer register: %w", err)
		}
		maxSize, err := d.ad.ReadRegister(ctx, cpu, regs[3])
		if err != nil {
			return StartArgs{}, fmt.Errorf("magicabi: read max-size register: %w", err)
		}
		args.SizeGuestAddr = sizePtr
		args.MaxSize = maxSize
		args.HasMaxSizeLiteral = true
	default:
		return StartArgs{}, fmt.Errorf("magicabi: %d is not a start command", cmd)
	}
	return args, nil
}

// ReadStopArgs reads the operand registers for STOP_NORMAL / STOP_ASSERT:
// both carry only the index in arg0.
func (d *Decoder) ReadStopArgs(ctx context.Context, cpu simhost.CPUID) (StopArgs, error) {
	regs := d.ad.Architecture().ABIRegisters()
	index, err := d.ad.ReadRegister(ctx, cpu, regs[0])
	if err != nil {
		return StopArgs{}, fmt.Errorf("magicabi: read index register: %w", err)
	}
	return StopArgs{Index: index}, nil
}

// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package inject is the testcase injector (component C5): it writes a
// truncated testcase into the guest buffer captured by the harness
// controller, honoring the virtual/physical addressing bit and the
// size-pointer ABI variants decoded by C1.
package inject

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/intel/tsffs/internal/arch"
	"github.com/intel/tsffs/internal/simhost"
)

// InjectionPoint is the frozen capture of where and how to write a
// testcase, recorded by the harness controller on the first magic-start.
type InjectionPoint struct {
	TestcaseGuestAddr uint64
	SizeGuestAddr     uint64 // 0 if the command carries no size pointer
	MaxSize           uint64
	IsVirtualAddress  bool
}

// Injector writes testcases through an architecture adapter.
type Injector struct {
	ad *arch.Adapter
}

func New(ad *arch.Adapter) *Injector {
	return &Injector{ad: ad}
}

// errPartialWrite wraps the error of a write that does not complete in full;
// this is treated as a fatal iteration-aborting error.
var errPartialWrite = fmt.Errorf("inject: partial write")

// Inject truncates data to point.MaxSize, writes the size word (if the
// injection point carries a size pointer) and then the testcase bytes,
// translating addresses through virt_to_phys when IsVirtualAddress is
// set.
func (in *Injector) Inject(ctx context.Context, cpu simhost.CPUID, point InjectionPoint, data []byte) ([]byte, error) {
	truncated := data
	if uint64(len(truncated)) > point.MaxSize {
		truncated = truncated[:point.MaxSize]
	}

	if point.SizeGuestAddr != 0 {
		sizeAddr, err := in.ad.ResolveAddress(ctx, cpu, point.SizeGuestAddr, point.IsVirtualAddress)
		if err != nil {
			return nil, fmt.Errorf("inject: resolve size address: %w", err)
		}
		width := in.ad.Architecture().PointerWidth()
		buf := make([]byte, width)
		if width == 8 {
			binary.LittleEndian.PutUint64(buf, uint64(len(truncated)))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(len(truncated)))
		}
		if err := in.writeExact(ctx, cpu, sizeAddr, buf); err != nil {
			return nil, fmt.Errorf("inject: write size word: %w", err)
		}
	}

	bufAddr, err := in.ad.ResolveAddress(ctx, cpu, point.TestcaseGuestAddr, point.IsVirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("inject: resolve buffer address: %w", err)
	}
	if err := in.writeExact(ctx, cpu, bufAddr, truncated); err != nil {
		return nil, fmt.Errorf("inject: write testcase: %w", err)
	}
	return truncated, nil
}

func (in *Injector) writeExact(ctx context.Context, cpu simhost.CPUID, physAddr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := in.ad.WriteMemory(ctx, cpu, physAddr, data, false); err != nil {
		return fmt.Errorf("%w: %v", errPartialWrite, err)
	}
	return nil
}

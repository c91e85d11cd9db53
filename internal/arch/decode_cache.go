// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package arch

import (
	"container/list"

	"github.com/intel/tsffs/internal/simhost"
)

// decodeCache is a bounded, least-recently-used cache of decoded
// instructions keyed by PC, sized to a 64k-entry default to keep
// CmpLog's per-instruction disassembly off the hot path. It is a small
// hand-rolled container/list LRU rather than a third-party dependency
// (see DESIGN.md for why).
type decodeCache struct {
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

type decodeCacheEntry struct {
	pc   uint64
	insn simhost.Instruction
}

func newDecodeCache(capacity int) *decodeCache {
	return &decodeCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

func (c *decodeCache) get(pc uint64) (simhost.Instruction, bool) {
	el, ok := c.items[pc]
	if !ok {
		return simhost.Instruction{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*decodeCacheEntry).insn, true
}

func (c *decodeCache) put(pc uint64, insn simhost.Instruction) {
	if el, ok := c.items[pc]; ok {
		el.Value.(*decodeCacheEntry).insn = insn
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&decodeCacheEntry{pc: pc, insn: insn})
	c.items[pc] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*decodeCacheEntry).pc)
		}
	}
}

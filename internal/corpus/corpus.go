// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus is the persisted, shared corpus and its rarity-biased
// selector (part of component C8): inputs are stored content-hash
// addressed in a shared directory so parallel Fuzzer instances can sync
// by listing it, and selection favors seeds that cover rarely-seen
// edges, via a per-edge weighting scheme over the in-memory index.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Entry is one corpus input, keyed by its content hash; the edges it
// covers are tracked only in the Corpus's per-edge selection index, and
// the authoritative bytes live on disk under Hash.
type Entry struct {
	Hash string
	Data []byte
}

// maxPerEdge bounds how many seeds are retained per edge bucket, so one
// hot edge cannot make selection degenerate into a huge linear scan
// (bounds how many entries accumulate behind one edge).
const maxPerEdge = 10

type seedWeight struct {
	weight int
	entry  *Entry
}

// Corpus is the in-memory selection index over a shared, on-disk
// corpus directory.
type Corpus struct {
	mu sync.Mutex

	dir string

	byHash    map[string]*Entry
	perEdge   map[uint32][]seedWeight
	edgeList  []uint32
	knownEdge map[uint32]bool
}

// New builds a Corpus backed by dir, the shared corpus directory.
func New(dir string) *Corpus {
	return &Corpus{
		dir:       dir,
		byHash:    map[string]*Entry{},
		perEdge:   map[uint32][]seedWeight{},
		knownEdge: map[uint32]bool{},
	}
}

// ContentHash is the sha256 hex digest used both as the on-disk
// filename and the corpus's in-memory dedup key.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Has reports whether hash is already known to this Corpus instance.
func (c *Corpus) Has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byHash[hash]
	return ok
}

// Add registers data as a corpus entry covering the given edges
// (coverage-map indices with a nonzero count this iteration), and
// persists it to disk if not already present. weight is typically the
// number of newly-covered edges the caller observed, favoring seeds
// that contributed unique coverage.
func (c *Corpus) Add(data []byte, edges []uint32, weight int) (*Entry, error) {
	hash := ContentHash(data)

	c.mu.Lock()
	if e, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return e, nil
	}
	entry := &Entry{Hash: hash, Data: data}
	c.byHash[hash] = entry
	for _, pc := range edges {
		if !c.knownEdge[pc] {
			c.knownEdge[pc] = true
			c.edgeList = append(c.edgeList, pc)
		}
		bucket := append(c.perEdge[pc], seedWeight{weight: weight, entry: entry})
		if len(bucket) > maxPerEdge {
			sort.Slice(bucket, func(i, j int) bool { return bucket[i].weight > bucket[j].weight })
			bucket = bucket[:maxPerEdge]
		}
		c.perEdge[pc] = bucket
	}
	c.mu.Unlock()

	return entry, c.persist(entry)
}

func (c *Corpus) persist(e *Entry) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.dir, e.Hash)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, e.Data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Choose picks a seed, first picking a random covered edge and then a
// weighted-random seed among those known to cover it -- rare edges get
// equal billing with common ones at the edge-selection step, biasing
// the overall choice toward seeds that exercise less-explored code.
func (c *Corpus) Choose(r *rand.Rand) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.edgeList) == 0 {
		return nil
	}
	pc := c.edgeList[r.Intn(len(c.edgeList))]
	bucket := c.perEdge[pc]
	if len(bucket) == 0 {
		return nil
	}
	total := 0
	for _, sw := range bucket {
		total += sw.weight + 1 // +1 so a zero-weight seed can still be picked
	}
	pick := r.Intn(total)
	running := 0
	for _, sw := range bucket {
		running += sw.weight + 1
		if pick < running {
			return sw.entry
		}
	}
	return bucket[len(bucket)-1].entry
}

// Len returns the number of distinct entries known to this Corpus.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byHash)
}

// Sync scans dir for files this Corpus instance has not yet ingested
// (by content hash, using the filename itself since entries are
// content-addressed) and loads them, skipping any name ending in
// ".tmp" -- a write in progress by a peer. The covering process's
// coverage map is not available here, so synced entries are recorded
// only in the content-hash index (Has and Len count them) and not in
// the per-edge selection index: Choose does not return them, and a
// later Add of the same bytes is a dedup no-op that does not index
// them either.
func (c *Corpus) Sync() (int, error) {
	if c.dir == "" {
		return 0, nil
	}
	files, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	added := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || filepath.Ext(name) == ".tmp" {
			continue
		}
		if c.Has(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			continue // peer may still be writing despite the rename-based protocol; skip and retry next Sync
		}
		if ContentHash(data) != name {
			continue // not one of ours, or corrupted; ignore
		}
		c.mu.Lock()
		c.byHash[name] = &Entry{Hash: name, Data: data}
		c.mu.Unlock()
		added++
	}
	return added, nil
}

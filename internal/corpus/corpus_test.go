// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDedupsByContentHash(t *testing.T) {
	c := New(t.TempDir())
	e1, err := c.Add([]byte("same"), []uint32{1}, 1)
	require.NoError(t, err)
	e2, err := c.Add([]byte("same"), []uint32{1}, 5)
	require.NoError(t, err)
	require.Same(t, e1, e2)
	require.Equal(t, 1, c.Len())
}

func TestAddPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	e, err := c.Add([]byte("payload"), nil, 0)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, e.Hash))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestChooseFavorsHigherWeight(t *testing.T) {
	c := New(t.TempDir())
	_, err := c.Add([]byte("low"), []uint32{1}, 0)
	require.NoError(t, err)
	_, err = c.Add([]byte("high"), []uint32{1}, 1000)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(1))
	highCount := 0
	for i := 0; i < 200; i++ {
		e := c.Choose(r)
		require.NotNil(t, e)
		if string(e.Data) == "high" {
			highCount++
		}
	}
	require.Greater(t, highCount, 150)
}

func TestChooseEmptyCorpusReturnsNil(t *testing.T) {
	c := New(t.TempDir())
	require.Nil(t, c.Choose(rand.New(rand.NewSource(1))))
}

func TestSyncIngestsPeerWrites(t *testing.T) {
	dir := t.TempDir()
	c1 := New(dir)
	_, err := c1.Add([]byte("from peer"), []uint32{1}, 1)
	require.NoError(t, err)

	c2 := New(dir)
	n, err := c2.Sync()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, c2.Len())

	// A second sync with nothing new should ingest nothing further.
	n, err = c2.Sync()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSyncSkipsTmpFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.tmp"), []byte("partial"), 0o644))
	c := New(dir)
	n, err := c.Sync()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

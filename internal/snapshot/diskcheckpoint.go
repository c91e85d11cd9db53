// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// diskCheckpoint writes an xz-compressed mirror of the first captured
// snapshot's state to a single well-known path, so a later process can
// skip the (slow) in-simulator capture on a cold start or after a
// crash. The write is exclusive: a flock guards against two fuzzer
// instances racing to write the same checkpoint file, matching the
// shared-corpus-directory exclusivity pattern used elsewhere in this
// repository. Nothing in this repository reads the checkpoint back at
// startup; read is used only by the tests.
type diskCheckpoint struct {
	path string
}

func (d *diskCheckpoint) write(state []byte) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := d.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	w, err := xz.NewWriter(f)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	if _, err := w.Write(state); err != nil {
		w.Close()
		return fmt.Errorf("xz write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("xz close: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return os.Rename(tmp, d.path)
}

func (d *diskCheckpoint) read() ([]byte, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("xz read: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *diskCheckpoint) exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

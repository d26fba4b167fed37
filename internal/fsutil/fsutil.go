// Package fsutil provides crash-safe file write helpers shared by the
// artifact caches. All persisted archives go through WriteAtomic so a
// crash mid-write can never leave a partially written file behind the
// final name.
package fsutil

import (
	"bufio"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// crc32cTable is pre-computed for the CRC32-Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// WriteAtomic writes the output of writeFunc to filename via a temp file
// in the same directory followed by an atomic rename. The parent
// directory is created if missing.
func WriteAtomic(filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Write to a temp file in the same directory to ensure rename is atomic.
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Atomically replace target.
	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	// Success: prevent deferred cleanup from removing the final file.
	tmpName = ""

	return nil
}

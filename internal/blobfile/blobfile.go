// Package blobfile persists Go values as zstd-compressed gob blobs
// with a crc32c header. Writes are crash-safe (write-then-rename) and
// loads verify the checksum, so a truncated or tampered blob is
// reported as corrupt rather than decoded partially.
package blobfile

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hci-gu/bildutforskaren/internal/fsutil"
)

var (
	// ErrNotFound is returned when no blob exists at the path.
	ErrNotFound = errors.New("blobfile: not found")

	// ErrCorrupt is returned on checksum or decode failure.
	ErrCorrupt = errors.New("blobfile: corrupt blob")
)

// magic identifies the container format. Bumping the trailing version
// byte invalidates all older files.
var magic = [4]byte{'B', 'U', 'F', '1'}

// Save encodes v and writes it to path atomically.
func Save(path string, v any) error {
	var payload bytes.Buffer

	zw, err := zstd.NewWriter(&payload)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		if _, err := w.Write(magic[:]); err != nil {
			return err
		}
		var crc [4]byte
		binary.BigEndian.PutUint32(crc[:], fsutil.CRC32C(payload.Bytes()))
		if _, err := w.Write(crc[:]); err != nil {
			return err
		}
		_, err := w.Write(payload.Bytes())
		return err
	})
}

// Load reads the blob at path into v.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}

	if len(data) < 8 || !bytes.Equal(data[:4], magic[:]) {
		return ErrCorrupt
	}

	wantCRC := binary.BigEndian.Uint32(data[4:8])
	payload := data[8:]
	if fsutil.CRC32C(payload) != wantCRC {
		return ErrCorrupt
	}

	zr, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return ErrCorrupt
	}
	defer zr.Close()

	if err := gob.NewDecoder(zr).Decode(v); err != nil {
		return ErrCorrupt
	}

	return nil
}

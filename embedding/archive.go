package embedding

import (
	"errors"
	"fmt"

	"github.com/hci-gu/bildutforskaren/internal/blobfile"
)

// Archive pairs an ordered identifier sequence with one embedding row
// per identifier. Row i corresponds to Paths[i]; the archive is valid
// for a live path list iff the stored sequence is element-for-element
// equal to it.
type Archive struct {
	Paths   []string
	Vectors [][]float32
}

var (
	// ErrArchiveNotFound is returned when no archive exists at the path.
	ErrArchiveNotFound = errors.New("embedding: archive not found")

	// ErrCorruptArchive is returned when an archive fails its checksum
	// or cannot be decoded. Callers treat it the same as a miss.
	ErrCorruptArchive = errors.New("embedding: corrupt archive")
)

// SaveArchive persists the archive with write-then-rename semantics so
// a crash mid-write cannot leave a truncated file behind the final name.
func SaveArchive(path string, a *Archive) error {
	if len(a.Paths) != len(a.Vectors) {
		return fmt.Errorf("embedding: %d paths but %d vectors", len(a.Paths), len(a.Vectors))
	}
	return blobfile.Save(path, a)
}

// LoadArchive reads an archive back. A missing file returns
// ErrArchiveNotFound; a truncated or tampered file returns
// ErrCorruptArchive, never partial data.
func LoadArchive(path string) (*Archive, error) {
	var a Archive
	if err := blobfile.Load(path, &a); err != nil {
		switch {
		case errors.Is(err, blobfile.ErrNotFound):
			return nil, ErrArchiveNotFound
		case errors.Is(err, blobfile.ErrCorrupt):
			return nil, ErrCorruptArchive
		default:
			return nil, err
		}
	}

	if len(a.Paths) != len(a.Vectors) {
		return nil, ErrCorruptArchive
	}

	return &a, nil
}

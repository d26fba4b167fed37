// Package dataset defines the immutable per-dataset configuration and
// the small persisted records that describe a dataset on disk. A
// Config derives deterministic file paths for every cache artifact, so
// the embedding, projection and layout caches never have to agree on
// naming out of band.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hci-gu/bildutforskaren/internal/fsutil"
)

// ErrNotFound is returned when a dataset id has no directory or status record.
var ErrNotFound = errors.New("dataset not found")

// MetadataSource selects where per-image metadata comes from.
type MetadataSource string

const (
	MetadataSourceNone       MetadataSource = "none"
	MetadataSourceLegacyXLSX MetadataSource = "legacy_xlsx"
)

// DefaultPCADim is the default target projection dimensionality.
const DefaultPCADim = 50

// imageExts is the accepted image extension set, lower-cased.
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

var safeIDPattern = regexp.MustCompile(`^[a-f0-9]{16,64}$`)

// IsSafeID reports whether id is a well-formed dataset identifier.
func IsSafeID(id string) bool {
	return safeIDPattern.MatchString(id)
}

// Config is the immutable descriptor for one dataset. It is created
// when a dataset is registered and never mutated after upload begins;
// dataset trees are treated as immutable once populated.
type Config struct {
	ID             string
	ThumbRoot      string
	OriginalRoot   string
	CacheDir       string
	AtlasDir       string
	MetadataSource MetadataSource
	PCADim         int
}

// NewConfig builds the standard on-disk layout for a dataset rooted at
// datasetsRoot/id.
func NewConfig(datasetsRoot, id string) Config {
	dir := filepath.Join(datasetsRoot, id)

	return Config{
		ID:             id,
		ThumbRoot:      filepath.Join(dir, "thumbs"),
		OriginalRoot:   filepath.Join(dir, "originals"),
		CacheDir:       filepath.Join(dir, "cache"),
		AtlasDir:       filepath.Join(dir, "atlas"),
		MetadataSource: MetadataSourceNone,
		PCADim:         DefaultPCADim,
	}
}

// Dir returns the dataset directory (parent of the thumbnail root).
func (c Config) Dir() string {
	return filepath.Dir(c.ThumbRoot)
}

// EmbeddingArchivePath is the persisted embedding archive.
func (c Config) EmbeddingArchivePath() string {
	return filepath.Join(c.CacheDir, "clip_index.zst")
}

// ProjectionArchivePath is the persisted PCA-projected matrix, keyed by
// the configured dimensionality.
func (c Config) ProjectionArchivePath() string {
	return filepath.Join(c.CacheDir, fmt.Sprintf("clip_pca_%d.zst", c.PCADim))
}

// ProjectorPath is the persisted fitted PCA model.
func (c Config) ProjectorPath() string {
	return filepath.Join(c.CacheDir, fmt.Sprintf("clip_pca_%d_model.zst", c.PCADim))
}

// LayoutCachePath is the persisted layout response cache.
func (c Config) LayoutCachePath() string {
	return filepath.Join(c.CacheDir, "umap_cache.json")
}

// StatusPath is the persisted dataset status record.
func (c Config) StatusPath() string {
	return filepath.Join(c.Dir(), "dataset.json")
}

// TagDBPath is the sqlite tag database for this dataset.
func (c Config) TagDBPath() string {
	return filepath.Join(c.Dir(), "tags.sqlite3")
}

// Metadata is the per-image metadata record held inside a context.
type Metadata struct {
	Filename string `json:"filename"`
}

// CollectImagePaths returns every image file under root, sorted by
// path. A missing root yields an empty list, not an error: a dataset
// with no thumbnails simply has no images yet.
func CollectImagePaths(root string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := imageExts[ext]; ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	sort.Strings(paths)

	return paths, nil
}

// ExtractMetadata derives the metadata record for one image path.
func ExtractMetadata(path string) Metadata {
	return Metadata{Filename: filepath.Base(path)}
}

// ProcessingStatus values persisted in the status record.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Status is the persisted dataset status record (dataset.json).
type Status struct {
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadStatus loads the status record for a dataset directory.
func ReadStatus(cfg Config) (Status, error) {
	data, err := os.ReadFile(cfg.StatusPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, fmt.Errorf("%w: %s", ErrNotFound, cfg.ID)
		}
		return Status{}, err
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decode %s: %w", cfg.StatusPath(), err)
	}

	return st, nil
}

// WriteStatus persists the status record with atomic replace semantics.
func WriteStatus(cfg Config, st Status) error {
	return fsutil.WriteAtomic(cfg.StatusPath(), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
}

// List returns the ids of all registered datasets under datasetsRoot,
// sorted. Directories without a well-formed id are skipped.
func List(datasetsRoot string) ([]string, error) {
	entries, err := os.ReadDir(datasetsRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !IsSafeID(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}

	sort.Strings(ids)

	return ids, nil
}

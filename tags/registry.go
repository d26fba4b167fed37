package tags

import (
	"context"

	"github.com/hci-gu/bildutforskaren/dataset"
)

// Registry opens the per-dataset tag database on demand to register
// processed image filenames. It satisfies the processing pipeline's
// image registry collaborator.
type Registry struct{}

// EnsureImages records filenames in the dataset's tag database,
// creating the database on first use.
func (Registry) EnsureImages(ctx context.Context, cfg dataset.Config, filenames []string) error {
	store, err := Open(cfg.TagDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	return store.EnsureImages(ctx, filenames)
}

// Package tags stores per-dataset image tags in a sqlite database that
// lives next to the dataset's cache artifacts. Tag names are unique per
// dataset; assignments carry a source so manually applied tags can be
// told apart from imported ones.
package tags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrTagNotFound is returned when a tag id does not exist.
	ErrTagNotFound = errors.New("tags: tag not found")

	// ErrDuplicateTag is returned when a tag name is already taken.
	ErrDuplicateTag = errors.New("tags: tag already exists")

	// ErrEmptyName is returned for blank tag names.
	ErrEmptyName = errors.New("tags: empty tag name")
)

// Assignment sources.
const (
	SourceManual = "manual"
	SourceImport = "import"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY,
	filename TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS image_tags (
	image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	source TEXT NOT NULL DEFAULT 'manual',
	PRIMARY KEY (image_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_image_tags_tag ON image_tags(tag_id);
`

// Tag is one named tag with its current assignment count.
type Tag struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Store is a tag database for one dataset.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the tag database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tag db %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tag db %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureImages registers filenames, ignoring those already present.
func (s *Store) EnsureImages(ctx context.Context, filenames []string) error {
	if len(filenames) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO images (filename) VALUES (?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range filenames {
		if _, err := stmt.ExecContext(ctx, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateTag creates a named tag.
func (s *Store) CreateTag(ctx context.Context, name string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, ErrEmptyName
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, name)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return Tag{}, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}
		return Tag{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Tag{}, err
	}

	return Tag{ID: id, Name: name}, nil
}

// GetTag returns one tag with its assignment count.
func (s *Store) GetTag(ctx context.Context, tagID int64) (Tag, error) {
	var tg Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, COUNT(it.image_id)
		FROM tags t
		LEFT JOIN image_tags it ON it.tag_id = t.id
		WHERE t.id = ?
		GROUP BY t.id`, tagID).Scan(&tg.ID, &tg.Name, &tg.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, fmt.Errorf("%w: %d", ErrTagNotFound, tagID)
	}
	if err != nil {
		return Tag{}, err
	}

	return tg, nil
}

// ListTags returns every tag with its assignment count, ordered by name.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, COUNT(it.image_id)
		FROM tags t
		LEFT JOIN image_tags it ON it.tag_id = t.id
		GROUP BY t.id
		ORDER BY t.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var tg Tag
		if err := rows.Scan(&tg.ID, &tg.Name, &tg.Count); err != nil {
			return nil, err
		}
		out = append(out, tg)
	}

	return out, rows.Err()
}

// DeleteTag removes a tag and all of its assignments.
func (s *Store) DeleteTag(ctx context.Context, tagID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, tagID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrTagNotFound, tagID)
	}

	return nil
}

// Assign applies a tag to filenames. Unknown filenames are registered
// first; re-assigning is a no-op that keeps the original source.
func (s *Store) Assign(ctx context.Context, tagID int64, filenames []string, source string) error {
	if source == "" {
		source = SourceManual
	}

	if err := s.requireTag(ctx, tagID); err != nil {
		return err
	}
	if err := s.EnsureImages(ctx, filenames); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO image_tags (image_id, tag_id, source)
		SELECT id, ?, ? FROM images WHERE filename = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range filenames {
		if _, err := stmt.ExecContext(ctx, tagID, source, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Unassign removes a tag from filenames. Filenames that never carried
// the tag are ignored.
func (s *Store) Unassign(ctx context.Context, tagID int64, filenames []string) error {
	if err := s.requireTag(ctx, tagID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		DELETE FROM image_tags
		WHERE tag_id = ? AND image_id IN (SELECT id FROM images WHERE filename = ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range filenames {
		if _, err := stmt.ExecContext(ctx, tagID, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ImagesForTags returns filenames carrying every one of the given tags,
// ordered by filename. No tag ids means no filter and no results.
func (s *Store) ImagesForTags(ctx context.Context, tagIDs []int64) ([]string, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(tagIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(tagIDs)+1)
	for _, id := range tagIDs {
		args = append(args, id)
	}
	args = append(args, len(tagIDs))

	query := fmt.Sprintf(`
		SELECT i.filename
		FROM images i
		JOIN image_tags it ON it.image_id = i.id
		WHERE it.tag_id IN (%s)
		GROUP BY i.id
		HAVING COUNT(DISTINCT it.tag_id) = ?
		ORDER BY i.filename`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}

	return out, rows.Err()
}

// TagsForImages returns the tag names per filename for every filename
// that carries at least one tag.
func (s *Store) TagsForImages(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.filename, t.name
		FROM image_tags it
		JOIN images i ON i.id = it.image_id
		JOIN tags t ON t.id = it.tag_id
		ORDER BY i.filename, t.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var filename, tag string
		if err := rows.Scan(&filename, &tag); err != nil {
			return nil, err
		}
		out[filename] = append(out[filename], tag)
	}

	return out, rows.Err()
}

// UntaggedImages returns registered filenames with no tag at all.
func (s *Store) UntaggedImages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename FROM images
		WHERE id NOT IN (SELECT image_id FROM image_tags)
		ORDER BY filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}

	return out, rows.Err()
}

func (s *Store) requireTag(ctx context.Context, tagID int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tags WHERE id = ?`, tagID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrTagNotFound, tagID)
	}

	return err
}

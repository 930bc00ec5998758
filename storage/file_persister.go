// Package storage persists finished visit reports.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister persists files to the local disk. Readers never see
// a partially written file: data goes to a temporary file that is renamed
// into place.
type LocalFilePersister struct{}

// Persist writes the contents of data to path, replacing any existing file.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persisting %q: %w", path, err)
	}
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating a temporary file in %q: %w", dir, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %q: %w", tmp, err)
	}
	if err = f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("setting the mode of %q: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing the local file %q: %w", tmp, err)
	}
	if err = os.Rename(tmp, cp); err != nil {
		return fmt.Errorf("moving %q into place: %w", cp, err)
	}
	return nil
}

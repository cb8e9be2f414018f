package repository

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lessond/pkg/apperr"
	"lessond/pkg/fingerprint"
	"lessond/pkg/keylock"
	"lessond/pkg/logger"
	"lessond/pkg/slug"

	"go.uber.org/multierr"
)

// Store persists lesson documents keyed by slug. Every operation on a slug
// is linearized with respect to the other operations on the same slug.
type Store interface {
	// ListIDs returns every stored slug in byte order.
	ListIDs(ctx context.Context) ([]string, error)
	Read(ctx context.Context, s string) ([]byte, fingerprint.Fingerprint, error)
	Fingerprint(ctx context.Context, s string) (fingerprint.Fingerprint, error)
	Create(ctx context.Context, s string, content []byte) (fingerprint.Fingerprint, error)
	Update(ctx context.Context, s string, expected fingerprint.Fingerprint, content []byte) (fingerprint.Fingerprint, error)
	// Delete removes s. A nil expected skips the conflict check.
	Delete(ctx context.Context, s string, expected *fingerprint.Fingerprint) error
}

const lessonExt = ".json"

// FileRepository stores each lesson as <Dir>/<slug>.json.
type FileRepository struct {
	Dir   string
	locks *keylock.Locks
}

func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err, "create data directory %s", dir)
	}
	return &FileRepository{Dir: dir, locks: keylock.New()}, nil
}

func (r *FileRepository) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		logger.Sugar.Errorf("Failed to list lessons in %s: %v", r.Dir, err)
		return nil, apperr.Wrap(apperr.StorageFailure, err, "list lessons")
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, lessonExt) {
			continue
		}
		id := strings.TrimSuffix(name, lessonExt)
		if err := slug.Validate(id); err != nil {
			logger.Sugar.Debugf("Skipping malformed lesson file %s: %v", name, err)
			continue
		}
		ids = append(ids, id)
	}
	// Directory order compares file names, which puts "a-b.json" before "a.json".
	sort.Strings(ids)
	return ids, nil
}

func (r *FileRepository) Read(ctx context.Context, s string) ([]byte, fingerprint.Fingerprint, error) {
	p, err := r.path(ctx, s)
	if err != nil {
		return nil, "", err
	}
	unlock := r.locks.Lock(s)
	defer unlock()

	content, err := r.load(s, p)
	if err != nil {
		return nil, "", err
	}
	return content, fingerprint.Of(content), nil
}

func (r *FileRepository) Fingerprint(ctx context.Context, s string) (fingerprint.Fingerprint, error) {
	_, fp, err := r.Read(ctx, s)
	return fp, err
}

func (r *FileRepository) Create(ctx context.Context, s string, content []byte) (fingerprint.Fingerprint, error) {
	p, err := r.path(ctx, s)
	if err != nil {
		return "", err
	}
	unlock := r.locks.Lock(s)
	defer unlock()

	if _, err := os.Stat(p); err == nil {
		return "", apperr.New(apperr.AlreadyExists, "lesson %q already exists", s)
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Sugar.Errorf("Failed to stat lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "stat lesson %q", s)
	}

	if err := writeFileAtomic(p, content); err != nil {
		logger.Sugar.Errorf("Failed to create lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "create lesson %q", s)
	}
	return fingerprint.Of(content), nil
}

func (r *FileRepository) Update(ctx context.Context, s string, expected fingerprint.Fingerprint, content []byte) (fingerprint.Fingerprint, error) {
	p, err := r.path(ctx, s)
	if err != nil {
		return "", err
	}
	unlock := r.locks.Lock(s)
	defer unlock()

	current, err := r.load(s, p)
	if err != nil {
		return "", err
	}
	if !fingerprint.Of(current).Equal(expected) {
		return "", apperr.New(apperr.Conflict, "lesson %q was modified since fingerprint was read", s)
	}
	// Same bytes, same fingerprint: nothing to write.
	if bytes.Equal(current, content) {
		return expected, nil
	}

	if err := writeFileAtomic(p, content); err != nil {
		logger.Sugar.Errorf("Failed to update lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "update lesson %q", s)
	}
	return fingerprint.Of(content), nil
}

func (r *FileRepository) Delete(ctx context.Context, s string, expected *fingerprint.Fingerprint) error {
	p, err := r.path(ctx, s)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(s)
	defer unlock()

	if expected != nil {
		current, err := r.load(s, p)
		if err != nil {
			return err
		}
		if !fingerprint.Of(current).Equal(*expected) {
			return apperr.New(apperr.Conflict, "lesson %q was modified since fingerprint was read", s)
		}
	}

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.NotFound, "lesson %q not found", s)
		}
		logger.Sugar.Errorf("Failed to delete lesson %s: %v", s, err)
		return apperr.Wrap(apperr.StorageFailure, err, "delete lesson %q", s)
	}
	return nil
}

func (r *FileRepository) path(ctx context.Context, s string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return slug.Path(r.Dir, s, lessonExt)
}

// load reads the stored bytes of s. Callers hold the slug lock.
func (r *FileRepository) load(s, p string) ([]byte, error) {
	content, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.NotFound, "lesson %q not found", s)
		}
		logger.Sugar.Errorf("Failed to read lesson %s: %v", s, err)
		return nil, apperr.Wrap(apperr.StorageFailure, err, "read lesson %q", s)
	}
	return content, nil
}

// writeFileAtomic replaces p with data via a synced temp file in the same
// directory and a rename. On failure p is left untouched.
func writeFileAtomic(p string, data []byte) (err error) {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreNotExist(os.Remove(tmpName)))
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmpName, p); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir persists the rename. Not every platform can fsync a directory, so
// failures are only logged.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Sugar.Debugf("fsync of %s failed: %v", dir, err)
	}
}

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

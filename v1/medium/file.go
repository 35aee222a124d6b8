package medium

import (
	"context"
	stdErrors "errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const fileLockRetry = 10 * time.Millisecond

// File implements Medium with one file per key inside a directory. Readers
// and writers in different processes coordinate through an advisory lock
// file next to each value; writes land through an atomic rename.
type File struct {
	dir string
}

// NewFile returns a File medium rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

// Get implements Medium.Get.
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	p := f.path(key)
	fl := flock.New(p + ".lock")
	locked, err := fl.TryRLockContext(ctx, fileLockRetry)
	if err != nil {
		return "", false, mapFileErr(err)
	}
	if !locked {
		return "", false, leaseerrors.ErrTimeout
	}
	defer fl.Unlock()

	data, err := os.ReadFile(p)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set implements Medium.Set.
func (f *File) Set(ctx context.Context, key, value string) error {
	p := f.path(key)
	fl := flock.New(p + ".lock")
	locked, err := fl.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return mapFileErr(err)
	}
	if !locked {
		return leaseerrors.ErrTimeout
	}
	defer fl.Unlock()

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return mapFileErr(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapFileErr(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapFileErr(err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return mapFileErr(err)
	}
	return nil
}

func mapFileErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return leaseerrors.ErrTimeout
	case stdErrors.Is(err, syscall.ENOSPC):
		return leaseerrors.ErrCapacityExceeded
	}
	return err
}

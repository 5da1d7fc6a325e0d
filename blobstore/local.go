package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalDriver keeps blobs as files in a directory.
type LocalDriver struct {
	dir string
}

// NewLocalDriver creates dir if needed and returns a driver storing blobs in
// it.
func NewLocalDriver(dir string) (*LocalDriver, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeErr("local", "mkdir", dir, err)
	}

	return &LocalDriver{dir: dir}, nil
}

// Name returns "local".
func (d *LocalDriver) Name() string {
	return "local"
}

// List returns the names of the regular files in the directory.
func (d *LocalDriver) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, storeErr(d.Name(), "list", "", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			keys = append(keys, entry.Name())
		}
	}

	return keys, nil
}

// Fetch reads the file named key.
func (d *LocalDriver) Fetch(ctx context.Context, key string) ([]byte, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)

	case err != nil:
		return nil, storeErr(d.Name(), "fetch", key, err)
	}

	return data, nil
}

// Upload writes the file named key. The data is written to a temporary file
// first so readers never see a partial blob.
func (d *LocalDriver) Upload(ctx context.Context, key string,
	data []byte) (int, error) {

	path, err := d.path(key)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return 0, storeErr(d.Name(), "upload", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, storeErr(d.Name(), "upload", key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, storeErr(d.Name(), "upload", key, err)
	}

	return n, nil
}

// path maps key into the directory, refusing anything that would escape it.
func (d *LocalDriver) path(key string) (string, error) {
	if key == "" || filepath.Base(key) != key {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(d.dir, key), nil
}

package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskStore keeps blobs under <root>/<namespace>/<name>.
type DiskStore struct {
	root string
}

// NewDiskStore creates the namespace directories below root.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("uploads: disk root required")
	}
	for _, namespace := range []Namespace{NamespaceNotes, NamespaceProfiles} {
		if err := os.MkdirAll(filepath.Join(root, string(namespace)), 0o755); err != nil {
			return nil, fmt.Errorf("uploads: create %s directory: %w", namespace, err)
		}
	}
	return &DiskStore{root: root}, nil
}

// Put writes to a temporary file and renames it into place once complete.
func (s *DiskStore) Put(_ context.Context, namespace Namespace, name string, content io.Reader, _ int64, _ string) error {
	directory := filepath.Join(s.root, string(namespace))
	temporary, err := os.CreateTemp(directory, ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(temporary, content); err != nil {
		_ = temporary.Close()
		_ = os.Remove(temporary.Name())
		return err
	}
	if err := temporary.Close(); err != nil {
		_ = os.Remove(temporary.Name())
		return err
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, name)); err != nil {
		_ = os.Remove(temporary.Name())
		return err
	}
	return nil
}

// Open returns the blob file.
func (s *DiskStore) Open(_ context.Context, namespace Namespace, name string) (io.ReadCloser, ObjectInfo, error) {
	file, err := os.Open(s.path(namespace, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjectInfo{}, ErrBlobNotFound
	}
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, ObjectInfo{}, err
	}
	return file, ObjectInfo{Size: stat.Size()}, nil
}

// Delete removes the blob file.
func (s *DiskStore) Delete(_ context.Context, namespace Namespace, name string) error {
	err := os.Remove(s.path(namespace, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

func (s *DiskStore) path(namespace Namespace, name string) string {
	return filepath.Join(s.root, string(namespace), filepath.Base(name))
}

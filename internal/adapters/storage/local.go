// Package storage provides the BlobMirror adapters that push and pull the
// local LFS object cache to a remote backend.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rcoup/kart/internal/ports/output"
)

// LocalStorage implements output.BlobMirror against another local directory,
// useful for a shared-filesystem remote or for tests.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage adapter rooted at basePath.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// List returns every object under basePath, keyed by its sharded sha256 path.
func (s *LocalStorage) List(_ context.Context) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		objects = append(objects, output.StorageObject{
			Key:          filepath.ToSlash(relPath),
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return objects, nil
}

// Download copies the object for hash to dest.
func (s *LocalStorage) Download(_ context.Context, hash string, dest string) error {
	srcPath := filepath.Join(s.basePath, shardedKey(hash))

	if filepath.Clean(srcPath) == filepath.Clean(dest) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	src, err := os.Open(srcPath) //#nosec G304 -- srcPath is constructed from basePath and a sha256 hash
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// GetReader returns a reader for the object identified by hash.
func (s *LocalStorage) GetReader(_ context.Context, hash string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.basePath, shardedKey(hash))) //#nosec G304 -- path is constructed from basePath and a sha256 hash
}

// Exists checks if an object is present in the mirror.
func (s *LocalStorage) Exists(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.basePath, shardedKey(hash)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Upload copies src into the mirror under hash's sharded path.
func (s *LocalStorage) Upload(_ context.Context, hash string, src string) error {
	destPath := filepath.Join(s.basePath, shardedKey(hash))

	if filepath.Clean(destPath) == filepath.Clean(src) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return err
	}

	in, err := os.Open(src) //#nosec G304 -- src is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(destPath) //#nosec G304 -- destPath is constructed from basePath and a sha256 hash
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// FullPath returns the full local path for hash.
func (s *LocalStorage) FullPath(hash string) string {
	return filepath.Join(s.basePath, shardedKey(hash))
}

// shardedKey mirrors domain.LocalLFSPath's two-level sharding so a mirror
// directory never holds more than a few thousand entries per folder. Hashes
// shorter than 4 characters (never a real sha256 digest) are stored flat.
func shardedKey(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return filepath.Join(hash[0:2], hash[2:4], hash)
}

// Package lfs implements the local, content-addressed tile cache backing
// point-cloud layers: <gitdir>/lfs/objects/h[0:2]/h[2:4]/h, one file per
// sha256 hash, mirroring git-lfs's own local object layout.
package lfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rcoup/kart/internal/domain"
)

// Cache implements output.BlobCache rooted at a repository's git directory.
type Cache struct {
	gitDir string
}

// NewCache creates a cache rooted at gitDir (the ".kart" or ".git" directory,
// not the working copy).
func NewCache(gitDir string) *Cache {
	return &Cache{gitDir: gitDir}
}

// Path returns the local path a hash would live at.
func (c *Cache) Path(hash string) (string, error) {
	return domain.LocalLFSPath(c.gitDir, hash)
}

// Has reports whether hash is already cached.
func (c *Cache) Has(hash string) (bool, error) {
	path, err := c.Path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Put streams src into the cache, computing its sha256 digest on the fly. It
// writes to a temporary file in the git directory and renames into place
// once the digest is known, so a reader never observes a partially written
// object.
func (c *Cache) Put(src io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(c.gitDir, "lfs-incoming-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), src)
	closeErr := tmp.Close()
	if err != nil {
		return "", 0, err
	}
	if closeErr != nil {
		return "", 0, closeErr
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dest, err := c.Path(hash)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, fmt.Errorf("moving %s into lfs cache: %w", hash, err)
	}

	return hash, size, nil
}

// PutFile hashes and caches the file at path.
func (c *Cache) PutFile(path string) (string, int64, error) {
	f, err := os.Open(path) //#nosec G304 -- path is a tile file the caller is committing
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	return c.Put(f)
}

// Open returns a reader for the cached object identified by hash.
func (c *Cache) Open(hash string) (io.ReadCloser, error) {
	path, err := c.Path(hash)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //#nosec G304 -- path is derived from a sha256 hash via LocalLFSPath
}

// List walks the cache's sharded object tree and returns every hash found.
// A missing root directory (nothing cached yet) is not an error.
func (c *Cache) List() ([]string, error) {
	root := filepath.Join(c.gitDir, "lfs", "objects")
	var hashes []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		hashes = append(hashes, info.Name())
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return hashes, nil
}

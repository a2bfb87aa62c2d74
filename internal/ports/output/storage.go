// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
)

// BlobMirror defines the secondary port for mirroring the local LFS object
// cache to/from a remote backend (S3, Azure Blob, a plain HTTP read-only
// origin, or another local directory). The specification treats remote
// fetch/push of repository objects as delegated; this port is strictly for
// the out-of-band tile cache under <gitdir>/lfs/objects/.
type BlobMirror interface {
	// List returns every object currently present in the mirror, keyed by
	// its path relative to the mirror root: the bare sha256 hash for the
	// cloud backends, the sharded aa/bb/hash path for LocalStorage.
	List(ctx context.Context) ([]StorageObject, error)

	// Download copies a remote object identified by hash to a local path.
	Download(ctx context.Context, hash string, dest string) error

	// GetReader returns a reader for the object identified by hash.
	GetReader(ctx context.Context, hash string) (io.ReadCloser, error)

	// Exists checks whether an object is present in the mirror.
	Exists(ctx context.Context, hash string) (bool, error)

	// Upload pushes a local file to the mirror under the given hash key.
	Upload(ctx context.Context, hash string, src string) error
}

// StorageObject represents one object in the mirror.
type StorageObject struct {
	Key          string // path relative to the mirror root, ending in the sha256 hash
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)

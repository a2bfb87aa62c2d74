package output

import "io"

// BlobCache is the secondary port for the local, content-addressed tile
// cache at <gitdir>/lfs/objects/. It is the counterpart to BlobMirror: the
// cache is always consulted first, and only a miss needs the mirror.
type BlobCache interface {
	// Path returns the local filesystem path an object with the given
	// sha256 hash would be stored at, whether or not it currently exists.
	Path(hash string) (string, error)

	// Has reports whether an object is already present in the cache.
	Has(hash string) (bool, error)

	// Put streams src into the cache under its own sha256 digest, verifying
	// digest and size along the way, and returns both.
	Put(src io.Reader) (hash string, size int64, err error)

	// PutFile is a convenience wrapper around Put for a file already on
	// disk, used when committing a tile already in the repo's native
	// format.
	PutFile(path string) (hash string, size int64, err error)

	// Open returns a reader for the cached object identified by hash.
	Open(hash string) (io.ReadCloser, error)

	// List returns the sha256 hash of every object currently in the cache.
	List() ([]string, error)
}

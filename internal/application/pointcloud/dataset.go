// Package pointcloud implements the point-cloud/LIDAR tile dataset: diffing
// a directory of tiles against the recorded pointer blobs in a tree, and
// committing tile additions/updates/deletes through the local LFS cache.
package pointcloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// tileDir is the fixed sub-path under a layer holding its tile pointer
// blobs, grounded on kart's "<dataset>/.point-cloud-dataset.v1/tile/<hh>/<name>"
// layout.
const tileDir = ".point-cloud-dataset.v1/tile"

// tileExtensions lists the recognized tile extensions, matched
// case-insensitively. ".copc.laz" is checked before ".laz" since it is the
// longer, more specific suffix.
var tileExtensions = []string{".copc.laz", ".laz", ".las"}

// ConvertFunc converts the foreign-format file at src into the dataset's
// native format, writing the result to a new temporary file and returning
// its path. The caller removes the temporary file once it has been cached.
type ConvertFunc func(ctx context.Context, src string) (convertedPath string, err error)

// TileChange is one tile-level change between a tree and a working
// directory.
type TileChange struct {
	Kind     input.DeltaKind
	Tilename string
	OldHash  string // sha256, "" for an insert
	NewHash  string // sha256, "" for a delete
	Path     string // absolute path to the working-copy file; "" for a delete
}

// Dataset diffs and commits one point-cloud layer, backed by a local LFS
// cache and an optional format-conversion registry.
type Dataset struct {
	store      *objectstore.ObjectStore
	cache      output.BlobCache
	nativeExt  string
	converters map[string]ConvertFunc
}

// NewDataset creates a tile dataset. nativeExt is the extension (e.g.
// ".copc.laz") committed directly with no conversion; converters maps every
// other recognized extension to the function that rewrites it into the
// native format.
func NewDataset(store *objectstore.ObjectStore, cache output.BlobCache, nativeExt string, converters map[string]ConvertFunc) *Dataset {
	return &Dataset{store: store, cache: cache, nativeExt: nativeExt, converters: converters}
}

// Diff walks workingDir for recognized tile files and compares them against
// the pointer blobs recorded under layer in tree, per spec.md's point-cloud
// diff algorithm: computed via a directory walk, not a tracking table, and a
// tile is unchanged iff its sha256 equals the hash in its pointer.
func (d *Dataset) Diff(layer string, tree objectstore.Hash, workingDir string) ([]TileChange, error) {
	committed, err := d.committedTiles(layer, tree)
	if err != nil {
		return nil, err
	}

	present, err := d.workingTiles(workingDir)
	if err != nil {
		return nil, err
	}

	var changes []TileChange
	for name, path := range present {
		hash, err := d.hashFile(path)
		if err != nil {
			return nil, err
		}
		old, tracked := committed[name]
		switch {
		case !tracked:
			changes = append(changes, TileChange{Kind: input.Insert, Tilename: name, NewHash: hash, Path: path})
		case old != hash:
			changes = append(changes, TileChange{Kind: input.Update, Tilename: name, OldHash: old, NewHash: hash, Path: path})
		}
	}
	for name, old := range committed {
		if _, ok := present[name]; !ok {
			changes = append(changes, TileChange{Kind: input.Delete, Tilename: name, OldHash: old})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Tilename < changes[j].Tilename })
	return changes, nil
}

// Commit applies changes against paths (a flattened tree-path -> blob hash
// map, mutated in place the same way workingcopy.CommitEngine mutates its
// own), caching every new or updated tile's content and writing its pointer
// blob. convert permits committing a foreign-format tile by running its
// registered ConvertFunc first; without it, a foreign-format tile is
// rejected with domain.ErrFormatRejected.
func (d *Dataset) Commit(ctx context.Context, layer string, changes []TileChange, convert bool, paths map[string]objectstore.Hash) error {
	for _, c := range changes {
		path := tileDir + "/" + domain.TileBlobShard(c.Tilename) + "/" + c.Tilename
		fullPath := layer + "/" + path

		if c.Kind == input.Delete {
			delete(paths, fullPath)
			continue
		}

		hash, size, err := d.cacheTile(ctx, c.Tilename, c.Path, convert)
		if err != nil {
			return fmt.Errorf("caching tile %s: %w", c.Tilename, err)
		}

		pointer := domain.FormatPointerFile(domain.PointerFile{OID: "sha256:" + hash, Size: size})
		blobHash, err := d.store.PutBlob(pointer)
		if err != nil {
			return err
		}
		paths[fullPath] = blobHash
	}
	return nil
}

// cacheTile puts a tile's content into the local LFS cache, converting it
// first if it is not already in the dataset's native format.
func (d *Dataset) cacheTile(ctx context.Context, tilename, path string, convert bool) (string, int64, error) {
	if hasExtension(tilename, d.nativeExt) {
		return d.cache.PutFile(path)
	}

	if !convert {
		return "", 0, fmt.Errorf("%s: committing %w (native format is %s)", tilename, domain.ErrFormatRejected, d.nativeExt)
	}

	ext := matchExtension(tilename)
	fn, ok := d.converters[ext]
	if !ok {
		return "", 0, fmt.Errorf("%s: no conversion registered for %s: %w", tilename, ext, domain.ErrUnsupported)
	}

	converted, err := fn(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("converting %s: %w", tilename, err)
	}
	defer func() { _ = os.Remove(converted) }()

	return d.cache.PutFile(converted)
}

// committedTiles reads every pointer blob under layer's tile directory in
// tree, keyed by tilename.
func (d *Dataset) committedTiles(layer string, tree objectstore.Hash) (map[string]string, error) {
	out := map[string]string{}
	entry, err := d.store.ReadTreeEntry(tree, layer+"/"+tileDir)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return out, nil // no tiles committed yet
		}
		return nil, err
	}
	if err := d.walkShards(entry.Hash, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dataset) walkShards(shardsTree objectstore.Hash, out map[string]string) error {
	shards, err := d.store.GetTree(shardsTree)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsTree() {
			continue
		}
		tiles, err := d.store.GetTree(shard.Hash)
		if err != nil {
			return err
		}
		for _, tile := range tiles {
			if tile.IsTree() {
				continue
			}
			blob, err := d.store.GetBlob(tile.Hash)
			if err != nil {
				return err
			}
			hash := domain.HashFromPointerFile(blob)
			if hash == "" {
				continue
			}
			out[tile.Name] = hash
		}
	}
	return nil
}

// workingTiles walks workingDir for files with a recognized tile extension,
// matched case-insensitively, keyed by filename.
func (d *Dataset) workingTiles(workingDir string) (map[string]string, error) {
	out := map[string]string{}
	err := filepath.WalkDir(workingDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if matchExtension(entry.Name()) == "" {
			return nil
		}
		out[entry.Name()] = path
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// hashFile computes a working-copy tile's sha256 digest without caching it;
// only Commit pushes content into the local LFS cache.
func (d *Dataset) hashFile(path string) (string, error) {
	f, err := os.Open(path) //#nosec G304 -- path comes from a directory walk rooted at the working copy
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// matchExtension returns the recognized tile extension of name (matched
// case-insensitively, longest first), or "" if none match.
func matchExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range tileExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ""
}

func hasExtension(name, ext string) bool {
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
}

package pointcloud

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcoup/kart/internal/adapters/lfs"
	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
)

func newTestDataset(t *testing.T, converters map[string]ConvertFunc) (*Dataset, *objectstore.ObjectStore) {
	t.Helper()
	s, err := objectstore.Init(t.TempDir(), false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	cache := lfs.NewCache(s.GitDir())
	return NewDataset(s, cache, ".copc.laz", converters), s
}

func writeTile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDiffDetectsInsertsAgainstEmptyTree(t *testing.T) {
	d, s := newTestDataset(t, nil)
	workDir := t.TempDir()
	writeTile(t, workDir, "tile_01.copc.laz", "native bytes")
	writeTile(t, workDir, "tile_02.las", "foreign bytes")

	emptyTree, err := objectstore.NewTreeBuilder(s).WriteRootTree(nil)
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	changes, err := d.Diff("tiles", emptyTree, workDir)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}
	for _, c := range changes {
		if c.Kind != input.Insert {
			t.Errorf("expected Insert for %s, got %v", c.Tilename, c.Kind)
		}
	}
}

func TestCommitRejectsForeignFormatWithoutConversion(t *testing.T) {
	d, s := newTestDataset(t, nil)
	workDir := t.TempDir()
	path := writeTile(t, workDir, "tile.las", "foreign bytes")

	emptyTree, _ := objectstore.NewTreeBuilder(s).WriteRootTree(nil)
	changes, err := d.Diff("tiles", emptyTree, workDir)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	paths := map[string]objectstore.Hash{}
	err = d.Commit(context.Background(), "tiles", changes, false, paths)
	if !errors.Is(err, domain.ErrFormatRejected) {
		t.Fatalf("expected ErrFormatRejected, got %v", err)
	}
	_ = path
}

func TestCommitConvertsForeignFormatWhenRequested(t *testing.T) {
	converters := map[string]ConvertFunc{
		".las": func(_ context.Context, src string) (string, error) {
			out := src + ".converted"
			data, err := os.ReadFile(src)
			if err != nil {
				return "", err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return "", err
			}
			return out, nil
		},
	}
	d, s := newTestDataset(t, converters)
	workDir := t.TempDir()
	writeTile(t, workDir, "tile.las", "foreign bytes")

	emptyTree, _ := objectstore.NewTreeBuilder(s).WriteRootTree(nil)
	changes, err := d.Diff("tiles", emptyTree, workDir)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	paths := map[string]objectstore.Hash{}
	if err := d.Commit(context.Background(), "tiles", changes, true, paths); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one pointer blob written, got %d: %+v", len(paths), paths)
	}
}

func TestDiffIsCleanWhenTileUnchangedAndDetectsUpdateAndDelete(t *testing.T) {
	d, s := newTestDataset(t, nil)
	workDir := t.TempDir()
	writeTile(t, workDir, "tile_01.copc.laz", "v1 bytes")

	emptyTree, _ := objectstore.NewTreeBuilder(s).WriteRootTree(nil)
	changes, err := d.Diff("tiles", emptyTree, workDir)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	paths := map[string]objectstore.Hash{}
	if err := d.Commit(context.Background(), "tiles", changes, false, paths); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	committedTree, err := objectstore.NewTreeBuilder(s).WriteRootTree(paths)
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	// Unchanged: re-diffing the same content against the committed tree
	// should report no changes.
	clean, err := d.Diff("tiles", committedTree, workDir)
	if err != nil {
		t.Fatalf("Diff (clean): %v", err)
	}
	if len(clean) != 0 {
		t.Errorf("expected no changes for an unmodified tile, got %+v", clean)
	}

	// Update: rewrite the tile's content with a different sha256.
	writeTile(t, workDir, "tile_01.copc.laz", "v2 bytes, different content")
	updated, err := d.Diff("tiles", committedTree, workDir)
	if err != nil {
		t.Fatalf("Diff (update): %v", err)
	}
	if len(updated) != 1 || updated[0].Kind != input.Update {
		t.Fatalf("expected one Update, got %+v", updated)
	}

	// Delete: remove the tile from the working directory entirely.
	if err := os.Remove(filepath.Join(workDir, "tile_01.copc.laz")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	deleted, err := d.Diff("tiles", committedTree, workDir)
	if err != nil {
		t.Fatalf("Diff (delete): %v", err)
	}
	if len(deleted) != 1 || deleted[0].Kind != input.Delete {
		t.Fatalf("expected one Delete, got %+v", deleted)
	}
}

package objectstore

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/rcoup/kart/internal/domain"
)

// ChangeKind classifies one path's delta between two trees. Only these
// three kinds are supported; anything else (a path whose entry changes kind
// between blob and tree, which this package treats as the only detectable
// analogue of "copied/renamed/typechanged") is a fatal "unsupported delta".
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is one path's delta between two trees.
type Change struct {
	Path    string
	Kind    ChangeKind
	OldHash Hash
	NewHash Hash
}

// DiffTrees computes a full recursive structural diff between two trees,
// identified by their root hashes. Either hash may be the zero hash, meaning
// "no tree" (every path in the other tree is Added or Deleted accordingly).
//
// Comparison is purely by object id: two blobs at the same path with the
// same hash are unchanged and are not returned. A path whose entry flips
// between blob and tree between old and new is reported as ErrUnsupportedDelta.
func (s *ObjectStore) DiffTrees(oldTree, newTree Hash) ([]Change, error) {
	oldEntries, err := s.readTreeAsMap(oldTree)
	if err != nil {
		return nil, err
	}
	newEntries, err := s.readTreeAsMap(newTree)
	if err != nil {
		return nil, err
	}

	return diffMaps(oldEntries, newEntries)
}

type flatEntry struct {
	hash  Hash
	isDir bool
}

// readTreeAsMap recursively flattens a tree into path -> entry, walking
// sub-trees but never blob content.
func (s *ObjectStore) readTreeAsMap(root Hash) (map[string]flatEntry, error) {
	out := map[string]flatEntry{}
	if root.IsZero() {
		return out, nil
	}
	if err := s.walkTree(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ObjectStore) walkTree(hash Hash, prefix string, out map[string]flatEntry) error {
	entries, err := s.GetTree(hash)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := e.Name
		if prefix != "" {
			path = prefix + "/" + e.Name
		}
		isDir := e.Mode == filemode.Dir
		out[path] = flatEntry{hash: e.Hash, isDir: isDir}
		if isDir {
			if err := s.walkTree(e.Hash, path, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func diffMaps(oldEntries, newEntries map[string]flatEntry) ([]Change, error) {
	var changes []Change

	for path, oldE := range oldEntries {
		newE, present := newEntries[path]
		if !present {
			if !oldE.isDir {
				changes = append(changes, Change{Path: path, Kind: Deleted, OldHash: oldE.hash})
			}
			continue
		}
		if oldE.isDir != newE.isDir {
			return nil, fmt.Errorf("%w: path %q changed between blob and tree", domain.ErrUnsupportedDelta, path)
		}
		if oldE.isDir {
			continue // directories themselves are never reported, only their leaves
		}
		if oldE.hash != newE.hash {
			changes = append(changes, Change{Path: path, Kind: Modified, OldHash: oldE.hash, NewHash: newE.hash})
		}
	}

	for path, newE := range newEntries {
		if newE.isDir {
			continue
		}
		if _, present := oldEntries[path]; !present {
			changes = append(changes, Change{Path: path, Kind: Added, NewHash: newE.hash})
		}
	}

	return changes, nil
}

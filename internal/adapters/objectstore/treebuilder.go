package objectstore

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// TreeBuilder constructs a multi-level tree from a flat map of slash-
// separated paths to blob ids, writing one tree object per directory level.
//
// Shape follows gittuf's internal/gitinterface TreeBuilder
// (buildIntermediates / writeTrees two-pass approach), re-expressed against
// go-git's object store instead of a shell-exec git backend.
type TreeBuilder struct {
	store *ObjectStore
	nodes map[string]*treeNode
}

type treeNode struct {
	blobs map[string]Hash // leaf name -> blob hash
	dirs  map[string]bool // child directory names present under this node
}

// NewTreeBuilder creates a tree builder backed by store.
func NewTreeBuilder(store *ObjectStore) *TreeBuilder {
	return &TreeBuilder{store: store, nodes: map[string]*treeNode{}}
}

func (b *TreeBuilder) node(dir string) *treeNode {
	n, ok := b.nodes[dir]
	if !ok {
		n = &treeNode{blobs: map[string]Hash{}, dirs: map[string]bool{}}
		b.nodes[dir] = n
	}
	return n
}

// WriteRootTree accepts a map of paths to blob ids and returns the id of the
// root tree containing them.
func (b *TreeBuilder) WriteRootTree(files map[string]Hash) (Hash, error) {
	b.nodes = map[string]*treeNode{"": {blobs: map[string]Hash{}, dirs: map[string]bool{}}}

	for path, hash := range files {
		b.addFile(path, hash)
	}

	return b.writeTree("")
}

func (b *TreeBuilder) addFile(path string, hash Hash) {
	segs := strings.Split(path, "/")
	dir := ""
	for i := 0; i < len(segs)-1; i++ {
		parent := dir
		if dir == "" {
			dir = segs[i]
		} else {
			dir = dir + "/" + segs[i]
		}
		b.node(parent).dirs[segs[i]] = true
		b.node(dir) // ensure it exists
	}
	b.node(dir).blobs[segs[len(segs)-1]] = hash
}

// writeTree recursively encodes the tree rooted at dir (bottom-up via
// recursion into child directories first) and returns its object id.
func (b *TreeBuilder) writeTree(dir string) (Hash, error) {
	n := b.node(dir)

	var entries []TreeEntry
	for name, hash := range n.blobs {
		entries = append(entries, TreeEntry{Name: name, Hash: hash, Mode: filemode.Regular})
	}
	for name := range n.dirs {
		childPath := name
		if dir != "" {
			childPath = dir + "/" + name
		}
		childHash, err := b.writeTree(childPath)
		if err != nil {
			return Hash{}, err
		}
		entries = append(entries, TreeEntry{Name: name, Hash: childHash, Mode: filemode.Dir})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return b.store.BuildTree(entries)
}

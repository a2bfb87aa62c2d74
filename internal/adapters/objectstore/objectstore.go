// Package objectstore wraps go-git's object database with exactly the four
// primitives the specification treats as an external collaborator:
// create blob, build tree, write commit, read tree entry. Nothing here
// knows about GeoPackages, features or tiles.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"

	"github.com/rcoup/kart/internal/domain"
)

// Hash is a content-addressed object id, hex-encoded.
type Hash = plumbing.Hash

// ObjectStore is a thin handle onto a repository's object database and
// reference store.
type ObjectStore struct {
	repo   *git.Repository
	storer storage.Storer
	gitDir string
}

// Open opens an existing repository rooted at path (the working directory;
// the object database lives under path/.git).
func Open(path string) (*ObjectStore, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRepoNotFound, err)
	}
	return &ObjectStore{repo: repo, storer: repo.Storer, gitDir: gitDirOf(path)}, nil
}

// Init creates a new repository rooted at path.
func Init(path string, bare bool) (*ObjectStore, error) {
	repo, err := git.PlainInit(path, bare)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	return &ObjectStore{repo: repo, storer: repo.Storer, gitDir: gitDirOf(path)}, nil
}

func gitDirOf(path string) string {
	return path + "/.git"
}

// GitDir returns the directory the LFS cache and other side-channel state
// is rooted under (<gitdir>/lfs/objects/...).
func (s *ObjectStore) GitDir() string {
	return s.gitDir
}

// PutBlob writes data as a new blob object and returns its id.
func (s *ObjectStore) PutBlob(data []byte) (Hash, error) {
	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("close blob writer: %w", err)
	}

	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

// GetBlob reads a blob's content by id.
func (s *ObjectStore) GetBlob(hash Hash) ([]byte, error) {
	obj, err := s.storer.EncodedObject(plumbing.BlobObject, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", domain.ErrNotFound, hash, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, fmt.Errorf("blob reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// TreeEntry is one entry of a tree object: a name segment mapping to an
// object id and its kind (blob or tree).
type TreeEntry struct {
	Name string
	Hash Hash
	Mode filemode.FileMode
}

// IsTree reports whether the entry refers to a sub-tree rather than a blob.
func (e TreeEntry) IsTree() bool {
	return e.Mode == filemode.Dir
}

// BuildTree writes a single-level tree object from a set of entries and
// returns its id. Entries are encoded in the order given; they are not
// sorted here, so callers pass them already in git's canonical order.
func (s *ObjectStore) BuildTree(entries []TreeEntry) (Hash, error) {
	tree := &object.Tree{}
	for _, e := range entries {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: e.Name,
			Mode: e.Mode,
			Hash: e.Hash,
		})
	}

	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store tree: %w", err)
	}
	return hash, nil
}

// GetTree reads a tree object's immediate entries.
func (s *ObjectStore) GetTree(hash Hash) ([]TreeEntry, error) {
	obj, err := s.storer.EncodedObject(plumbing.TreeObject, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: tree %s: %v", domain.ErrNotFound, hash, err)
	}
	tree := &object.Tree{}
	if err := tree.Decode(obj); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	entries := make([]TreeEntry, len(tree.Entries))
	for i, e := range tree.Entries {
		entries[i] = TreeEntry{Name: e.Name, Hash: e.Hash, Mode: e.Mode}
	}
	return entries, nil
}

// ReadTreeEntry resolves a slash-separated path inside a tree, returning the
// object id and kind of the entry at that path. This is the one primitive
// that walks multiple levels on the caller's behalf.
func (s *ObjectStore) ReadTreeEntry(rootTree Hash, path string) (TreeEntry, error) {
	obj, err := s.storer.EncodedObject(plumbing.TreeObject, rootTree)
	if err != nil {
		return TreeEntry{}, fmt.Errorf("%w: tree %s: %v", domain.ErrNotFound, rootTree, err)
	}
	tree := &object.Tree{}
	if err := tree.Decode(obj); err != nil {
		return TreeEntry{}, fmt.Errorf("decode tree: %w", err)
	}

	// object.Tree has no Storer-aware FindEntry in isolation; walk manually
	// one segment at a time, re-reading each intermediate tree.
	segs := splitPath(path)
	cur := tree
	for i, seg := range segs {
		var found *object.TreeEntry
		for j := range cur.Entries {
			if cur.Entries[j].Name == seg {
				found = &cur.Entries[j]
				break
			}
		}
		if found == nil {
			return TreeEntry{}, fmt.Errorf("%w: path %q", domain.ErrNotFound, path)
		}
		if i == len(segs)-1 {
			return TreeEntry{Name: found.Name, Hash: found.Hash, Mode: found.Mode}, nil
		}
		nextObj, err := s.storer.EncodedObject(plumbing.TreeObject, found.Hash)
		if err != nil {
			return TreeEntry{}, fmt.Errorf("%w: tree %s: %v", domain.ErrNotFound, found.Hash, err)
		}
		next := &object.Tree{}
		if err := next.Decode(nextObj); err != nil {
			return TreeEntry{}, fmt.Errorf("decode tree: %w", err)
		}
		cur = next
	}
	return TreeEntry{}, fmt.Errorf("%w: empty path", domain.ErrInvalidInput)
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		segs = append(segs, p[start:])
	}
	return segs
}

// Signature identifies a commit's author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CreateCommit writes a new commit object pointing at treeHash with the
// given parents, and returns its id. It does not move any reference.
func (s *ObjectStore) CreateCommit(treeHash Hash, parents []Hash, author, committer Signature, message string) (Hash, error) {
	c := &object.Commit{
		Author: object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  author.When,
		},
		Committer: object.Signature{
			Name:  committer.Name,
			Email: committer.Email,
			When:  committer.When,
		},
		Message:  message,
		TreeHash: treeHash,
	}
	for _, p := range parents {
		c.ParentHashes = append(c.ParentHashes, p)
	}

	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return hash, nil
}

// Commit is a commit object's tree id, parents, signatures and message.
type Commit struct {
	Hash      Hash
	TreeHash  Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// GetCommit reads a commit object's tree id, parents, signatures and message.
func (s *ObjectStore) GetCommit(hash Hash) (Commit, error) {
	obj, err := s.storer.EncodedObject(plumbing.CommitObject, hash)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: commit %s: %v", domain.ErrNotFound, hash, err)
	}
	c := &object.Commit{}
	if err := c.Decode(obj); err != nil {
		return Commit{}, fmt.Errorf("decode commit: %w", err)
	}
	parents := make([]Hash, len(c.ParentHashes))
	copy(parents, c.ParentHashes)
	return Commit{
		Hash:     hash,
		TreeHash: c.TreeHash,
		Parents:  parents,
		Author: Signature{
			Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When,
		},
		Committer: Signature{
			Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When,
		},
		Message: c.Message,
	}, nil
}

// ResolveRef resolves a reference name (e.g. "HEAD", "refs/heads/main") to a
// commit id.
func (s *ObjectStore) ResolveRef(name string) (Hash, error) {
	ref, err := s.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if name == "HEAD" || name == string(plumbing.HEAD) {
			ref, err = s.repo.Head()
		}
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: ref %s: %v", domain.ErrNotFound, name, err)
		}
	}
	return ref.Hash(), nil
}

// UpdateRef moves a branch reference to point at hash, creating it if
// necessary.
func (s *ObjectStore) UpdateRef(name string, hash Hash) error {
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), hash)
	return s.storer.SetReference(ref)
}

// HeadBranch returns the branch reference name HEAD currently points at.
func (s *ObjectStore) HeadBranch() (string, error) {
	ref, err := s.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("%w: HEAD: %v", domain.ErrNotFound, err)
	}
	return ref.Target().String(), nil
}

// SetHeadBranch repoints the symbolic HEAD reference at branch (e.g.
// "refs/heads/main"), the effect `git checkout -b`/`git switch` has on HEAD
// once the working copy side of a branch switch is done.
func (s *ObjectStore) SetHeadBranch(branch string) error {
	ref := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.ReferenceName(branch))
	return s.storer.SetReference(ref)
}

// Fetch downloads objects and refs from remote, updating refs/remotes/<remote>/*
// to match. refspecs overrides the remote's configured fetch refspec when
// non-empty. A remote already up to date is not an error.
func (s *ObjectStore) Fetch(ctx context.Context, remote string, refspecs []string) error {
	opts := &git.FetchOptions{RemoteName: remote}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, config.RefSpec(rs))
	}
	err := s.repo.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching from %s: %w", remote, err)
	}
	return nil
}

// RemoteBranchRef returns the remote-tracking reference name fetch leaves
// behind for branch (refs/remotes/<remote>/<branch>).
func RemoteBranchRef(remote, branch string) string {
	return "refs/remotes/" + remote + "/" + branch
}

// IsAncestor reports whether ancestor is reachable by following hash's
// parent chain, the basis of a fast-forward check: hash can fast-forward to
// a descendant iff hash itself appears somewhere in that descendant's
// history.
func (s *ObjectStore) IsAncestor(ancestor, hash Hash) (bool, error) {
	if ancestor == hash {
		return true, nil
	}
	seen := map[Hash]bool{}
	queue := []Hash{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true
		if h == ancestor {
			return true, nil
		}
		c, err := s.GetCommit(h)
		if err != nil {
			return false, err
		}
		queue = append(queue, c.Parents...)
	}
	return false, nil
}

// Clone clones url into dir and returns an ObjectStore handle onto it.
func Clone(ctx context.Context, url, dir string) (*ObjectStore, error) {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	return &ObjectStore{repo: repo, storer: repo.Storer, gitDir: gitDirOf(dir)}, nil
}

// FormatHash renders a hash as lowercase hex.
func FormatHash(h Hash) string {
	return h.String()
}

// ParseHash parses a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != 40 {
		return plumbing.ZeroHash, fmt.Errorf("%w: tree id %q is not a 40-character hex hash", domain.ErrInvalidInput, s)
	}
	return plumbing.NewHash(s), nil
}

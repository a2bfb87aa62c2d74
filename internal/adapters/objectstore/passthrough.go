package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Log walks from's parent chain, most recent first, the same traversal
// IsAncestor already performs, and is the object-store-port collaborator
// behind the `kart log` passthrough verb.
func (s *ObjectStore) Log(from Hash) ([]Commit, error) {
	var out []Commit
	seen := map[Hash]bool{}
	queue := []Hash{from}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true
		c, err := s.GetCommit(h)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		queue = append(queue, c.Parents...)
	}
	return out, nil
}

// Push uploads the current branch (or refspecs, if given) to remote, the
// collaborator behind the `kart push` passthrough verb.
func (s *ObjectStore) Push(ctx context.Context, remote string, refspecs []string) error {
	opts := &git.PushOptions{RemoteName: remote}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, config.RefSpec(rs))
	}
	err := s.repo.PushContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing to %s: %w", remote, err)
	}
	return nil
}

// Branches lists every local branch's short name, the collaborator behind
// the `kart branch` passthrough verb with no arguments.
func (s *ObjectStore) Branches() ([]string, error) {
	refs, err := s.repo.Branches()
	if err != nil {
		return nil, err
	}
	var out []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	return out, err
}

// CreateBranch points a new branch ref at hash, the collaborator behind
// `kart branch <name> [start-point]`.
func (s *ObjectStore) CreateBranch(name string, hash Hash) error {
	return s.UpdateRef("refs/heads/"+name, hash)
}

// Remotes lists every configured remote's name, the collaborator behind
// `kart remote` with no arguments.
func (s *ObjectStore) Remotes() ([]string, error) {
	remotes, err := s.repo.Remotes()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(remotes))
	for i, r := range remotes {
		out[i] = r.Config().Name
	}
	return out, nil
}

// AddRemote registers a new remote, the collaborator behind
// `kart remote add <name> <url>`.
func (s *ObjectStore) AddRemote(name, url string) error {
	_, err := s.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	return err
}

// Tags lists every tag's short name, the collaborator behind `kart tag` with
// no arguments.
func (s *ObjectStore) Tags() ([]string, error) {
	refs, err := s.repo.Tags()
	if err != nil {
		return nil, err
	}
	var out []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	return out, err
}

// CreateTag points a new lightweight tag ref at hash, the collaborator
// behind `kart tag <name> [refish]`.
func (s *ObjectStore) CreateTag(name string, hash Hash) error {
	return s.UpdateRef("refs/tags/"+name, hash)
}

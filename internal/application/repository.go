package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/application/pointcloud"
	"github.com/rcoup/kart/internal/application/workingcopy"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// TileLayer binds a point-cloud dataset engine to the directory its tile
// files are checked out into.
type TileLayer struct {
	dataset *pointcloud.Dataset
	dir     string
}

// RepositoryService implements input.RepositoryService, the primary port
// behind every state-mutating and repository-inspecting CLI verb. It
// composes the object store with the working-copy engines built in package
// workingcopy, plus one pointcloud.Dataset per point-cloud layer.
type RepositoryService struct {
	store    *objectstore.ObjectStore
	wc       output.WorkingCopyRepository
	checkout *workingcopy.CheckoutEngine
	differ   *workingcopy.Differ
	commit   *workingcopy.CommitEngine
	fsck     *workingcopy.FsckEngine
	tiles    map[string]TileLayer
	metrics  output.MetricsCollector

	mu     sync.Mutex
	wcPath string
}

// NewRepositoryService creates a repository service over store and wc, with
// the working copy currently materialized at wcPath (may be "" if none has
// been checked out yet). tiles maps every point-cloud layer's name to its
// dataset engine and the directory its tiles are checked out into. metrics
// may be &output.NoOpMetrics{} when metrics collection is disabled.
func NewRepositoryService(store *objectstore.ObjectStore, wc output.WorkingCopyRepository, wcPath string, tiles map[string]TileLayer, metrics output.MetricsCollector) *RepositoryService {
	differ := workingcopy.NewDiffer(wc, store)
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &RepositoryService{
		store:    store,
		wc:       wc,
		checkout: workingcopy.NewCheckoutEngine(wc, store, differ),
		differ:   differ,
		commit:   workingcopy.NewCommitEngine(wc, store, differ),
		fsck:     workingcopy.NewFsckEngine(wc, store),
		tiles:    tiles,
		metrics:  metrics,
		wcPath:   wcPath,
	}
}

// NewTileLayer is the constructor for a point-cloud layer binding, for
// callers wiring a RepositoryService outside this package.
func NewTileLayer(dataset *pointcloud.Dataset, dir string) TileLayer {
	return TileLayer{dataset: dataset, dir: dir}
}

// headTree resolves HEAD to its tree, returning the empty tree for a
// repository with no commits yet.
func (s *RepositoryService) headTree() (objectstore.Hash, error) {
	headHash, err := s.store.ResolveRef("HEAD")
	if err != nil {
		if !isNotFound(err) {
			return objectstore.Hash{}, err
		}
		return objectstore.NewTreeBuilder(s.store).WriteRootTree(nil)
	}
	commit, err := s.store.GetCommit(headHash)
	if err != nil {
		return objectstore.Hash{}, err
	}
	return commit.TreeHash, nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNotFound)
}

// resolveRefish resolves a branch, tag, commit-ish or "HEAD"/"" to a commit
// id, trying the name as given, then as a branch, then as a tag.
func (s *RepositoryService) resolveRefish(refish string) (objectstore.Hash, error) {
	if refish == "" {
		refish = "HEAD"
	}
	for _, candidate := range []string{refish, "refs/heads/" + refish, "refs/tags/" + refish} {
		if hash, err := s.store.ResolveRef(candidate); err == nil {
			return hash, nil
		}
	}
	return objectstore.Hash{}, fmt.Errorf("%w: refish %q", domain.ErrNotFound, refish)
}

// layersInTree returns the top-level directory names of tree: every
// top-level entry is one layer's root, whether a tabular GeoPackage layer
// (".../meta/gpkg_contents") or a point-cloud layer
// (".../.point-cloud-dataset.v1/tile/...").
func (s *RepositoryService) layersInTree(tree objectstore.Hash) ([]string, error) {
	entries, err := s.store.GetTree(tree)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsTree() {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

// resolveLayer returns req's explicit layer, or the tree's sole layer when
// there is exactly one, or an error when the choice is ambiguous.
func (s *RepositoryService) resolveLayer(tree objectstore.Hash, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	layers, err := s.layersInTree(tree)
	if err != nil {
		return "", err
	}
	switch len(layers) {
	case 0:
		return "", fmt.Errorf("%w: empty tree has no layers to check out", domain.ErrInvalidInput)
	case 1:
		return layers[0], nil
	default:
		return "", fmt.Errorf("%w: multiple layers present (%s); specify --layer", domain.ErrInvalidInput, strings.Join(layers, ", "))
	}
}

func (s *RepositoryService) isTileLayer(layer string) (TileLayer, bool) {
	tl, ok := s.tiles[layer]
	return tl, ok
}

// Checkout materializes req's refish into the working copy, creating a
// fresh database when none is checked out yet (or --force is given) and
// applying a tree-to-tree delta in place otherwise.
func (s *RepositoryService) Checkout(ctx context.Context, req input.CheckoutRequest) error {
	start := time.Now()
	err := s.checkout0(ctx, req)
	s.metrics.IncCheckouts(req.Layer, err == nil)
	s.metrics.ObserveCheckoutDuration(req.Layer, time.Since(start))
	return err
}

func (s *RepositoryService) checkout0(ctx context.Context, req input.CheckoutRequest) error {
	target, err := s.resolveRefish(req.Refish)
	if err != nil {
		return err
	}
	commit, err := s.store.GetCommit(target)
	if err != nil {
		return err
	}

	layer, err := s.resolveLayer(commit.TreeHash, req.Layer)
	if err != nil {
		return err
	}

	if tl, ok := s.isTileLayer(layer); ok {
		if _, err := tl.dataset.Diff(layer, commit.TreeHash, tl.dir); err != nil {
			return err
		}
	} else {
		path := req.WorkingCopy
		if path == "" {
			path = s.wcPath
		}
		if path == "" {
			return domain.ErrMissingWorkingCopy
		}

		exists, err := s.wc.TableExists(ctx, layer)
		if err != nil {
			return err
		}

		switch {
		case !exists || req.Force:
			if err := s.checkout.New(ctx, path, layer, commit.TreeHash); err != nil {
				return err
			}
		default:
			oldTreeID, err := s.headTree()
			if err != nil {
				return err
			}
			if err := s.checkout.Update(ctx, layer, oldTreeID, commit.TreeHash, req.Force); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.wcPath = path
		s.mu.Unlock()
	}

	if req.Branch != "" {
		branchRef := "refs/heads/" + req.Branch
		if err := s.store.UpdateRef(branchRef, target); err != nil {
			return err
		}
		return s.store.SetHeadBranch(branchRef)
	}

	// An empty or "HEAD" refish re-materializes whatever HEAD already
	// resolved to (e.g. after Merge moves the current branch forward):
	// leave HEAD's own ref (symbolic or detached) untouched.
	if req.Refish == "" || req.Refish == "HEAD" {
		return nil
	}

	if hash, err := s.store.ResolveRef("refs/heads/" + req.Refish); err == nil && hash == target {
		return s.store.SetHeadBranch("refs/heads/" + req.Refish)
	}
	return s.store.UpdateRef("HEAD", target)
}

// Commit writes layer's current working-copy (or tile-directory) diff as a
// new commit on the current branch.
func (s *RepositoryService) Commit(ctx context.Context, layer string, req input.CommitRequest) (string, error) {
	start := time.Now()
	hash, err := s.commit0(ctx, layer, req)
	success := err == nil || errors.Is(err, domain.ErrNoChanges)
	s.metrics.IncCommits(layer, success)
	s.metrics.ObserveCommitDuration(layer, time.Since(start))
	return hash, err
}

func (s *RepositoryService) commit0(ctx context.Context, layer string, req input.CommitRequest) (string, error) {
	if tl, ok := s.isTileLayer(layer); ok {
		return s.commitTiles(ctx, layer, tl, req)
	}
	return s.commit.Commit(ctx, layer, req)
}

func (s *RepositoryService) commitTiles(ctx context.Context, layer string, tl TileLayer, req input.CommitRequest) (string, error) {
	tree, err := s.headTree()
	if err != nil {
		return "", err
	}
	changes, err := tl.dataset.Diff(layer, tree, tl.dir)
	if err != nil {
		return "", err
	}
	if len(changes) == 0 {
		return "", domain.ErrNoChanges
	}

	paths, err := flattenTreeForCommit(s.store, tree)
	if err != nil {
		return "", err
	}
	if err := tl.dataset.Commit(ctx, layer, changes, req.ConvertToDatasetFormat, paths); err != nil {
		return "", err
	}

	newTree, err := objectstore.NewTreeBuilder(s.store).WriteRootTree(paths)
	if err != nil {
		return "", err
	}

	parents, err := s.parentsForNewCommit()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	author := objectstore.Signature{Name: req.AuthorName, Email: req.AuthorEmail, When: now}
	committer := objectstore.Signature{Name: req.CommitterName, Email: req.CommitterEmail, When: now}
	if committer.Name == "" {
		committer = author
	}
	newCommit, err := s.store.CreateCommit(newTree, parents, author, committer, req.Message)
	if err != nil {
		return "", err
	}
	branch, err := s.store.HeadBranch()
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	if err := s.store.UpdateRef(branch, newCommit); err != nil {
		return "", err
	}
	return objectstore.FormatHash(newCommit), nil
}

func (s *RepositoryService) parentsForNewCommit() ([]objectstore.Hash, error) {
	headHash, err := s.store.ResolveRef("HEAD")
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return []objectstore.Hash{headHash}, nil
}

// Diff reports layer's uncommitted changes against HEAD.
func (s *RepositoryService) Diff(ctx context.Context, layer string) (input.Diff, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveDiffDuration(layer, time.Since(start)) }()

	tree, err := s.headTree()
	if err != nil {
		return input.Diff{}, err
	}
	if tl, ok := s.isTileLayer(layer); ok {
		changes, err := tl.dataset.Diff(layer, tree, tl.dir)
		if err != nil {
			return input.Diff{}, err
		}
		return tileChangesToDiff(layer, changes), nil
	}
	return s.differ.WorkingCopyDiff(ctx, layer, tree)
}

// Status summarizes every layer's relationship to HEAD.
func (s *RepositoryService) Status(ctx context.Context) (input.Status, error) {
	branch, err := s.store.HeadBranch()
	if err != nil && !isNotFound(err) {
		return input.Status{}, err
	}
	branch = strings.TrimPrefix(branch, "refs/heads/")

	var headCommit string
	if hash, err := s.store.ResolveRef("HEAD"); err == nil {
		headCommit = objectstore.FormatHash(hash)
	}

	tree, err := s.headTree()
	if err != nil {
		return input.Status{}, err
	}

	var full input.Diff
	layers, err := s.layersInTree(tree)
	if err != nil {
		return input.Status{}, err
	}
	for _, layer := range layers {
		d, err := s.Diff(ctx, layer)
		if err != nil {
			return input.Status{}, err
		}
		full.Features = append(full.Features, d.Features...)
		full.Meta = append(full.Meta, d.Meta...)
	}

	dirty := !full.IsEmpty()
	s.metrics.SetWorkingCopyDirty(dirty)

	return input.Status{
		Branch:     branch,
		HeadCommit: headCommit,
		Dirty:      dirty,
		Diff:       full,
	}, nil
}

// Merge merges commit into the current branch. Only a fast-forward is
// implemented: a full three-way content merge of working-copy rows has no
// defined conflict-resolution semantics in this system beyond surfacing
// domain.ErrMergeConflict, so a non-fast-forward merge is refused rather
// than guessed at.
func (s *RepositoryService) Merge(ctx context.Context, req input.MergeRequest) (string, error) {
	target, err := s.resolveRefish(req.Commit)
	if err != nil {
		return "", err
	}
	headHash, err := s.store.ResolveRef("HEAD")
	if err != nil {
		if isNotFound(err) {
			headHash = objectstore.Hash{}
		} else {
			return "", err
		}
	}
	if headHash == target {
		return objectstore.FormatHash(headHash), nil
	}

	ff, err := s.store.IsAncestor(headHash, target)
	if err != nil {
		return "", err
	}
	if !ff {
		if req.Strategy == input.MergeFastForwardOnly {
			return "", domain.ErrMergeConflict
		}
		return "", fmt.Errorf("%w: non-fast-forward merges are not supported", domain.ErrMergeConflict)
	}
	if req.Strategy == input.MergeNoFastForward {
		commit, err := s.store.GetCommit(target)
		if err != nil {
			return "", err
		}
		merged, err := s.store.CreateCommit(commit.TreeHash, []objectstore.Hash{headHash, target},
			commit.Author, commit.Committer, "Merge "+req.Commit)
		if err != nil {
			return "", err
		}
		target = merged
	}

	branch, err := s.store.HeadBranch()
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateRef(branch, target); err != nil {
		return "", err
	}
	if err := s.Checkout(ctx, input.CheckoutRequest{Force: true}); err != nil {
		return "", err
	}
	return objectstore.FormatHash(target), nil
}

// Pull fetches remote and fast-forwards the current branch to match.
func (s *RepositoryService) Pull(ctx context.Context, remote string, refspecs []string) error {
	if remote == "" {
		remote = "origin"
	}
	if err := s.store.Fetch(ctx, remote, refspecs); err != nil {
		return err
	}
	branch, err := s.store.HeadBranch()
	if err != nil {
		return err
	}
	shortBranch := strings.TrimPrefix(branch, "refs/heads/")
	remoteRef := objectstore.RemoteBranchRef(remote, shortBranch)
	remoteHash, err := s.store.ResolveRef(remoteRef)
	if err != nil {
		return err
	}
	_, err = s.Merge(ctx, input.MergeRequest{Commit: objectstore.FormatHash(remoteHash), Strategy: input.MergeFastForward})
	return err
}

// Reset discards layer's uncommitted changes, rebuilding it from HEAD.
func (s *RepositoryService) Reset(ctx context.Context, layer string) error {
	tree, err := s.headTree()
	if err != nil {
		return err
	}
	resolvedLayer, err := s.resolveLayer(tree, layer)
	if err != nil {
		return err
	}
	if tl, ok := s.isTileLayer(resolvedLayer); ok {
		_, err := tl.dataset.Diff(resolvedLayer, tree, tl.dir)
		return err
	}
	s.mu.Lock()
	path := s.wcPath
	s.mu.Unlock()
	if path == "" {
		return domain.ErrMissingWorkingCopy
	}
	return s.checkout.New(ctx, path, resolvedLayer, tree)
}

// Show returns a commit's metadata (not its content diff) as a row, keyed by
// "commit" so CLI and HTTP formatting code can treat it like any other row.
func (s *RepositoryService) Show(ctx context.Context, refish string) (domain.Row, error) {
	hash, err := s.resolveRefish(refish)
	if err != nil {
		return domain.Row{}, err
	}
	commit, err := s.store.GetCommit(hash)
	if err != nil {
		return domain.Row{}, err
	}
	var parents []string
	for _, p := range commit.Parents {
		parents = append(parents, objectstore.FormatHash(p))
	}
	row := domain.Row{
		PKColumn: "commit",
		Columns:  []string{"commit", "tree", "parents", "author_name", "author_email", "committer_name", "committer_email", "message"},
		Values: map[string]any{
			"commit":          objectstore.FormatHash(hash),
			"tree":            objectstore.FormatHash(commit.TreeHash),
			"parents":         parents,
			"author_name":     commit.Author.Name,
			"author_email":    commit.Author.Email,
			"committer_name":  commit.Committer.Name,
			"committer_email": commit.Committer.Email,
			"message":         commit.Message,
		},
	}
	return row, nil
}

// Fsck verifies req's layer (or, when ResetLayer is set, first rebuilds it
// from HEAD and then verifies it).
func (s *RepositoryService) Fsck(ctx context.Context, req input.FsckRequest) (input.FsckReport, error) {
	if req.ResetLayer {
		if err := s.Reset(ctx, req.Layer); err != nil {
			return input.FsckReport{}, err
		}
	}
	report, err := s.fsck.Check(ctx, req.Layer)
	if err != nil {
		return report, err
	}
	for _, f := range report.Failures {
		s.metrics.IncFsckFailures(req.Layer, f.Check)
	}
	return report, nil
}

// SetWorkingCopyPath reconfigures which database file backs the working
// copy, refusing unless its recorded tree matches HEAD.
func (s *RepositoryService) SetWorkingCopyPath(ctx context.Context, path string) error {
	if err := s.wc.Close(ctx); err != nil {
		return err
	}
	if err := s.wc.Open(ctx, path); err != nil {
		return err
	}
	tree, err := s.headTree()
	if err != nil {
		return err
	}
	matches, err := s.wc.TreeMatches(ctx, objectstore.FormatHash(tree))
	if err != nil {
		return err
	}
	if !matches {
		return &domain.WorkingCopyMismatchError{ExpectedTree: objectstore.FormatHash(tree)}
	}
	s.mu.Lock()
	s.wcPath = path
	s.mu.Unlock()
	return nil
}

// Clone clones url into dir. The clone is independent of this service's own
// repository; the returned handle is discarded once cloning succeeds since
// the caller is expected to open a fresh RepositoryService against dir.
func (s *RepositoryService) Clone(ctx context.Context, url, dir string) error {
	_, err := objectstore.Clone(ctx, url, dir)
	return err
}

// tileChangesToDiff renders point-cloud tile changes as an input.Diff so
// diff/status reporting doesn't need a tile-specific code path.
func tileChangesToDiff(layer string, changes []pointcloud.TileChange) input.Diff {
	diff := input.Diff{}
	for _, c := range changes {
		fd := input.FeatureDelta{Layer: layer, FeatureKey: c.Tilename}
		switch c.Kind {
		case input.Insert:
			fd.Kind = input.Insert
			fd.NewValues = map[string]any{"hash": c.NewHash}
		case input.Update:
			fd.Kind = input.Update
			fd.OldValues = map[string]any{"hash": c.OldHash}
			fd.NewValues = map[string]any{"hash": c.NewHash}
		case input.Delete:
			fd.Kind = input.Delete
			fd.OldValues = map[string]any{"hash": c.OldHash}
		}
		diff.Features = append(diff.Features, fd)
	}
	return diff
}

// flattenTreeForCommit walks every leaf path of tree into a flat
// path -> blob id map, the same seed workingcopy.CommitEngine builds for
// itself, needed here since the tile commit path doesn't go through that
// engine.
func flattenTreeForCommit(store *objectstore.ObjectStore, tree objectstore.Hash) (map[string]objectstore.Hash, error) {
	out := map[string]objectstore.Hash{}
	var walk func(objectstore.Hash, string) error
	walk = func(h objectstore.Hash, prefix string) error {
		entries, err := store.GetTree(h)
		if err != nil {
			return err
		}
		for _, e := range entries {
			path := e.Name
			if prefix != "" {
				path = prefix + "/" + e.Name
			}
			if e.IsTree() {
				if err := walk(e.Hash, path); err != nil {
					return err
				}
				continue
			}
			out[path] = e.Hash
		}
		return nil
	}
	if err := walk(tree, ""); err != nil {
		return nil, err
	}
	return out, nil
}

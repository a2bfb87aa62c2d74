package workingcopy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// CommitEngine writes a working-copy diff into the object store as a new
// commit, grounded on snowdrop/cli.py's commit command body: assert the
// working copy is based on HEAD, diff it, mutate a flat path->blob map
// seeded from HEAD's tree, rebuild the tree, and advance the branch.
type CommitEngine struct {
	wc     output.WorkingCopyRepository
	store  *objectstore.ObjectStore
	differ *Differ
}

// NewCommitEngine creates a commit engine over wc and store.
func NewCommitEngine(wc output.WorkingCopyRepository, store *objectstore.ObjectStore, differ *Differ) *CommitEngine {
	return &CommitEngine{wc: wc, store: store, differ: differ}
}

// Commit runs the full commit sequence for layer and returns the new
// commit's id.
func (e *CommitEngine) Commit(ctx context.Context, layer string, req input.CommitRequest) (string, error) {
	headTree, parents, err := e.resolveHead()
	if err != nil {
		return "", err
	}

	headTreeID := objectstore.FormatHash(headTree)
	matches, err := e.wc.TreeMatches(ctx, headTreeID)
	if err != nil {
		return "", err
	}
	if !matches {
		return "", &domain.WorkingCopyMismatchError{ExpectedTree: headTreeID}
	}

	diff, err := e.differ.WorkingCopyDiff(ctx, layer, headTree)
	if err != nil {
		return "", err
	}
	if diff.IsEmpty() {
		return "", domain.ErrNoChanges
	}

	paths, err := e.flattenTree(headTree)
	if err != nil {
		return "", err
	}

	schema, err := e.wc.LayerSchema(ctx, layer)
	if err != nil {
		return "", err
	}
	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}

	if err := e.applyMetaDiff(ctx, layer, diff.Meta, paths); err != nil {
		return "", err
	}
	if err := e.applyFeatureDiff(ctx, layer, diff.Features, geomCols, paths); err != nil {
		return "", err
	}
	if err := e.wc.ResetTrackedChanges(ctx, layer); err != nil {
		return "", err
	}

	newTree, err := objectstore.NewTreeBuilder(e.store).WriteRootTree(paths)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	author := objectstore.Signature{Name: req.AuthorName, Email: req.AuthorEmail, When: now}
	committer := objectstore.Signature{Name: req.CommitterName, Email: req.CommitterEmail, When: now}
	if committer.Name == "" {
		committer = author
	}

	newCommit, err := e.store.CreateCommit(newTree, parents, author, committer, req.Message)
	if err != nil {
		return "", err
	}

	branch, err := e.store.HeadBranch()
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	if err := e.store.UpdateRef(branch, newCommit); err != nil {
		return "", fmt.Errorf("advancing %s: %w", branch, err)
	}
	if err := e.wc.WriteTreeMatch(ctx, objectstore.FormatHash(newTree)); err != nil {
		return "", err
	}

	return objectstore.FormatHash(newCommit), nil
}

// resolveHead returns HEAD's tree and parent list, or the empty tree with no
// parents for a repository's very first commit.
func (e *CommitEngine) resolveHead() (objectstore.Hash, []objectstore.Hash, error) {
	headHash, err := e.store.ResolveRef("HEAD")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			empty, err := objectstore.NewTreeBuilder(e.store).WriteRootTree(nil)
			if err != nil {
				return objectstore.Hash{}, nil, err
			}
			return empty, nil, nil
		}
		return objectstore.Hash{}, nil, err
	}
	headCommit, err := e.store.GetCommit(headHash)
	if err != nil {
		return objectstore.Hash{}, nil, err
	}
	return headCommit.TreeHash, []objectstore.Hash{headHash}, nil
}

// flattenTree walks every leaf path of tree into a flat path -> blob id map,
// the seed TreeBuilder.WriteRootTree needs to reproduce every layer and path
// the commit doesn't touch unchanged.
func (e *CommitEngine) flattenTree(tree objectstore.Hash) (map[string]objectstore.Hash, error) {
	paths := map[string]objectstore.Hash{}
	if err := e.walkTree(tree, "", paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func (e *CommitEngine) walkTree(tree objectstore.Hash, prefix string, out map[string]objectstore.Hash) error {
	entries, err := e.store.GetTree(tree)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := entry.Name
		if prefix != "" {
			path = prefix + "/" + entry.Name
		}
		if entry.IsTree() {
			if err := e.walkTree(entry.Hash, path, out); err != nil {
				return err
			}
			continue
		}
		out[path] = entry.Hash
	}
	return nil
}

func (e *CommitEngine) applyMetaDiff(ctx context.Context, layer string, deltas []input.MetaDelta, paths map[string]objectstore.Hash) error {
	if len(deltas) == 0 {
		return nil
	}
	current, err := e.wc.MetaItems(ctx, layer)
	if err != nil {
		return err
	}
	for _, md := range deltas {
		metaPath := layer + "/meta/" + md.Name
		v, ok := current[md.Name]
		if !ok || v == nil {
			delete(paths, metaPath)
			continue
		}
		blob, err := domain.EncodeMetaItem(v)
		if err != nil {
			return fmt.Errorf("encoding meta item %s: %w", md.Name, err)
		}
		hash, err := e.store.PutBlob(blob)
		if err != nil {
			return err
		}
		paths[metaPath] = hash
	}
	return nil
}

func (e *CommitEngine) applyFeatureDiff(ctx context.Context, layer string, deltas []input.FeatureDelta, geomCols map[string]bool, paths map[string]objectstore.Hash) error {
	for _, fd := range deltas {
		switch fd.Kind {
		case input.Delete:
			if fd.FeatureKey != "" {
				removeSubtree(paths, featureDir(layer, fd.FeatureKey))
			}
			if fd.PK != nil {
				if err := e.wc.ClearFeatureSync(ctx, layer, fd.PK); err != nil {
					return err
				}
			}

		case input.Insert:
			fk := uuid.New().String()
			if err := e.writeFeatureColumns(layer, fk, fd.NewValues, geomCols, paths); err != nil {
				return err
			}
			if fd.PK != nil {
				if err := e.wc.RecordFeatureSync(ctx, layer, fd.PK, fk); err != nil {
					return err
				}
			}

		case input.Update:
			if err := e.writeFeatureColumns(layer, fd.FeatureKey, fd.NewValues, geomCols, paths); err != nil {
				return err
			}
			for col := range fd.OldValues {
				if _, stillPresent := fd.NewValues[col]; !stillPresent {
					delete(paths, featureDir(layer, fd.FeatureKey)+"/"+col)
				}
			}
			if fd.PK != nil {
				if err := e.wc.RecordFeatureSync(ctx, layer, fd.PK, fd.FeatureKey); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *CommitEngine) writeFeatureColumns(layer, fk string, values map[string]any, geomCols map[string]bool, paths map[string]objectstore.Hash) error {
	dir := featureDir(layer, fk)
	for col, v := range values {
		blob, err := encodeFeatureValue(v, geomCols[col])
		if err != nil {
			return fmt.Errorf("encoding feature %s column %s: %w", fk, col, err)
		}
		hash, err := e.store.PutBlob(blob)
		if err != nil {
			return err
		}
		paths[dir+"/"+col] = hash
	}
	return nil
}

func featureDir(layer, fk string) string {
	return fmt.Sprintf("%s/features/%s/%s", layer, fk[:4], fk)
}

func removeSubtree(paths map[string]objectstore.Hash, dirPrefix string) {
	prefix := dirPrefix + "/"
	for p := range paths {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			delete(paths, p)
		}
	}
}

// encodeFeatureValue renders one column's value as the bytes stored in its
// blob: raw GPB for a geometry column (already the driver's scanned blob
// bytes), sorted-key-stable JSON for everything else.
func encodeFeatureValue(v any, isGeom bool) ([]byte, error) {
	if isGeom {
		switch b := v.(type) {
		case domain.Geometry:
			return []byte(b), nil
		case []byte:
			return b, nil
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("unexpected geometry value of type %T", v)
		}
	}
	return json.Marshal(v)
}

package workingcopy

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// FsckEngine verifies a layer's working copy is a faithful, internally
// consistent materialization of HEAD's tree, grounded on spec.md §4.7 and
// snowdrop/cli.py's fsck/_assert_db_tree_match.
type FsckEngine struct {
	wc    output.WorkingCopyRepository
	store *objectstore.ObjectStore
}

// NewFsckEngine creates an integrity verifier over wc and store.
func NewFsckEngine(wc output.WorkingCopyRepository, store *objectstore.ObjectStore) *FsckEngine {
	return &FsckEngine{wc: wc, store: store}
}

// Check runs every integrity check for layer in order, collecting every
// inconsistency found rather than stopping at the first one.
func (e *FsckEngine) Check(ctx context.Context, layer string) (input.FsckReport, error) {
	report := input.FsckReport{Layer: layer, OK: true}
	fail := func(check, message string) {
		report.OK = false
		report.Failures = append(report.Failures, input.FsckFailure{Check: check, Message: message})
	}

	exists, err := e.wc.TableExists(ctx, layer)
	if err != nil {
		return input.FsckReport{}, err
	}
	if !exists {
		fail("table_present", fmt.Sprintf("layer %q has no working-copy table", layer))
		return report, nil
	}

	headTree, err := e.headTree()
	if err != nil {
		return input.FsckReport{}, err
	}
	headTreeID := objectstore.FormatHash(headTree)

	matches, err := e.wc.TreeMatches(ctx, headTreeID)
	if err != nil {
		return input.FsckReport{}, err
	}
	if !matches {
		fail("tree_match", fmt.Sprintf("working copy is not based on HEAD's tree %s; try checkout --force", headTreeID))
	}

	mappings, err := e.wc.AllMappings(ctx, layer)
	if err != nil {
		return input.FsckReport{}, err
	}
	clean := map[string]any{}    // feature key -> pk, for state == 0 rows
	dirtyFKs := map[string]bool{} // feature keys currently mid-edit, excused from the tree-index check
	liveCount := 0
	for _, m := range mappings {
		if m.State < 0 {
			continue // tombstone: not live
		}
		liveCount++
		if m.State == 0 {
			if m.FeatureKey != "" {
				clean[m.FeatureKey] = m.PK
			}
		} else if m.FeatureKey != "" {
			dirtyFKs[m.FeatureKey] = true
		}
	}

	rowCount := 0
	if err := e.wc.StreamFeatures(ctx, layer, 500, func(domain.Row) error {
		rowCount++
		return nil
	}); err != nil {
		return input.FsckReport{}, err
	}

	if rowCount != liveCount {
		fail("row_count", fmt.Sprintf("user table has %d rows but tracking table has %d live rows", rowCount, liveCount))
	}

	schema, err := e.wc.LayerSchema(ctx, layer)
	if err != nil {
		return input.FsckReport{}, err
	}
	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}

	treeFKs, err := listFeatureKeys(e.store, layer, headTree)
	if err != nil {
		return input.FsckReport{}, err
	}
	treeSet := map[string]bool{}
	for _, fk := range treeFKs {
		treeSet[fk] = true
	}

	for fk := range treeSet {
		if dirtyFKs[fk] {
			continue
		}
		if _, ok := clean[fk]; !ok {
			fail("tree_index", fmt.Sprintf("feature %s is in the tree but not tracked as synchronised", fk))
		}
	}
	for fk := range clean {
		if dirtyFKs[fk] {
			continue
		}
		if !treeSet[fk] {
			fail("tree_index", fmt.Sprintf("feature %s is tracked as synchronised but absent from the tree", fk))
		}
	}

	for fk, pk := range clean {
		if dirtyFKs[fk] {
			continue
		}
		if err := e.checkFeatureHashes(ctx, layer, headTree, schema, geomCols, fk, pk, fail); err != nil {
			return input.FsckReport{}, err
		}
	}

	return report, nil
}

func (e *FsckEngine) checkFeatureHashes(
	ctx context.Context, layer string, headTree objectstore.Hash,
	schema output.LayerSchema, geomCols map[string]bool,
	fk string, pk any, fail func(check, message string),
) error {
	row, found, err := e.wc.ReadFeature(ctx, layer, pk)
	if err != nil {
		return err
	}
	if !found {
		fail("feature_hash", fmt.Sprintf("feature %s is tracked but its row is missing", fk))
		return nil
	}

	dirPath := fmt.Sprintf("%s/features/%s/%s", layer, fk[:4], fk)
	for _, col := range schema.Columns {
		entry, err := e.store.ReadTreeEntry(headTree, dirPath+"/"+col.Name)
		if err != nil {
			fail("feature_hash", fmt.Sprintf("feature %s column %s has no blob in the tree", fk, col.Name))
			continue
		}
		want, err := e.store.GetBlob(entry.Hash)
		if err != nil {
			return err
		}
		got, err := encodeFeatureValue(row.Values[col.Name], geomCols[col.Name])
		if err != nil {
			return fmt.Errorf("encoding feature %s column %s: %w", fk, col.Name, err)
		}
		if !bytes.Equal(want, got) {
			fail("feature_hash", fmt.Sprintf("feature %s column %s does not match its committed value", fk, col.Name))
		}
	}
	return nil
}

func (e *FsckEngine) headTree() (objectstore.Hash, error) {
	headHash, err := e.store.ResolveRef("HEAD")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return objectstore.NewTreeBuilder(e.store).WriteRootTree(nil)
		}
		return objectstore.Hash{}, err
	}
	commit, err := e.store.GetCommit(headHash)
	if err != nil {
		return objectstore.Hash{}, err
	}
	return commit.TreeHash, nil
}

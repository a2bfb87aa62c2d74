// Package workingcopy implements the diff, checkout, commit and fsck
// engines that bind a mutable GeoPackage working copy to its content-
// addressed repository tree.
package workingcopy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// Differ computes working-copy diffs (against the tree the working copy was
// last synchronised with) and tree-to-tree diffs (used by checkout).
//
// Grounded on snowdrop/cli.py's _build_db_diff: a left join of __kxg_map
// against the user table, classified by (state, feature_key), with features
// needing comparison read back from the tree feature-by-feature.
type Differ struct {
	wc    output.WorkingCopyRepository
	store *objectstore.ObjectStore
}

// NewDiffer creates a Differ over wc and store.
func NewDiffer(wc output.WorkingCopyRepository, store *objectstore.ObjectStore) *Differ {
	return &Differ{wc: wc, store: store}
}

// WorkingCopyDiff computes the diff between layer's working copy and
// baseTree, the tree it was last checked out from (or reset to).
func (d *Differ) WorkingCopyDiff(ctx context.Context, layer string, baseTree objectstore.Hash) (input.Diff, error) {
	changes, err := d.wc.TrackedChanges(ctx, layer)
	if err != nil {
		return input.Diff{}, fmt.Errorf("reading tracked changes: %w", err)
	}

	var features []input.FeatureDelta
	for _, c := range changes {
		switch {
		case c.State < 0 && c.FeatureKey == "":
			// Insert immediately followed by delete before ever being
			// committed: drop silently, per the specification.
			continue

		case c.State < 0 && c.FeatureKey != "":
			oldValues, err := d.readFeatureFromTree(ctx, layer, baseTree, c.FeatureKey)
			if err != nil {
				return input.Diff{}, err
			}
			features = append(features, input.FeatureDelta{
				Layer: layer, FeatureKey: c.FeatureKey, Kind: input.Delete, OldValues: oldValues, PK: c.PK,
			})

		case c.State > 0 && c.FeatureKey == "":
			row, found, err := d.wc.ReadFeature(ctx, layer, c.PK)
			if err != nil {
				return input.Diff{}, err
			}
			if !found {
				continue
			}
			features = append(features, input.FeatureDelta{
				Layer: layer, FeatureKey: "", Kind: input.Insert, NewValues: row.Values, PK: c.PK,
			})

		case c.State > 0 && c.FeatureKey != "":
			row, found, err := d.wc.ReadFeature(ctx, layer, c.PK)
			if err != nil {
				return input.Diff{}, err
			}
			if !found {
				continue
			}
			oldValues, err := d.readFeatureFromTree(ctx, layer, baseTree, c.FeatureKey)
			if err != nil {
				return input.Diff{}, err
			}
			features = append(features, input.FeatureDelta{
				Layer: layer, FeatureKey: c.FeatureKey, Kind: input.Update,
				OldValues: oldValues, NewValues: row.Values, PK: c.PK,
			})
		}
	}

	meta, err := d.metaDiff(ctx, layer, baseTree)
	if err != nil {
		return input.Diff{}, err
	}

	return input.Diff{Features: features, Meta: meta}, nil
}

// readFeatureFromTree decodes one feature's column values from its blobs at
// <layer>/features/<fk[0:4]>/<fk>/<col> under baseTree.
func (d *Differ) readFeatureFromTree(ctx context.Context, layer string, baseTree objectstore.Hash, fk string) (map[string]any, error) {
	schema, err := d.wc.LayerSchema(ctx, layer)
	if err != nil {
		return nil, err
	}
	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}

	dirPath := fmt.Sprintf("%s/features/%s/%s", layer, fk[:4], fk)
	values := map[string]any{}
	for _, col := range schema.Columns {
		entry, err := d.store.ReadTreeEntry(baseTree, dirPath+"/"+col.Name)
		if err != nil {
			continue // column absent, e.g. added to the schema since this commit
		}
		blob, err := d.store.GetBlob(entry.Hash)
		if err != nil {
			return nil, err
		}
		if geomCols[col.Name] {
			values[col.Name] = domain.Geometry(blob)
			continue
		}
		var v any
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, fmt.Errorf("decoding feature %s column %s: %w", fk, col.Name, err)
		}
		values[col.Name] = v
	}
	return values, nil
}

// metaDiff compares every meta-item name's current DB value against its tree
// blob, reporting a symmetric difference of rows (a singular item is treated
// as a one-row list) so unchanged rows within a list-shaped item don't show
// up as noise.
func (d *Differ) metaDiff(ctx context.Context, layer string, baseTree objectstore.Hash) ([]input.MetaDelta, error) {
	current, err := d.wc.MetaItems(ctx, layer)
	if err != nil {
		return nil, err
	}

	var deltas []input.MetaDelta
	for _, name := range domain.MetaItemNames {
		newRows := asRows(current[name])
		oldRows, err := d.readMetaFromTree(ctx, layer, baseTree, name)
		if err != nil {
			return nil, err
		}

		added, removed := rowSetDiff(oldRows, newRows)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		deltas = append(deltas, input.MetaDelta{Layer: layer, Name: name, Added: added, Removed: removed})
	}
	return deltas, nil
}

func (d *Differ) readMetaFromTree(ctx context.Context, layer string, baseTree objectstore.Hash, name string) ([]domain.OrderedObject, error) {
	entry, err := d.store.ReadTreeEntry(baseTree, layer+"/meta/"+name)
	if err != nil {
		return nil, nil
	}
	blob, err := d.store.GetBlob(entry.Hash)
	if err != nil {
		return nil, err
	}

	if domain.Singular(name) {
		var obj map[string]any
		if err := json.Unmarshal(blob, &obj); err != nil {
			return nil, fmt.Errorf("decoding meta item %s: %w", name, err)
		}
		if obj == nil {
			return nil, nil
		}
		return []domain.OrderedObject{domain.OrderedObject(obj)}, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(blob, &list); err != nil {
		return nil, fmt.Errorf("decoding meta item %s: %w", name, err)
	}
	out := make([]domain.OrderedObject, len(list))
	for i, row := range list {
		out[i] = domain.OrderedObject(row)
	}
	return out, nil
}

// asRows normalizes a MetaItems() value (either a domain.OrderedObject or a
// []domain.OrderedObject, or nil if the item is absent) to a row list.
func asRows(v any) []domain.OrderedObject {
	switch t := v.(type) {
	case nil:
		return nil
	case domain.OrderedObject:
		return []domain.OrderedObject{t}
	case []domain.OrderedObject:
		return t
	default:
		return nil
	}
}

// TreeDiff computes a structural diff of every layer's features between two
// trees, grouping the leaf-level blob changes objectstore.DiffTrees reports
// into one feature delta per feature-key, the shape checkout needs.
func (d *Differ) TreeDiff(oldTree, newTree objectstore.Hash) (input.Diff, error) {
	changes, err := d.store.DiffTrees(oldTree, newTree)
	if err != nil {
		return input.Diff{}, err
	}

	groups := map[string][]objectstore.Change{}
	var order []string
	for _, c := range changes {
		fk, _, ok := splitFeaturePath(c.Path)
		if !ok {
			continue
		}
		if _, seen := groups[fk]; !seen {
			order = append(order, fk)
		}
		groups[fk] = append(groups[fk], c)
	}

	var features []input.FeatureDelta
	for _, fk := range order {
		group := groups[fk]
		delta, err := d.buildFeatureDelta(fk, group)
		if err != nil {
			return input.Diff{}, err
		}
		features = append(features, delta)
	}

	return input.Diff{Features: features}, nil
}

// splitFeaturePath extracts the feature-key and column name from a path of
// the form <layer>/features/<fk[0:4]>/<fk>/<col>.
func splitFeaturePath(path string) (fk, col string, ok bool) {
	segs := splitSlash(path)
	for i := 0; i < len(segs)-3; i++ {
		if segs[i+1] == "features" {
			return segs[i+3], segs[len(segs)-1], true
		}
	}
	return "", "", false
}

func splitSlash(p string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			segs = append(segs, p[start:i])
			start = i + 1
		}
	}
	segs = append(segs, p[start:])
	return segs
}

func (d *Differ) buildFeatureDelta(fk string, changes []objectstore.Change) (input.FeatureDelta, error) {
	allAdded, allDeleted := true, true
	for _, c := range changes {
		if c.Kind != objectstore.Added {
			allAdded = false
		}
		if c.Kind != objectstore.Deleted {
			allDeleted = false
		}
	}

	switch {
	case allAdded:
		newValues, err := d.decodeColumns(changes, func(c objectstore.Change) objectstore.Hash { return c.NewHash })
		if err != nil {
			return input.FeatureDelta{}, err
		}
		return input.FeatureDelta{FeatureKey: fk, Kind: input.Insert, NewValues: newValues}, nil

	case allDeleted:
		oldValues, err := d.decodeColumns(changes, func(c objectstore.Change) objectstore.Hash { return c.OldHash })
		if err != nil {
			return input.FeatureDelta{}, err
		}
		return input.FeatureDelta{FeatureKey: fk, Kind: input.Delete, OldValues: oldValues}, nil

	default:
		oldValues := map[string]any{}
		newValues := map[string]any{}
		for _, c := range changes {
			_, col, _ := splitFeaturePath(c.Path)
			if c.Kind != objectstore.Added {
				v, err := d.decodeColumnBlob(col, c.OldHash)
				if err != nil {
					return input.FeatureDelta{}, err
				}
				oldValues[col] = v
			}
			if c.Kind != objectstore.Deleted {
				v, err := d.decodeColumnBlob(col, c.NewHash)
				if err != nil {
					return input.FeatureDelta{}, err
				}
				newValues[col] = v
			}
		}
		return input.FeatureDelta{FeatureKey: fk, Kind: input.Update, OldValues: oldValues, NewValues: newValues}, nil
	}
}

func (d *Differ) decodeColumns(changes []objectstore.Change, pick func(objectstore.Change) objectstore.Hash) (map[string]any, error) {
	values := map[string]any{}
	for _, c := range changes {
		_, col, _ := splitFeaturePath(c.Path)
		v, err := d.decodeColumnBlob(col, pick(c))
		if err != nil {
			return nil, err
		}
		values[col] = v
	}
	return values, nil
}

// decodeColumnBlob decodes one column's blob bytes: raw GPB for the
// geometry column (detected structurally by its GP magic, since the tree
// diff has no schema in hand to consult), JSON for everything else.
func (d *Differ) decodeColumnBlob(col string, hash objectstore.Hash) (any, error) {
	blob, err := d.store.GetBlob(hash)
	if err != nil {
		return nil, err
	}
	if len(blob) >= 2 && blob[0] == 'G' && blob[1] == 'P' {
		return domain.Geometry(blob), nil
	}
	var v any
	if err := json.Unmarshal(blob, &v); err != nil {
		return nil, fmt.Errorf("decoding column %s: %w", col, err)
	}
	return v, nil
}

// HasMetaDifference reports whether layer's meta sub-tree differs between
// the two trees, the basis of update-checkout's "no way to do
// changeset/meta/schema updates yet" refusal.
func (d *Differ) HasMetaDifference(layer string, oldTree, newTree objectstore.Hash) (bool, error) {
	changes, err := d.store.DiffTrees(oldTree, newTree)
	if err != nil {
		return false, err
	}
	metaPrefix := layer + "/meta/"
	for _, c := range changes {
		if len(c.Path) > len(metaPrefix) && c.Path[:len(metaPrefix)] == metaPrefix {
			return true, nil
		}
	}
	return false, nil
}

// rowSetDiff computes the symmetric difference between two row sets, keyed
// by each row's canonical (sorted-key) JSON encoding.
func rowSetDiff(oldRows, newRows []domain.OrderedObject) (added, removed []domain.OrderedObject) {
	oldKeys := map[string]bool{}
	for _, r := range oldRows {
		k, err := json.Marshal(r)
		if err != nil {
			continue
		}
		oldKeys[string(k)] = true
	}
	newKeys := map[string]bool{}
	for _, r := range newRows {
		k, err := json.Marshal(r)
		if err != nil {
			continue
		}
		newKeys[string(k)] = true
		if !oldKeys[string(k)] {
			added = append(added, r)
		}
	}
	for _, r := range oldRows {
		k, err := json.Marshal(r)
		if err != nil {
			continue
		}
		if !newKeys[string(k)] {
			removed = append(removed, r)
		}
	}
	return added, removed
}

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

// CheckoutEngine materializes a repository tree into a GeoPackage working
// copy, either building one from scratch (new) or moving an already-checked-
// out one forward to a different tree (update), grounded on
// snowdrop/cli.py's _checkout_new and _checkout_update.
type CheckoutEngine struct {
	wc     output.WorkingCopyRepository
	store  *objectstore.ObjectStore
	differ *Differ
}

// NewCheckoutEngine creates a checkout engine over wc and store.
func NewCheckoutEngine(wc output.WorkingCopyRepository, store *objectstore.ObjectStore, differ *Differ) *CheckoutEngine {
	return &CheckoutEngine{wc: wc, store: store, differ: differ}
}

// New creates a brand new working copy database at path and populates layer
// from scratch out of tree: table, rows, spatial index, change-tracking
// triggers seeded with every feature's key, then the tree-match record.
func (e *CheckoutEngine) New(ctx context.Context, path, layer string, tree objectstore.Hash) error {
	if err := e.wc.Create(ctx, path); err != nil {
		return fmt.Errorf("creating working copy: %w", err)
	}

	schema, err := e.readSchemaFromTree(layer, tree)
	if err != nil {
		return err
	}
	if err := e.wc.CreateTable(ctx, schema); err != nil {
		return fmt.Errorf("creating layer table: %w", err)
	}

	if err := e.copyMetaExtras(ctx, layer, tree); err != nil {
		return err
	}

	if err := e.wc.InstallTriggers(ctx, layer); err != nil {
		return fmt.Errorf("installing triggers: %w", err)
	}

	features, err := listFeatureKeys(e.store, layer, tree)
	if err != nil {
		return err
	}
	insertErr := e.wc.WithTriggersSuspended(ctx, layer, func() error {
		for _, fk := range features {
			row, err := e.readFeature(layer, tree, schema, fk)
			if err != nil {
				return err
			}
			if err := e.wc.InsertFeature(ctx, layer, row); err != nil {
				return fmt.Errorf("inserting feature %s: %w", fk, err)
			}
			if err := e.wc.RecordFeatureSync(ctx, layer, row.PK(), fk); err != nil {
				return fmt.Errorf("recording feature %s: %w", fk, err)
			}
		}
		return nil
	})
	if insertErr != nil {
		return insertErr
	}

	if len(schema.GeomColumns()) > 0 {
		if err := e.wc.CreateSpatialIndex(ctx, layer); err != nil {
			return fmt.Errorf("creating spatial index: %w", err)
		}
	}

	return e.wc.WriteTreeMatch(ctx, objectstore.FormatHash(tree))
}

// Update moves an already checked-out layer from oldTree to newTree in
// place, applying only the tree-to-tree delta rather than rebuilding the
// table. Refuses if the two trees disagree on layer's meta sub-tree: there
// is no way to do changeset/meta/schema updates yet, so the caller must fall
// back to a full reset in that case.
//
// Before touching anything it asserts that the working copy's own
// __kxg_meta.tree still matches oldTree, the tree the caller believes it was
// last synchronised with: a working copy edited out from under this process
// (or reopened against a stale path) would otherwise have oldTree's delta
// applied on top of whatever tree it actually holds, silently corrupting it.
// force bypasses the assertion, re-stamping the working copy onto oldTree
// before applying the delta, for callers that already know the mismatch and
// want to push through it anyway.
func (e *CheckoutEngine) Update(ctx context.Context, layer string, oldTree, newTree objectstore.Hash, force bool) error {
	matches, err := e.wc.TreeMatches(ctx, objectstore.FormatHash(oldTree))
	if err != nil {
		return err
	}
	if !matches {
		if !force {
			return &domain.WorkingCopyMismatchError{ExpectedTree: objectstore.FormatHash(oldTree)}
		}
		if err := e.wc.WriteTreeMatch(ctx, objectstore.FormatHash(oldTree)); err != nil {
			return err
		}
	}

	metaChanged, err := e.differ.HasMetaDifference(layer, oldTree, newTree)
	if err != nil {
		return err
	}
	if metaChanged {
		return domain.ErrSchemaUpdate
	}

	diff, err := e.differ.TreeDiff(oldTree, newTree)
	if err != nil {
		return err
	}

	schema, err := e.wc.LayerSchema(ctx, layer)
	if err != nil {
		return err
	}

	applyErr := e.wc.WithTriggersSuspended(ctx, layer, func() error {
		for _, delta := range orderDeletesFirst(diff.Features) {
			if err := e.applyFeatureDelta(ctx, layer, schema, delta); err != nil {
				return err
			}
		}
		return nil
	})
	if applyErr != nil {
		return applyErr
	}

	return e.wc.WriteTreeMatch(ctx, objectstore.FormatHash(newTree))
}

// orderDeletesFirst partitions deltas so every Delete is applied before any
// Insert or Update, preserving each kind's relative order otherwise. This
// matters when a feature's primary key is reused across the delta (a row
// deleted and a different row inserted under the same id): applying the
// insert first would collide with the still-present old row.
func orderDeletesFirst(deltas []input.FeatureDelta) []input.FeatureDelta {
	out := make([]input.FeatureDelta, 0, len(deltas))
	for _, d := range deltas {
		if d.Kind == input.Delete {
			out = append(out, d)
		}
	}
	for _, d := range deltas {
		if d.Kind != input.Delete {
			out = append(out, d)
		}
	}
	return out
}

func (e *CheckoutEngine) applyFeatureDelta(ctx context.Context, layer string, schema output.LayerSchema, delta input.FeatureDelta) error {
	pkCol := schema.PKColumn()

	switch delta.Kind {
	case input.Insert:
		row := domain.Row{PKColumn: pkCol, GeomColumns: schema.GeomColumns(), Values: delta.NewValues}
		for _, c := range schema.Columns {
			row.Columns = append(row.Columns, c.Name)
		}
		if err := e.wc.InsertFeature(ctx, layer, row); err != nil {
			return fmt.Errorf("inserting feature %s: %w", delta.FeatureKey, err)
		}
		return e.wc.RecordFeatureSync(ctx, layer, row.PK(), delta.FeatureKey)

	case input.Delete:
		pk, found, err := e.wc.LookupFeatureKey(ctx, layer, delta.FeatureKey)
		if err != nil {
			return err
		}
		if !found {
			return nil // already gone, nothing to do
		}
		if err := e.wc.DeleteFeature(ctx, layer, pk); err != nil {
			return fmt.Errorf("deleting feature %s: %w", delta.FeatureKey, err)
		}
		return e.wc.ClearFeatureSync(ctx, layer, pk)

	case input.Update:
		pk, found, err := e.wc.LookupFeatureKey(ctx, layer, delta.FeatureKey)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: feature %s has no tracking row to update", domain.ErrConflict, delta.FeatureKey)
		}
		values := map[string]any{pkCol: pk}
		var cols []string
		for col, v := range delta.NewValues {
			if col == pkCol {
				continue
			}
			cols = append(cols, col)
			values[col] = v
		}
		row := domain.Row{PKColumn: pkCol, GeomColumns: schema.GeomColumns(), Columns: cols, Values: values}
		if err := e.wc.UpdateFeature(ctx, layer, row); err != nil {
			return fmt.Errorf("updating feature %s: %w", delta.FeatureKey, err)
		}
		return nil
	}
	return nil
}

// readSchemaFromTree derives a LayerSchema from layer's sqlite_table_info
// and gpkg_geometry_columns meta blobs. Absence of sqlite_table_info means
// the tree doesn't describe a tabular GeoPackage layer at all (e.g. a
// point-cloud tile dataset), which this engine does not handle.
func (e *CheckoutEngine) readSchemaFromTree(layer string, tree objectstore.Hash) (output.LayerSchema, error) {
	tableInfo, err := e.readMetaBlob(layer, tree, "sqlite_table_info")
	if err != nil || tableInfo == nil {
		return output.LayerSchema{}, fmt.Errorf("%w: layer %q has no sqlite_table_info", domain.ErrNotAGeoPackageLayer, layer)
	}
	var cols []map[string]any
	if err := json.Unmarshal(tableInfo, &cols); err != nil {
		return output.LayerSchema{}, fmt.Errorf("decoding sqlite_table_info: %w", err)
	}

	geomCol, geomSRID, err := e.readGeometryColumn(layer, tree)
	if err != nil {
		return output.LayerSchema{}, err
	}

	schema := output.LayerSchema{Name: layer}
	for _, c := range cols {
		name, _ := c["name"].(string)
		sqlType, _ := c["type"].(string)
		pk, _ := c["pk"].(float64)
		def := output.ColumnDef{Name: name, SQLType: sqlType, PK: pk > 0}
		if name == geomCol {
			def.GeomSRID = geomSRID
		}
		schema.Columns = append(schema.Columns, def)
	}
	return schema, nil
}

func (e *CheckoutEngine) readGeometryColumn(layer string, tree objectstore.Hash) (string, int32, error) {
	blob, err := e.readMetaBlob(layer, tree, "gpkg_geometry_columns")
	if err != nil || blob == nil {
		return "", 0, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(blob, &obj); err != nil {
		return "", 0, fmt.Errorf("decoding gpkg_geometry_columns: %w", err)
	}
	col, _ := obj["column_name"].(string)
	srid, _ := obj["srs_id"].(float64)
	return col, int32(srid), nil
}

// copyMetaExtras mirrors the free-form gpkg_metadata item (if present) into
// the working copy; the structural items (contents, geometry columns, table
// schema) are already reflected through CreateTable's own registration, and
// the commit-time meta diff compares live DB state against the tree
// directly rather than depending on checkout having reproduced every field.
func (e *CheckoutEngine) copyMetaExtras(ctx context.Context, layer string, tree objectstore.Hash) error {
	blob, err := e.readMetaBlob(layer, tree, "gpkg_metadata")
	if err != nil || blob == nil {
		return nil
	}
	return e.wc.WriteMetaItem(ctx, layer, "gpkg_metadata", blob)
}

func (e *CheckoutEngine) readMetaBlob(layer string, tree objectstore.Hash, name string) ([]byte, error) {
	entry, err := e.store.ReadTreeEntry(tree, layer+"/meta/"+name)
	if err != nil {
		return nil, nil //nolint:nilerr // absent meta item is not an error
	}
	return e.store.GetBlob(entry.Hash)
}

// listFeatureKeys enumerates every feature key present under
// <layer>/features/<shard>/<fk> in tree. Shared by checkout (to seed a new
// working copy) and fsck (to compare the tree's feature set against
// __kxg_map's).
func listFeatureKeys(store *objectstore.ObjectStore, layer string, tree objectstore.Hash) ([]string, error) {
	featuresEntry, err := store.ReadTreeEntry(tree, layer+"/features")
	if err != nil {
		return nil, nil // layer has no features yet
	}
	shards, err := store.GetTree(featuresEntry.Hash)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, shard := range shards {
		if !shard.IsTree() {
			continue
		}
		fkEntries, err := store.GetTree(shard.Hash)
		if err != nil {
			return nil, err
		}
		for _, fk := range fkEntries {
			if fk.IsTree() {
				keys = append(keys, fk.Name)
			}
		}
	}
	return keys, nil
}

// readFeature decodes one feature's full row from its column blobs under
// <layer>/features/<fk[0:4]>/<fk>/<col>.
func (e *CheckoutEngine) readFeature(layer string, tree objectstore.Hash, schema output.LayerSchema, fk string) (domain.Row, error) {
	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}

	dirPath := fmt.Sprintf("%s/features/%s/%s", layer, fk[:4], fk)
	row := domain.Row{PKColumn: schema.PKColumn(), GeomColumns: schema.GeomColumns(), Values: map[string]any{}}
	for _, col := range schema.Columns {
		entry, err := e.store.ReadTreeEntry(tree, dirPath+"/"+col.Name)
		if err != nil {
			continue
		}
		blob, err := e.store.GetBlob(entry.Hash)
		if err != nil {
			return domain.Row{}, err
		}
		row.Columns = append(row.Columns, col.Name)
		if geomCols[col.Name] {
			row.Values[col.Name] = domain.Geometry(blob)
			continue
		}
		var v any
		if err := json.Unmarshal(blob, &v); err != nil {
			return domain.Row{}, fmt.Errorf("decoding feature %s column %s: %w", fk, col.Name, err)
		}
		row.Values[col.Name] = v
	}
	return row, nil
}

package workingcopy

import (
	"context"
	"testing"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// fakeWorkingCopy implements output.WorkingCopyRepository with just enough
// behaviour to drive the diff engine; every method the diff engine doesn't
// call is a harmless stub.
type fakeWorkingCopy struct {
	schema  output.LayerSchema
	rows    map[any]domain.Row
	changes []output.TrackedChange
	meta    map[string]any

	treeMatch    string
	synced       map[string]any // feature key -> pk, from RecordFeatureSync
	cleared      []any          // pks, from ClearFeatureSync
	resetDone    bool
	allMappings  []output.TrackedChange
	tableMissing bool
}

func (f *fakeWorkingCopy) Open(context.Context, string) error   { return nil }
func (f *fakeWorkingCopy) Create(context.Context, string) error { return nil }
func (f *fakeWorkingCopy) Close(context.Context) error          { return nil }

func (f *fakeWorkingCopy) CreateTable(context.Context, output.LayerSchema) error { return nil }
func (f *fakeWorkingCopy) TableExists(context.Context, string) (bool, error) {
	return !f.tableMissing, nil
}
func (f *fakeWorkingCopy) LayerSchema(context.Context, string) (output.LayerSchema, error) {
	return f.schema, nil
}

func (f *fakeWorkingCopy) InsertFeature(context.Context, string, domain.Row) error { return nil }
func (f *fakeWorkingCopy) UpdateFeature(context.Context, string, domain.Row) error { return nil }
func (f *fakeWorkingCopy) DeleteFeature(context.Context, string, any) error        { return nil }

func (f *fakeWorkingCopy) ReadFeature(_ context.Context, _ string, pk any) (domain.Row, bool, error) {
	row, ok := f.rows[pk]
	return row, ok, nil
}

func (f *fakeWorkingCopy) StreamFeatures(_ context.Context, _ string, _ int, visit output.FeatureVisitor) error {
	for _, row := range f.rows {
		if err := visit(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeWorkingCopy) WriteMetaItem(context.Context, string, string, []byte) error { return nil }
func (f *fakeWorkingCopy) ReadMetaItem(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (f *fakeWorkingCopy) MetaItems(context.Context, string) (map[string]any, error) {
	return f.meta, nil
}

func (f *fakeWorkingCopy) InstallTriggers(context.Context, string) error { return nil }
func (f *fakeWorkingCopy) DropTriggers(context.Context, string) error   { return nil }
func (f *fakeWorkingCopy) WithTriggersSuspended(_ context.Context, _ string, fn func() error) error {
	return fn()
}

func (f *fakeWorkingCopy) TrackedChanges(context.Context, string) ([]output.TrackedChange, error) {
	return f.changes, nil
}

func (f *fakeWorkingCopy) AllMappings(context.Context, string) ([]output.TrackedChange, error) {
	return f.allMappings, nil
}

func (f *fakeWorkingCopy) RecordFeatureSync(_ context.Context, _ string, pk any, featureKey string) error {
	if f.synced == nil {
		f.synced = map[string]any{}
	}
	f.synced[featureKey] = pk
	return nil
}
func (f *fakeWorkingCopy) ClearFeatureSync(_ context.Context, _ string, pk any) error {
	f.cleared = append(f.cleared, pk)
	return nil
}
func (f *fakeWorkingCopy) ResetTrackedChanges(context.Context, string) error {
	f.resetDone = true
	return nil
}
func (f *fakeWorkingCopy) LookupFeatureKey(context.Context, string, string) (any, bool, error) {
	return nil, false, nil
}

func (f *fakeWorkingCopy) CreateSpatialIndex(context.Context, string) error      { return nil }
func (f *fakeWorkingCopy) HasSpatialIndex(context.Context, string) (bool, error) { return false, nil }

func (f *fakeWorkingCopy) TreeMatches(_ context.Context, expected string) (bool, error) {
	if f.treeMatch == "" {
		return true, nil
	}
	return f.treeMatch == expected, nil
}
func (f *fakeWorkingCopy) WriteTreeMatch(_ context.Context, tree string) error {
	f.treeMatch = tree
	return nil
}

func (f *fakeWorkingCopy) Layers(context.Context) ([]string, error) { return nil, nil }

func (f *fakeWorkingCopy) QueryPoint(context.Context, string, domain.Coordinate) ([]domain.Row, error) {
	return nil, nil
}

func newTestStore(t *testing.T) *objectstore.ObjectStore {
	t.Helper()
	s, err := objectstore.Init(t.TempDir(), false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func putJSON(t *testing.T, s *objectstore.ObjectStore, v string) objectstore.Hash {
	t.Helper()
	h, err := s.PutBlob([]byte(v))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	return h
}

func TestWorkingCopyDiffClassification(t *testing.T) {
	s := newTestStore(t)

	const updateFK = "ab12cdef-0000-0000-0000-000000000000"
	const deleteFK = "cd34abcd-0000-0000-0000-000000000000"

	idBlob := putJSON(t, s, "1")
	nameBlob := putJSON(t, s, `"old"`)
	delIDBlob := putJSON(t, s, "3")
	delNameBlob := putJSON(t, s, `"gone"`)
	contentsBlob := putJSON(t, s, `{"data_type":"features","table_name":"points"}`)

	tb := objectstore.NewTreeBuilder(s)
	baseTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/features/ab12/" + updateFK + "/id":   idBlob,
		"points/features/ab12/" + updateFK + "/name": nameBlob,
		"points/features/cd34/" + deleteFK + "/id":    delIDBlob,
		"points/features/cd34/" + deleteFK + "/name":  delNameBlob,
		"points/meta/gpkg_contents":                   contentsBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	schema := output.LayerSchema{
		Name: "points",
		Columns: []output.ColumnDef{
			{Name: "id", PK: true},
			{Name: "name"},
		},
	}
	wc := &fakeWorkingCopy{
		schema: schema,
		rows: map[any]domain.Row{
			2: {PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 2, "name": "new"}},
			1: {PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 1, "name": "updated"}},
		},
		changes: []output.TrackedChange{
			{PK: 2, FeatureKey: "", State: 1},       // insert
			{PK: 1, FeatureKey: updateFK, State: 1}, // update
			{PK: 3, FeatureKey: deleteFK, State: -1}, // delete
			{PK: 4, FeatureKey: "", State: -1},      // insert-then-delete, dropped
		},
		meta: map[string]any{
			"gpkg_contents": domain.OrderedObject{"data_type": "features", "table_name": "points"},
		},
	}

	d := NewDiffer(wc, s)
	diff, err := d.WorkingCopyDiff(context.Background(), "points", baseTree)
	if err != nil {
		t.Fatalf("WorkingCopyDiff: %v", err)
	}

	if len(diff.Features) != 3 {
		t.Fatalf("expected 3 feature deltas, got %d: %+v", len(diff.Features), diff.Features)
	}

	byKind := map[input.DeltaKind]input.FeatureDelta{}
	for _, f := range diff.Features {
		byKind[f.Kind] = f
	}

	ins, ok := byKind[input.Insert]
	if !ok {
		t.Fatal("missing insert delta")
	}
	if ins.FeatureKey != "" || ins.NewValues["name"] != "new" {
		t.Errorf("unexpected insert delta: %+v", ins)
	}

	upd, ok := byKind[input.Update]
	if !ok {
		t.Fatal("missing update delta")
	}
	if upd.OldValues["name"] != "old" || upd.NewValues["name"] != "updated" {
		t.Errorf("unexpected update delta: old=%v new=%v", upd.OldValues, upd.NewValues)
	}

	del, ok := byKind[input.Delete]
	if !ok {
		t.Fatal("missing delete delta")
	}
	if del.OldValues["name"] != "gone" {
		t.Errorf("unexpected delete delta: %+v", del)
	}

	if len(diff.Meta) != 0 {
		t.Errorf("expected no meta diff when DB and tree agree, got %+v", diff.Meta)
	}
}

func TestWorkingCopyDiffMetaChange(t *testing.T) {
	s := newTestStore(t)
	contentsBlob := putJSON(t, s, `{"data_type":"features","table_name":"points"}`)
	tb := objectstore.NewTreeBuilder(s)
	baseTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents": contentsBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	wc := &fakeWorkingCopy{
		schema: output.LayerSchema{Name: "points", Columns: []output.ColumnDef{{Name: "id", PK: true}}},
		meta: map[string]any{
			"gpkg_contents": domain.OrderedObject{"data_type": "features", "table_name": "points", "identifier": "Points"},
		},
	}

	d := NewDiffer(wc, s)
	diff, err := d.WorkingCopyDiff(context.Background(), "points", baseTree)
	if err != nil {
		t.Fatalf("WorkingCopyDiff: %v", err)
	}
	if len(diff.Meta) != 1 {
		t.Fatalf("expected 1 meta delta, got %d: %+v", len(diff.Meta), diff.Meta)
	}
	md := diff.Meta[0]
	if md.Name != "gpkg_contents" || len(md.Added) != 1 || len(md.Removed) != 1 {
		t.Errorf("unexpected meta delta: %+v", md)
	}
}

func TestTreeDiffGroupsByFeatureKey(t *testing.T) {
	s := newTestStore(t)

	const insertedFK = "11111111-0000-0000-0000-000000000000"
	const deletedFK = "22222222-0000-0000-0000-000000000000"
	const updatedFK = "33333333-0000-0000-0000-000000000000"

	oldIDBlob := putJSON(t, s, "1")
	oldNameBlob := putJSON(t, s, `"before"`)
	newNameBlob := putJSON(t, s, `"after"`)
	delIDBlob := putJSON(t, s, "2")
	delNameBlob := putJSON(t, s, `"bye"`)
	insIDBlob := putJSON(t, s, "3")
	insNameBlob := putJSON(t, s, `"hi"`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/features/3333/" + updatedFK + "/id":   oldIDBlob,
		"points/features/3333/" + updatedFK + "/name": oldNameBlob,
		"points/features/2222/" + deletedFK + "/id":    delIDBlob,
		"points/features/2222/" + deletedFK + "/name":  delNameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(old): %v", err)
	}

	tb2 := objectstore.NewTreeBuilder(s)
	newTree, err := tb2.WriteRootTree(map[string]objectstore.Hash{
		"points/features/3333/" + updatedFK + "/id":   oldIDBlob,
		"points/features/3333/" + updatedFK + "/name": newNameBlob,
		"points/features/1111/" + insertedFK + "/id":   insIDBlob,
		"points/features/1111/" + insertedFK + "/name": insNameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(new): %v", err)
	}

	d := NewDiffer(&fakeWorkingCopy{}, s)
	diff, err := d.TreeDiff(oldTree, newTree)
	if err != nil {
		t.Fatalf("TreeDiff: %v", err)
	}
	if len(diff.Features) != 3 {
		t.Fatalf("expected 3 feature deltas, got %d: %+v", len(diff.Features), diff.Features)
	}

	byFK := map[string]input.FeatureDelta{}
	for _, f := range diff.Features {
		byFK[f.FeatureKey] = f
	}

	if d := byFK[insertedFK]; d.Kind != input.Insert || d.NewValues["name"] != "hi" {
		t.Errorf("unexpected insert delta: %+v", d)
	}
	if d := byFK[deletedFK]; d.Kind != input.Delete || d.OldValues["name"] != "bye" {
		t.Errorf("unexpected delete delta: %+v", d)
	}
	if d := byFK[updatedFK]; d.Kind != input.Update || d.NewValues["name"] != "after" {
		t.Errorf("unexpected update delta: %+v", d)
	}
}

func TestHasMetaDifference(t *testing.T) {
	s := newTestStore(t)
	blobA := putJSON(t, s, `{"a":1}`)
	blobB := putJSON(t, s, `{"a":2}`)

	tb := objectstore.NewTreeBuilder(s)
	t1, _ := tb.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobA})
	tb2 := objectstore.NewTreeBuilder(s)
	t2, _ := tb2.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobB})

	d := NewDiffer(&fakeWorkingCopy{}, s)
	changed, err := d.HasMetaDifference("points", t1, t2)
	if err != nil {
		t.Fatalf("HasMetaDifference: %v", err)
	}
	if !changed {
		t.Error("expected meta difference to be detected")
	}

	same, err := d.HasMetaDifference("points", t1, t1)
	if err != nil {
		t.Fatalf("HasMetaDifference: %v", err)
	}
	if same {
		t.Error("expected no meta difference between identical trees")
	}
}

func TestSplitFeaturePath(t *testing.T) {
	fk, col, ok := splitFeaturePath("points/features/ab12/ab1234/geom")
	if !ok || fk != "ab1234" || col != "geom" {
		t.Errorf("unexpected split: fk=%q col=%q ok=%v", fk, col, ok)
	}

	if _, _, ok := splitFeaturePath("points/meta/gpkg_contents"); ok {
		t.Error("expected meta path to not match feature path")
	}
}

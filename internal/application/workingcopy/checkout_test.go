package workingcopy

import (
	"context"
	"errors"
	"testing"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

// fakeCheckoutWC is a small in-memory stand-in for output.WorkingCopyRepository
// that actually stores state, unlike diff_test.go's fakeWorkingCopy which only
// needs to answer canned queries.
type fakeCheckoutWC struct {
	schema     output.LayerSchema
	rows       map[any]domain.Row
	tracking   map[string]any // feature key -> pk
	metaItems  map[string][]byte
	treeMatch  string
	hasIndex   bool
	hasTrigger bool
}

func newFakeCheckoutWC() *fakeCheckoutWC {
	return &fakeCheckoutWC{
		rows:      map[any]domain.Row{},
		tracking:  map[string]any{},
		metaItems: map[string][]byte{},
	}
}

func (f *fakeCheckoutWC) Open(context.Context, string) error   { return nil }
func (f *fakeCheckoutWC) Create(context.Context, string) error { return nil }
func (f *fakeCheckoutWC) Close(context.Context) error          { return nil }

func (f *fakeCheckoutWC) CreateTable(_ context.Context, schema output.LayerSchema) error {
	f.schema = schema
	return nil
}
func (f *fakeCheckoutWC) TableExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeCheckoutWC) LayerSchema(context.Context, string) (output.LayerSchema, error) {
	return f.schema, nil
}

func (f *fakeCheckoutWC) InsertFeature(_ context.Context, _ string, row domain.Row) error {
	f.rows[row.PK()] = row.Clone()
	return nil
}

func (f *fakeCheckoutWC) UpdateFeature(_ context.Context, _ string, row domain.Row) error {
	existing, ok := f.rows[row.PK()]
	if !ok {
		existing = domain.Row{PKColumn: row.PKColumn, Values: map[string]any{row.PKColumn: row.PK()}}
	}
	for _, col := range row.Columns {
		existing.Values[col] = row.Values[col]
	}
	f.rows[row.PK()] = existing
	return nil
}

func (f *fakeCheckoutWC) DeleteFeature(_ context.Context, _ string, pk any) error {
	delete(f.rows, pk)
	return nil
}

func (f *fakeCheckoutWC) ReadFeature(_ context.Context, _ string, pk any) (domain.Row, bool, error) {
	row, ok := f.rows[pk]
	return row, ok, nil
}

func (f *fakeCheckoutWC) StreamFeatures(context.Context, string, int, output.FeatureVisitor) error {
	return nil
}

func (f *fakeCheckoutWC) WriteMetaItem(_ context.Context, _, name string, value []byte) error {
	f.metaItems[name] = value
	return nil
}
func (f *fakeCheckoutWC) ReadMetaItem(_ context.Context, _, name string) ([]byte, error) {
	return f.metaItems[name], nil
}
func (f *fakeCheckoutWC) MetaItems(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeCheckoutWC) InstallTriggers(context.Context, string) error {
	f.hasTrigger = true
	return nil
}
func (f *fakeCheckoutWC) DropTriggers(context.Context, string) error { return nil }
func (f *fakeCheckoutWC) WithTriggersSuspended(_ context.Context, _ string, fn func() error) error {
	return fn()
}

func (f *fakeCheckoutWC) TrackedChanges(context.Context, string) ([]output.TrackedChange, error) {
	return nil, nil
}

func (f *fakeCheckoutWC) AllMappings(context.Context, string) ([]output.TrackedChange, error) {
	return nil, nil
}

func (f *fakeCheckoutWC) RecordFeatureSync(_ context.Context, _ string, pk any, featureKey string) error {
	f.tracking[featureKey] = pk
	return nil
}

func (f *fakeCheckoutWC) ClearFeatureSync(_ context.Context, _ string, pk any) error {
	for fk, v := range f.tracking {
		if v == pk {
			delete(f.tracking, fk)
		}
	}
	return nil
}

func (f *fakeCheckoutWC) ResetTrackedChanges(context.Context, string) error { return nil }

func (f *fakeCheckoutWC) LookupFeatureKey(_ context.Context, _, featureKey string) (any, bool, error) {
	pk, ok := f.tracking[featureKey]
	return pk, ok, nil
}

func (f *fakeCheckoutWC) CreateSpatialIndex(context.Context, string) error {
	f.hasIndex = true
	return nil
}
func (f *fakeCheckoutWC) HasSpatialIndex(context.Context, string) (bool, error) {
	return f.hasIndex, nil
}

func (f *fakeCheckoutWC) TreeMatches(_ context.Context, expected string) (bool, error) {
	return f.treeMatch == expected, nil
}
func (f *fakeCheckoutWC) WriteTreeMatch(_ context.Context, tree string) error {
	f.treeMatch = tree
	return nil
}

func (f *fakeCheckoutWC) Layers(context.Context) ([]string, error) { return nil, nil }

func (f *fakeCheckoutWC) QueryPoint(context.Context, string, domain.Coordinate) ([]domain.Row, error) {
	return nil, nil
}

func TestCheckoutNewPopulatesTableAndTracking(t *testing.T) {
	s := newTestStore(t)

	const fk = "abcd1234-0000-0000-0000-000000000000"
	tableInfo := putJSON(t, s, `[{"cid":0,"name":"id","type":"INTEGER","notnull":0,"pk":1},{"cid":1,"name":"name","type":"TEXT","notnull":0,"pk":0}]`)
	idBlob := putJSON(t, s, "1")
	nameBlob := putJSON(t, s, `"hello"`)

	tb := objectstore.NewTreeBuilder(s)
	tree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/sqlite_table_info":     tableInfo,
		"points/features/abcd/" + fk + "/id":   idBlob,
		"points/features/abcd/" + fk + "/name": nameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	wc := newFakeCheckoutWC()
	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	if err := e.New(context.Background(), "/tmp/test.gpkg", "points", tree); err != nil {
		t.Fatalf("New: %v", err)
	}

	if wc.schema.PKColumn() != "id" {
		t.Errorf("expected PK column id, got %q", wc.schema.PKColumn())
	}
	if !wc.hasTrigger {
		t.Error("expected triggers installed")
	}
	if wc.treeMatch != objectstore.FormatHash(tree) {
		t.Errorf("expected tree match %s, got %s", objectstore.FormatHash(tree), wc.treeMatch)
	}
	if pk, ok := wc.tracking[fk]; !ok || pk != float64(1) {
		t.Errorf("expected tracking row for %s with pk 1, got %v ok=%v", fk, pk, ok)
	}
	row, ok := wc.rows[float64(1)]
	if !ok || row.Values["name"] != "hello" {
		t.Errorf("unexpected row state: %+v ok=%v", row, ok)
	}
}

func TestCheckoutNewRejectsNonTabularLayer(t *testing.T) {
	s := newTestStore(t)
	blob := putJSON(t, s, `{}`)
	tb := objectstore.NewTreeBuilder(s)
	tree, err := tb.WriteRootTree(map[string]objectstore.Hash{"tiles/meta/something": blob})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	wc := newFakeCheckoutWC()
	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	if err := e.New(context.Background(), "/tmp/test.gpkg", "tiles", tree); err == nil {
		t.Fatal("expected error for non-tabular layer")
	}
}

func TestCheckoutUpdateAppliesDeltaAndMovesTreeMatch(t *testing.T) {
	s := newTestStore(t)

	const keptFK = "11110000-0000-0000-0000-000000000000"
	const insertedFK = "22220000-0000-0000-0000-000000000000"

	contentsBlob := putJSON(t, s, `{"table_name":"points"}`)
	keptIDBlob := putJSON(t, s, "1")
	oldNameBlob := putJSON(t, s, `"before"`)
	newNameBlob := putJSON(t, s, `"after"`)
	insIDBlob := putJSON(t, s, "2")
	insNameBlob := putJSON(t, s, `"new"`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents":            contentsBlob,
		"points/features/1111/" + keptFK + "/id":   keptIDBlob,
		"points/features/1111/" + keptFK + "/name": oldNameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(old): %v", err)
	}

	tb2 := objectstore.NewTreeBuilder(s)
	newTree, err := tb2.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents":                contentsBlob,
		"points/features/1111/" + keptFK + "/id":      keptIDBlob,
		"points/features/1111/" + keptFK + "/name":    newNameBlob,
		"points/features/2222/" + insertedFK + "/id":   insIDBlob,
		"points/features/2222/" + insertedFK + "/name": insNameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(new): %v", err)
	}

	wc := newFakeCheckoutWC()
	wc.schema = output.LayerSchema{
		Name: "points",
		Columns: []output.ColumnDef{
			{Name: "id", PK: true},
			{Name: "name"},
		},
	}
	wc.rows[float64(1)] = domain.Row{
		PKColumn: "id", Columns: []string{"id", "name"},
		Values: map[string]any{"id": float64(1), "name": "before"},
	}
	wc.tracking[keptFK] = float64(1)
	wc.treeMatch = objectstore.FormatHash(oldTree)

	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	if err := e.Update(context.Background(), "points", oldTree, newTree, false); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if wc.treeMatch != objectstore.FormatHash(newTree) {
		t.Errorf("expected tree match moved to new tree, got %s", wc.treeMatch)
	}
	if wc.rows[float64(1)].Values["name"] != "after" {
		t.Errorf("expected kept row updated to 'after', got %+v", wc.rows[float64(1)])
	}
	insertedRow, ok := wc.rows[float64(2)]
	if !ok || insertedRow.Values["name"] != "new" {
		t.Errorf("expected inserted row, got %+v ok=%v", insertedRow, ok)
	}
	if pk, ok := wc.tracking[insertedFK]; !ok || pk != float64(2) {
		t.Errorf("expected tracking row for inserted feature, got %v ok=%v", pk, ok)
	}
}

func TestOrderDeletesFirstPutsEveryDeleteBeforeOtherKinds(t *testing.T) {
	in := []input.FeatureDelta{
		{FeatureKey: "ins-1", Kind: input.Insert},
		{FeatureKey: "del-1", Kind: input.Delete},
		{FeatureKey: "upd-1", Kind: input.Update},
		{FeatureKey: "del-2", Kind: input.Delete},
	}
	got := orderDeletesFirst(in)
	want := []string{"del-1", "del-2", "ins-1", "upd-1"}
	if len(got) != len(want) {
		t.Fatalf("orderDeletesFirst returned %d deltas, want %d", len(got), len(want))
	}
	for i, fk := range want {
		if got[i].FeatureKey != fk {
			t.Errorf("position %d: got %s, want %s", i, got[i].FeatureKey, fk)
		}
	}
}

func TestCheckoutUpdateRefusesMetaChange(t *testing.T) {
	s := newTestStore(t)
	blobA := putJSON(t, s, `{"a":1}`)
	blobB := putJSON(t, s, `{"a":2}`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, _ := tb.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobA})
	tb2 := objectstore.NewTreeBuilder(s)
	newTree, _ := tb2.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobB})

	wc := newFakeCheckoutWC()
	wc.treeMatch = objectstore.FormatHash(oldTree)
	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	err := e.Update(context.Background(), "points", oldTree, newTree, false)
	if !errors.Is(err, domain.ErrSchemaUpdate) {
		t.Fatalf("expected ErrSchemaUpdate, got %v", err)
	}
}

func TestCheckoutUpdateRejectsTreeMismatch(t *testing.T) {
	s := newTestStore(t)
	blobA := putJSON(t, s, `{"a":1}`)
	blobB := putJSON(t, s, `{"a":2}`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, _ := tb.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobA})
	tb2 := objectstore.NewTreeBuilder(s)
	newTree, _ := tb2.WriteRootTree(map[string]objectstore.Hash{"points/meta/gpkg_contents": blobB})

	wc := newFakeCheckoutWC()
	wc.treeMatch = "some-other-tree-entirely"
	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	err := e.Update(context.Background(), "points", oldTree, newTree, false)
	var mismatch *domain.WorkingCopyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected WorkingCopyMismatchError, got %v", err)
	}
}

func TestCheckoutUpdateForceBypassesTreeMismatch(t *testing.T) {
	s := newTestStore(t)

	const fk = "11110000-0000-0000-0000-000000000000"
	contentsBlob := putJSON(t, s, `{"table_name":"points"}`)
	idBlob := putJSON(t, s, "1")
	nameBlob := putJSON(t, s, `"hello"`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents":      contentsBlob,
		"points/features/1111/" + fk + "/id":   idBlob,
		"points/features/1111/" + fk + "/name": nameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(old): %v", err)
	}
	tb2 := objectstore.NewTreeBuilder(s)
	newTree, err := tb2.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents":      contentsBlob,
		"points/features/1111/" + fk + "/id":   idBlob,
		"points/features/1111/" + fk + "/name": nameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree(new): %v", err)
	}

	wc := newFakeCheckoutWC()
	wc.schema = output.LayerSchema{
		Name:    "points",
		Columns: []output.ColumnDef{{Name: "id", PK: true}, {Name: "name"}},
	}
	wc.treeMatch = "some-stale-tree"

	d := NewDiffer(wc, s)
	e := NewCheckoutEngine(wc, s, d)

	if err := e.Update(context.Background(), "points", oldTree, newTree, true); err != nil {
		t.Fatalf("Update with force: %v", err)
	}
	if wc.treeMatch != objectstore.FormatHash(newTree) {
		t.Errorf("expected tree match moved to new tree, got %s", wc.treeMatch)
	}
}

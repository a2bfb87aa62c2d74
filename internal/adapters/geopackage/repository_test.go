package geopackage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/output"
)

func TestGetSpatiaLiteLibraryPaths(t *testing.T) {
	paths := getSpatiaLiteLibraryPaths()

	if len(paths) == 0 {
		t.Error("getSpatiaLiteLibraryPaths() returned empty slice")
	}
}

func TestNewRepository(t *testing.T) {
	repo := NewRepository()

	if repo == nil {
		t.Fatal("NewRepository() returned nil")
	}
	if repo.db != nil {
		t.Error("a freshly constructed repository should have no open connection")
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "points", `"points"`},
		{"embedded quote", `weird"table`, `"weird""table"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteIdent(tt.in); got != tt.want {
				t.Errorf("quoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTriggerNames(t *testing.T) {
	names := triggerNames("points")
	want := [3]string{"__kxg_points_ins", "__kxg_points_upd", "__kxg_points_del"}
	if names != want {
		t.Errorf("triggerNames(points) = %v, want %v", names, want)
	}
}

// openTestRepository creates a fresh GeoPackage at a temp path, skipping the
// test if the SpatiaLite extension cannot be loaded in this environment.
func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	r := NewRepository()
	path := filepath.Join(t.TempDir(), "test.gpkg")
	if err := r.Create(context.Background(), path); err != nil {
		t.Skipf("spatialite extension unavailable, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func testPointsSchema() output.LayerSchema {
	return output.LayerSchema{
		Name: "points",
		Columns: []output.ColumnDef{
			{Name: "id", SQLType: "INTEGER", PK: true},
			{Name: "name", SQLType: "TEXT"},
		},
	}
}

// TestCreateTableIsIdempotent exercises the exact sequence Reset, fsck
// --reset-layer and a --force checkout onto an already-materialized layer
// all perform: calling CreateTable a second time against a layer that
// already has rows, a gpkg_contents row and a gpkg_geometry_columns row.
// It must rebuild the table and replace its registrations rather than
// erroring on the pre-existing state.
func TestCreateTableIsIdempotent(t *testing.T) {
	r := openTestRepository(t)
	ctx := context.Background()
	schema := testPointsSchema()

	if err := r.CreateTable(ctx, schema); err != nil {
		t.Fatalf("first CreateTable: %v", err)
	}
	row := domain.Row{PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 1, "name": "hello"}}
	if err := r.InsertFeature(ctx, "points", row); err != nil {
		t.Fatalf("InsertFeature: %v", err)
	}

	if err := r.CreateTable(ctx, schema); err != nil {
		t.Fatalf("second CreateTable on an already-materialized layer: %v", err)
	}

	exists, err := r.TableExists(ctx, "points")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if !exists {
		t.Fatal("expected points table to exist after re-creation")
	}

	if _, found, err := r.ReadFeature(ctx, "points", 1); err != nil {
		t.Fatalf("ReadFeature: %v", err)
	} else if found {
		t.Error("expected the row inserted before the re-create to be gone, since CreateTable rebuilds the table")
	}

	got, err := r.LayerSchema(ctx, "points")
	if err != nil {
		t.Fatalf("LayerSchema: %v", err)
	}
	if got.PKColumn() != "id" {
		t.Errorf("PKColumn() = %q, want id", got.PKColumn())
	}

	// A third CreateTable with a geometry column confirms
	// gpkg_geometry_columns is replaced, not duplicated.
	geomSchema := schema
	geomSchema.Columns = append([]output.ColumnDef{}, schema.Columns...)
	geomSchema.Columns = append(geomSchema.Columns, output.ColumnDef{Name: "geom", SQLType: "GEOMETRY", GeomSRID: 4326})
	if err := r.CreateTable(ctx, geomSchema); err != nil {
		t.Fatalf("third CreateTable (adding geometry column): %v", err)
	}
	got, err = r.LayerSchema(ctx, "points")
	if err != nil {
		t.Fatalf("LayerSchema after geometry column added: %v", err)
	}
	if len(got.GeomColumns()) != 1 {
		t.Errorf("GeomColumns() = %v, want exactly one geometry column", got.GeomColumns())
	}
}

// TestWithTriggersSuspendedCommitsAndRestoresLockingMode exercises the
// EXCLUSIVE-lock transaction guard: fn's writes must survive (the
// transaction committed), the layer's triggers must be back in place
// afterward, and locking_mode must end up back at its starting value
// (the lock was downgraded, not left EXCLUSIVE forever).
func TestWithTriggersSuspendedCommitsAndRestoresLockingMode(t *testing.T) {
	r := openTestRepository(t)
	ctx := context.Background()
	schema := testPointsSchema()

	if err := r.CreateTable(ctx, schema); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := r.InstallTriggers(ctx, "points"); err != nil {
		t.Fatalf("InstallTriggers: %v", err)
	}

	var priorMode string
	if err := r.db.QueryRowContext(ctx, "PRAGMA locking_mode").Scan(&priorMode); err != nil {
		t.Fatalf("reading locking_mode: %v", err)
	}

	row := domain.Row{PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 1, "name": "suspended"}}
	err := r.WithTriggersSuspended(ctx, "points", func() error {
		return r.InsertFeature(ctx, "points", row)
	})
	if err != nil {
		t.Fatalf("WithTriggersSuspended: %v", err)
	}

	if _, found, err := r.ReadFeature(ctx, "points", 1); err != nil {
		t.Fatalf("ReadFeature: %v", err)
	} else if !found {
		t.Error("expected the feature inserted inside WithTriggersSuspended to have been committed")
	}

	var mode string
	if err := r.db.QueryRowContext(ctx, "PRAGMA locking_mode").Scan(&mode); err != nil {
		t.Fatalf("reading locking_mode after WithTriggersSuspended: %v", err)
	}
	if mode != priorMode {
		t.Errorf("locking_mode = %q after WithTriggersSuspended, want restored to %q", mode, priorMode)
	}

	if _, err := r.TrackedChanges(ctx, "points"); err != nil {
		t.Errorf("TrackedChanges after WithTriggersSuspended: %v, want triggers back in place and queryable", err)
	}
}

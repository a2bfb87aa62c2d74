package application

import (
	"context"
	"errors"
	"testing"

	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/output"
)

type fakeInspectionWC struct {
	layers  []string
	rows    []domain.Row
	err     error
	schema  output.LayerSchema
	queried domain.Coordinate
}

func (f *fakeInspectionWC) Open(context.Context, string) error   { return nil }
func (f *fakeInspectionWC) Create(context.Context, string) error { return nil }
func (f *fakeInspectionWC) Close(context.Context) error          { return nil }

func (f *fakeInspectionWC) CreateTable(context.Context, output.LayerSchema) error { return nil }
func (f *fakeInspectionWC) TableExists(context.Context, string) (bool, error)     { return true, nil }
func (f *fakeInspectionWC) LayerSchema(context.Context, string) (output.LayerSchema, error) {
	return f.schema, nil
}

func (f *fakeInspectionWC) InsertFeature(context.Context, string, domain.Row) error { return nil }
func (f *fakeInspectionWC) UpdateFeature(context.Context, string, domain.Row) error { return nil }
func (f *fakeInspectionWC) DeleteFeature(context.Context, string, any) error        { return nil }
func (f *fakeInspectionWC) ReadFeature(context.Context, string, any) (domain.Row, bool, error) {
	return domain.Row{}, false, nil
}
func (f *fakeInspectionWC) StreamFeatures(context.Context, string, int, output.FeatureVisitor) error {
	return nil
}

func (f *fakeInspectionWC) WriteMetaItem(context.Context, string, string, []byte) error { return nil }
func (f *fakeInspectionWC) ReadMetaItem(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (f *fakeInspectionWC) MetaItems(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeInspectionWC) InstallTriggers(context.Context, string) error { return nil }
func (f *fakeInspectionWC) DropTriggers(context.Context, string) error   { return nil }
func (f *fakeInspectionWC) WithTriggersSuspended(_ context.Context, _ string, fn func() error) error {
	return fn()
}
func (f *fakeInspectionWC) TrackedChanges(context.Context, string) ([]output.TrackedChange, error) {
	return nil, nil
}
func (f *fakeInspectionWC) AllMappings(context.Context, string) ([]output.TrackedChange, error) {
	return nil, nil
}
func (f *fakeInspectionWC) RecordFeatureSync(context.Context, string, any, string) error { return nil }
func (f *fakeInspectionWC) ClearFeatureSync(context.Context, string, any) error          { return nil }
func (f *fakeInspectionWC) ResetTrackedChanges(context.Context, string) error            { return nil }
func (f *fakeInspectionWC) LookupFeatureKey(context.Context, string, string) (any, bool, error) {
	return nil, false, nil
}

func (f *fakeInspectionWC) CreateSpatialIndex(context.Context, string) error      { return nil }
func (f *fakeInspectionWC) HasSpatialIndex(context.Context, string) (bool, error) { return false, nil }

func (f *fakeInspectionWC) TreeMatches(context.Context, string) (bool, error) { return true, nil }
func (f *fakeInspectionWC) WriteTreeMatch(context.Context, string) error      { return nil }

func (f *fakeInspectionWC) Layers(context.Context) ([]string, error) {
	return f.layers, f.err
}

func (f *fakeInspectionWC) QueryPoint(_ context.Context, _ string, coord domain.Coordinate) ([]domain.Row, error) {
	f.queried = coord
	return f.rows, f.err
}

type fakeTransformer struct {
	called     bool
	wantSRID   int
	supported  bool
	translated domain.Coordinate
	err        error
}

func (f *fakeTransformer) Transform(_ context.Context, coord domain.Coordinate, targetSRID int) (domain.Coordinate, error) {
	f.called = true
	if targetSRID != f.wantSRID {
		return domain.Coordinate{}, errors.New("unexpected target SRID")
	}
	if f.err != nil {
		return domain.Coordinate{}, f.err
	}
	return f.translated, nil
}

func (f *fakeTransformer) IsSupported(int, int) bool { return f.supported }

func TestInspectionServiceListLayers(t *testing.T) {
	wc := &fakeInspectionWC{layers: []string{"roads", "parcels"}}
	s := NewInspectionService(wc, nil)

	got, err := s.ListLayers(context.Background())
	if err != nil {
		t.Fatalf("ListLayers: %v", err)
	}
	if len(got) != 2 || got[0] != "roads" || got[1] != "parcels" {
		t.Errorf("ListLayers() = %v", got)
	}
}

func TestInspectionServiceQueryPointRejectsInvalidCoordinate(t *testing.T) {
	s := NewInspectionService(&fakeInspectionWC{}, nil)

	_, err := s.QueryPoint(context.Background(), "roads", domain.NewWGS84Coordinate(200, 40))
	if err == nil {
		t.Fatal("expected an error for an out-of-range longitude")
	}
}

func TestInspectionServiceQueryPointReturnsRows(t *testing.T) {
	want := []domain.Row{{PKColumn: "fid", Values: map[string]any{"fid": int64(1)}}}
	wc := &fakeInspectionWC{rows: want}
	s := NewInspectionService(wc, nil)

	got, err := s.QueryPoint(context.Background(), "roads", domain.NewWGS84Coordinate(174.7, -36.8))
	if err != nil {
		t.Fatalf("QueryPoint: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
}

func TestInspectionServiceQueryPointReprojectsWhenLayerSRIDDiffers(t *testing.T) {
	projected := domain.Coordinate{X: 1843000, Y: 5903000, SRID: 2193}
	wc := &fakeInspectionWC{
		schema: output.LayerSchema{Columns: []output.ColumnDef{{Name: "geom", GeomSRID: 2193}}},
	}
	transformer := &fakeTransformer{wantSRID: 2193, supported: true, translated: projected}
	s := NewInspectionService(wc, transformer)

	if _, err := s.QueryPoint(context.Background(), "roads", domain.NewWGS84Coordinate(174.7, -36.8)); err != nil {
		t.Fatalf("QueryPoint: %v", err)
	}
	if !transformer.called {
		t.Error("expected the transformer to be invoked for a cross-SRID query")
	}
	if wc.queried != projected {
		t.Errorf("workingCopy.QueryPoint received %+v, want the reprojected coordinate %+v", wc.queried, projected)
	}
}

func TestInspectionServiceQueryPointRequiresTransformerForCrossSRID(t *testing.T) {
	wc := &fakeInspectionWC{
		schema: output.LayerSchema{Columns: []output.ColumnDef{{Name: "geom", GeomSRID: 2193}}},
	}
	s := NewInspectionService(wc, nil)

	if _, err := s.QueryPoint(context.Background(), "roads", domain.NewWGS84Coordinate(174.7, -36.8)); err == nil {
		t.Fatal("expected an error: query coordinate SRID differs from layer SRID and no transformer is configured")
	}
}

func TestInspectionServicePropagatesRepositoryError(t *testing.T) {
	wantErr := errors.New("boom")
	s := NewInspectionService(&fakeInspectionWC{err: wantErr}, nil)

	if _, err := s.ListLayers(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("ListLayers() error = %v, want %v", err, wantErr)
	}
}

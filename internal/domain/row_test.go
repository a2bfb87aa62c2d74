package domain

import "testing"

func TestRowCloneIsIndependent(t *testing.T) {
	r := Row{
		Columns:     []string{"id", "geom"},
		Values:      map[string]any{"id": int64(1), "geom": Geometry{1, 2, 3}},
		PKColumn:    "id",
		GeomColumns: []string{"geom"},
	}
	c := r.Clone()
	c.Values["id"] = int64(2)

	if r.Values["id"] != int64(1) {
		t.Errorf("expected original row unaffected, got %v", r.Values["id"])
	}
	if c.PK() != int64(2) {
		t.Errorf("expected clone PK 2, got %v", c.PK())
	}
	if !r.IsGeomColumn("geom") {
		t.Error("expected geom to be a geometry column")
	}
	if r.IsGeomColumn("id") {
		t.Error("did not expect id to be a geometry column")
	}
}

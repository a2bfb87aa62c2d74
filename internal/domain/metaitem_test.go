package domain

import "testing"

func TestOrderedObjectMarshalIsKeySorted(t *testing.T) {
	o := OrderedObject{"z": 1, "a": 2, "m": 3}
	b, err := o.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a":2,"m":3,"z":1}`
	if string(b) != want {
		t.Errorf("expected %s, got %s", want, b)
	}
}

func TestEncodeMetaItemStableAcrossRuns(t *testing.T) {
	value := []OrderedObject{
		{"name": "table_name", "type": "TEXT"},
		{"name": "id", "type": "INTEGER"},
	}
	a, err := EncodeMetaItem(value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := EncodeMetaItem(value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("expected identical bytes across runs, got %s vs %s", a, b)
	}
}

func TestSingular(t *testing.T) {
	if !Singular("gpkg_contents") {
		t.Error("expected gpkg_contents to be singular")
	}
	if Singular("sqlite_table_info") {
		t.Error("expected sqlite_table_info to be a list item")
	}
}

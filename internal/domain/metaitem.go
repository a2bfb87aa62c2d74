package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// MetaItemNames is the static registry of meta-item names the serializer
// yields for a tabular layer, in the fixed order the specification names
// them. It is a data table, not a class hierarchy: each tabular layer gets
// exactly these names (some may be absent from a given layer, e.g. no
// metadata rows).
var MetaItemNames = []string{
	"gpkg_contents",
	"gpkg_geometry_columns",
	"sqlite_table_info",
	"gpkg_metadata_reference",
	"gpkg_metadata",
	"gpkg_spatial_ref_sys",
}

// Singular reports whether a meta-item is serialized as a single JSON object
// (true) rather than a JSON array of objects (false).
func Singular(name string) bool {
	switch name {
	case "gpkg_contents", "gpkg_geometry_columns":
		return true
	default:
		return false
	}
}

// OrderedObject is a field-name to value mapping that always marshals with
// its keys sorted, so byte-for-byte JSON output is stable across runs on
// identical input, regardless of the originating database driver's column
// order.
type OrderedObject map[string]any

// MarshalJSON implements json.Marshaler with sorted keys.
func (o OrderedObject) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeMetaItem renders a meta-item value (an OrderedObject for a singular
// item, or a []OrderedObject for a list item) as the stable-order UTF-8 JSON
// bytes stored in its blob.
func EncodeMetaItem(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte("null"), nil
	case OrderedObject:
		return json.Marshal(v)
	case []OrderedObject:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

package geopackage

import (
	"context"
	"database/sql"

	"github.com/rcoup/kart/internal/domain"
)

// MetaItems reads the meta-item serializer's fixed set of name -> value
// pairs directly from the GeoPackage system tables, scoped to layer. This is
// the live counterpart of the meta blobs stored at L/meta/<name> in a tree:
// the diff engine compares one against the other.
func (r *Repository) MetaItems(ctx context.Context, layer string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := map[string]any{}

	contents, err := r.metaContents(ctx, layer)
	if err != nil {
		return nil, err
	}
	if contents != nil {
		items["gpkg_contents"] = contents
	}

	geomCol, srid, hasGeom, err := r.metaGeometryColumns(ctx, layer)
	if err != nil {
		return nil, err
	}
	if hasGeom {
		items["gpkg_geometry_columns"] = geomCol
	}

	tableInfo, err := r.metaTableInfo(ctx, layer)
	if err != nil {
		return nil, err
	}
	if len(tableInfo) > 0 {
		items["sqlite_table_info"] = tableInfo
	}

	metaRef, err := r.queryRows(ctx,
		`SELECT * FROM gpkg_metadata_reference WHERE table_name = ? AND column_name IS NULL AND row_id_value IS NULL`,
		layer)
	if err != nil {
		return nil, err
	}
	if len(metaRef) > 0 {
		items["gpkg_metadata_reference"] = metaRef
	}

	meta, err := r.queryRows(ctx,
		`SELECT md.* FROM gpkg_metadata md
		 JOIN gpkg_metadata_reference ref ON ref.md_file_id = md.id
		 WHERE ref.table_name = ? AND ref.column_name IS NULL AND ref.row_id_value IS NULL`,
		layer)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		items["gpkg_metadata"] = meta
	}

	srs, err := r.metaSpatialRefSys(ctx, layer, srid, hasGeom)
	if err != nil {
		return nil, err
	}
	if len(srs) > 0 {
		items["gpkg_spatial_ref_sys"] = srs
	}

	return items, nil
}

// metaContents reads layer's gpkg_contents row, omitting the volatile
// last_change/min_*/max_* fields the specification excludes from comparison.
func (r *Repository) metaContents(ctx context.Context, layer string) (domain.OrderedObject, error) {
	row := r.queryRow(ctx,
		`SELECT table_name, data_type, identifier, description, srs_id
		 FROM gpkg_contents WHERE table_name = ?`, layer)

	var tableName, dataType string
	var identifier, description sql.NullString
	var srsID sql.NullInt64
	err := row.Scan(&tableName, &dataType, &identifier, &description, &srsID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	obj := domain.OrderedObject{"table_name": tableName, "data_type": dataType}
	if identifier.Valid {
		obj["identifier"] = identifier.String
	}
	if description.Valid {
		obj["description"] = description.String
	}
	if srsID.Valid {
		obj["srs_id"] = srsID.Int64
	}
	return obj, nil
}

func (r *Repository) metaGeometryColumns(ctx context.Context, layer string) (domain.OrderedObject, int64, bool, error) {
	row := r.queryRow(ctx,
		`SELECT column_name, geometry_type_name, srs_id, z, m
		 FROM gpkg_geometry_columns WHERE table_name = ?`, layer)

	var col, geomType string
	var srid int64
	var z, m int
	err := row.Scan(&col, &geomType, &srid, &z, &m)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	return domain.OrderedObject{
		"table_name":         layer,
		"column_name":        col,
		"geometry_type_name": geomType,
		"srs_id":             srid,
		"z":                  int64(z),
		"m":                  int64(m),
	}, srid, true, nil
}

func (r *Repository) metaTableInfo(ctx context.Context, layer string) ([]domain.OrderedObject, error) {
	rows, err := r.query(ctx, "PRAGMA table_info("+quoteIdent(layer)+")")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.OrderedObject
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		obj := domain.OrderedObject{
			"cid":     int64(cid),
			"name":    name,
			"type":    colType,
			"notnull": int64(notNull),
			"pk":      int64(pk),
		}
		if dflt.Valid {
			obj["dflt_value"] = dflt.String
		} else {
			obj["dflt_value"] = nil
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (r *Repository) metaSpatialRefSys(ctx context.Context, layer string, srid int64, hasGeom bool) ([]domain.OrderedObject, error) {
	if !hasGeom {
		return nil, nil
	}
	return r.queryRows(ctx,
		`SELECT * FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srid)
}

// queryRows runs query and decodes every result row into an OrderedObject
// keyed by its column names, for the meta-item tables whose row shape isn't
// worth hand-scanning field by field.
func (r *Repository) queryRows(ctx context.Context, query string, args ...any) ([]domain.OrderedObject, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []domain.OrderedObject
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		obj := domain.OrderedObject{}
		for i, c := range cols {
			obj[c] = values[i]
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

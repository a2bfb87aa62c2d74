package geopackage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rcoup/kart/internal/domain"
)

// Transformer implements output.CoordinateTransformer using SpatiaLite's
// PROJ-backed Transform() function.
type Transformer struct {
	db *sql.DB
}

// NewTransformer creates a new coordinate transformer over db.
func NewTransformer(db *sql.DB) *Transformer {
	return &Transformer{db: db}
}

// CoordinateTransformer returns a transformer bound to this working copy's
// own database handle, for reprojecting an inspection query point into
// whatever SRID the target layer is stored in. Returns nil if the working
// copy is not currently open.
func (r *Repository) CoordinateTransformer() *Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil
	}
	return NewTransformer(r.db)
}

// Transform transforms a coordinate from one SRID to another.
func (t *Transformer) Transform(ctx context.Context, coord domain.Coordinate, targetSRID int) (domain.Coordinate, error) {
	if coord.SRID == targetSRID {
		return coord, nil
	}

	query := `SELECT X(Transform(GeomFromText(?, ?), ?)), Y(Transform(GeomFromText(?, ?), ?))`

	wkt := coord.WKT()
	var x, y float64
	err := t.db.QueryRowContext(ctx, query,
		wkt, coord.SRID, targetSRID,
		wkt, coord.SRID, targetSRID,
	).Scan(&x, &y)
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("transforming coordinate: %w", err)
	}

	return domain.Coordinate{
		X:    x,
		Y:    y,
		SRID: targetSRID,
	}, nil
}

// IsSupported checks if both SRIDs are present in spatial_ref_sys.
func (t *Transformer) IsSupported(sourceSRID, targetSRID int) bool {
	query := `SELECT COUNT(*) FROM spatial_ref_sys WHERE srid IN (?, ?)`
	var count int
	err := t.db.QueryRowContext(context.Background(), query, sourceSRID, targetSRID).Scan(&count)
	if err != nil {
		return false
	}
	return count == 2
}

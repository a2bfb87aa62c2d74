package application

import (
	"context"
	"fmt"

	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/output"
)

// InspectionService implements input.InspectionService against a single
// open working copy. Unlike RepositoryService, it never touches the object
// store: every answer is read straight out of the GeoPackage.
type InspectionService struct {
	workingCopy output.WorkingCopyRepository
	transformer output.CoordinateTransformer
}

// NewInspectionService creates an inspection service reading from
// workingCopy. transformer may be nil, in which case QueryPoint requires
// the caller's coordinate to already be in the layer's own SRID.
func NewInspectionService(workingCopy output.WorkingCopyRepository, transformer output.CoordinateTransformer) *InspectionService {
	return &InspectionService{workingCopy: workingCopy, transformer: transformer}
}

// ListLayers returns every layer currently registered in the working copy.
func (s *InspectionService) ListLayers(ctx context.Context) ([]string, error) {
	return s.workingCopy.Layers(ctx)
}

// QueryPoint returns the features of layer whose geometry contains coord,
// reprojecting coord into layer's own geometry SRID first when it differs
// (a client built against a WGS84 basemap querying a layer stored in a
// projected CRS, for instance). Without a configured transformer, coord
// must already be in the layer's SRID.
func (s *InspectionService) QueryPoint(ctx context.Context, layer string, coord domain.Coordinate) ([]domain.Row, error) {
	if err := coord.Validate(); err != nil {
		return nil, err
	}

	schema, err := s.workingCopy.LayerSchema(ctx, layer)
	if err != nil {
		return nil, err
	}
	targetSRID := layerGeomSRID(schema)

	if targetSRID != 0 && coord.SRID != targetSRID {
		if s.transformer == nil {
			return nil, fmt.Errorf("query coordinate is in SRID %d but layer %s is in SRID %d and no coordinate transformer is configured",
				coord.SRID, layer, targetSRID)
		}
		if !s.transformer.IsSupported(coord.SRID, targetSRID) {
			return nil, fmt.Errorf("no transform available from SRID %d to %d", coord.SRID, targetSRID)
		}
		coord, err = s.transformer.Transform(ctx, coord, targetSRID)
		if err != nil {
			return nil, fmt.Errorf("reprojecting query point: %w", err)
		}
	}

	return s.workingCopy.QueryPoint(ctx, layer, coord)
}

// layerGeomSRID returns the SRID of schema's first geometry column, or 0 if
// it has none.
func layerGeomSRID(schema output.LayerSchema) int {
	for _, c := range schema.Columns {
		if c.GeomSRID != 0 {
			return int(c.GeomSRID)
		}
	}
	return 0
}

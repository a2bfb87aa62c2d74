package output

import (
	"context"

	"github.com/rcoup/kart/internal/domain"
)

// ColumnDef describes one column of a working-copy table.
type ColumnDef struct {
	Name     string
	SQLType  string
	PK       bool
	GeomSRID int32 // 0 if this column does not hold geometry
}

// LayerSchema describes one working-copy table: its columns in stable
// order, which column is the primary key, and which (if any) hold geometry.
type LayerSchema struct {
	Name    string
	Columns []ColumnDef
}

// PKColumn returns the name of the schema's primary key column, or "" if
// none is marked.
func (s LayerSchema) PKColumn() string {
	for _, c := range s.Columns {
		if c.PK {
			return c.Name
		}
	}
	return ""
}

// GeomColumns returns the names of every geometry-typed column.
func (s LayerSchema) GeomColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.GeomSRID != 0 {
			out = append(out, c.Name)
		}
	}
	return out
}

// FeatureVisitor is called once per row while streaming a table; returning
// an error aborts the stream.
type FeatureVisitor func(domain.Row) error

// TrackedChange is one row recorded dirty by the working copy's change
// tracking triggers (the tracking table): state +1 covers both insert and
// update (distinguished by whether FeatureKey is set), state -1 is a
// deletion tombstone.
type TrackedChange struct {
	PK         any
	FeatureKey string // "" for a not-yet-committed insert
	State      int    // +1 dirty insert/update, -1 delete tombstone
}

// WorkingCopyRepository defines the secondary port for the mutable
// GeoPackage/SQLite working copy: schema management, row access, the
// trigger lifecycle and the tracking-table bookkeeping that records
// in-progress edits between commits.
type WorkingCopyRepository interface {
	// Open opens an existing working copy database at path.
	Open(ctx context.Context, path string) error

	// Create creates a new, empty working copy database at path, including
	// the GeoPackage system tables and the tracking tables.
	Create(ctx context.Context, path string) error

	// Close releases the underlying database connection.
	Close(ctx context.Context) error

	// CreateTable creates a user-facing layer table from schema, along with
	// its GeoPackage contents/geometry-columns registration.
	CreateTable(ctx context.Context, schema LayerSchema) error

	// TableExists reports whether layer has a corresponding user table.
	TableExists(ctx context.Context, layer string) (bool, error)

	// Layers returns the table_name of every layer registered in
	// gpkg_contents, in that table's insertion order.
	Layers(ctx context.Context) ([]string, error)

	// LayerSchema reads back a layer's column definitions from
	// sqlite_table_info and the GeoPackage geometry-columns registration.
	LayerSchema(ctx context.Context, layer string) (LayerSchema, error)

	// InsertFeature, UpdateFeature and DeleteFeature mutate one row of a
	// layer's user table directly (bypassing change tracking is the
	// caller's responsibility via WithTriggersSuspended).
	InsertFeature(ctx context.Context, layer string, row domain.Row) error
	UpdateFeature(ctx context.Context, layer string, row domain.Row) error
	DeleteFeature(ctx context.Context, layer string, pk any) error

	// ReadFeature reads back a single row by primary key value. found is
	// false if no such row exists.
	ReadFeature(ctx context.Context, layer string, pk any) (row domain.Row, found bool, err error)

	// StreamFeatures visits every row of a layer's user table in primary
	// key order, batchSize rows per underlying query round-trip.
	StreamFeatures(ctx context.Context, layer string, batchSize int, visit FeatureVisitor) error

	// WriteMetaItem and ReadMetaItem persist and retrieve one named
	// metadata item (schema.json, title, description, CRS definition, ...)
	// for a layer.
	WriteMetaItem(ctx context.Context, layer, name string, value []byte) error
	ReadMetaItem(ctx context.Context, layer, name string) ([]byte, error)

	// MetaItems reads the current name -> value mapping directly from the
	// GeoPackage system tables (gpkg_contents, gpkg_geometry_columns,
	// sqlite_table_info, gpkg_metadata, gpkg_metadata_reference,
	// gpkg_spatial_ref_sys), scoped to layer. Values are either a single
	// domain.OrderedObject (singular items) or a []domain.OrderedObject
	// (list items); a name absent from the map means the corresponding
	// rows don't exist for this layer.
	MetaItems(ctx context.Context, layer string) (map[string]any, error)

	// InstallTriggers and DropTriggers manage the INSERT/UPDATE/DELETE
	// triggers that record a layer's edits into its tracking table.
	InstallTriggers(ctx context.Context, layer string) error
	DropTriggers(ctx context.Context, layer string) error

	// WithTriggersSuspended drops layer's triggers, runs fn, then recreates
	// them, matching the suspend/recreate scoped guard used around bulk
	// internal writes (checkout, reset) so they are not recorded as edits.
	WithTriggersSuspended(ctx context.Context, layer string, fn func() error) error

	// TrackedChanges returns every primary key currently recorded dirty by
	// layer's tracking table.
	TrackedChanges(ctx context.Context, layer string) ([]TrackedChange, error)

	// AllMappings returns every row of layer's tracking table regardless of
	// dirty state, including the clean (state == 0) rows TrackedChanges
	// omits. Used by fsck to cross-check the tracking table's row count and
	// feature-key set against the user table and the tree.
	AllMappings(ctx context.Context, layer string) ([]TrackedChange, error)

	// RecordFeatureSync writes (or updates) a tracking row for pk with the
	// given feature key and state=0, marking it synchronised with the tree.
	// Used by checkout (seeding tracking rows before triggers are installed)
	// and by commit (after writing a feature's blobs, to replace its dirty
	// row with a clean one bearing its newly minted or unchanged key).
	RecordFeatureSync(ctx context.Context, layer string, pk any, featureKey string) error

	// ClearFeatureSync removes layer's tracking row for pk outright, used
	// when a feature is deleted outside of trigger-driven tracking
	// (checkout-update, fsck --reset-layer).
	ClearFeatureSync(ctx context.Context, layer string, pk any) error

	// ResetTrackedChanges sets every remaining dirty row's state back to 0
	// and removes any insert-stub rows that were never assigned a feature
	// key, the bookkeeping commit performs once its new tree is written.
	ResetTrackedChanges(ctx context.Context, layer string) error

	// LookupFeatureKey returns the primary key currently mapped to
	// featureKey in layer's tracking table, regardless of its dirty state,
	// or found=false if no row carries that key. Used by checkout-update to
	// translate a tree-diff's feature key back to the working copy's PK.
	LookupFeatureKey(ctx context.Context, layer, featureKey string) (pk any, found bool, err error)

	// QueryPoint returns every row of layer whose geometry contains coord,
	// preferring an existing R-tree spatial index for a bounding-box
	// pre-filter when one is available.
	QueryPoint(ctx context.Context, layer string, coord domain.Coordinate) ([]domain.Row, error)

	// CreateSpatialIndex builds an R-tree spatial index for layer's
	// geometry column.
	CreateSpatialIndex(ctx context.Context, layer string) error

	// HasSpatialIndex reports whether layer already has a spatial index.
	HasSpatialIndex(ctx context.Context, layer string) (bool, error)

	// TreeMatches reports whether the working copy's recorded base tree id
	// equals expectedTree, the basis of the "working copy out of date"
	// check performed before most mutating commands.
	TreeMatches(ctx context.Context, expectedTree string) (bool, error)

	// WriteTreeMatch records tree as the working copy's new base tree id.
	WriteTreeMatch(ctx context.Context, tree string) error
}

// CoordinateTransformer defines the secondary port for coordinate transformations.
type CoordinateTransformer interface {
	// Transform transforms a coordinate from one SRID to another.
	Transform(ctx context.Context, coord domain.Coordinate, targetSRID int) (domain.Coordinate, error)

	// IsSupported checks if a transformation is supported.
	IsSupported(sourceSRID, targetSRID int) bool
}

// Package geopackage provides the SpatiaLite-backed GeoPackage working copy.
package geopackage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/output"
)

// Ensure sqlite3 driver is registered with extension support.
func init() {
	sql.Register("sqlite3_with_extensions", &sqlite3.SQLiteDriver{
		Extensions: getSpatiaLiteLibraryPaths(),
	})
}

// getSpatiaLiteLibraryPaths returns a list of paths to try for loading SpatiaLite.
// The order is important: environment variable first, then platform-specific paths.
func getSpatiaLiteLibraryPaths() []string {
	var paths []string

	if envPath := os.Getenv("SPATIALITE_LIBRARY_PATH"); envPath != "" {
		paths = append(paths, envPath)
		return paths
	}

	paths = append(paths,
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",
		"/usr/local/lib/mod_spatialite.dylib",
		"/opt/homebrew/lib/mod_spatialite.dylib",
		"mod_spatialite.so",
		"mod_spatialite",
		"mod_spatialite.dylib",
	)

	return paths
}

// Repository implements output.WorkingCopyRepository against a single
// GeoPackage/SQLite file: exactly one working copy is open at a time, unlike
// the registry of independent packages this adapter was originally built
// around.
type Repository struct {
	mu    sync.RWMutex
	db    *sql.DB
	path  string
	trace bool
}

// NewRepository creates an unopened working-copy repository. Setting
// KART_SQLITE_TRACE logs every statement issued directly against the
// database handle (not those inside an explicit transaction) at debug
// level, for diagnosing working-copy corruption in the field.
func NewRepository() *Repository {
	return &Repository{trace: os.Getenv("KART_SQLITE_TRACE") != ""}
}

// exec, query and queryRow wrap the equivalent *sql.DB methods, adding the
// KART_SQLITE_TRACE debug log.
func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.logStatement(query, args)
	return r.db.ExecContext(ctx, query, args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	r.logStatement(query, args)
	return r.db.QueryContext(ctx, query, args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	r.logStatement(query, args)
	return r.db.QueryRowContext(ctx, query, args...)
}

func (r *Repository) logStatement(query string, args []any) {
	if !r.trace {
		return
	}
	slog.Default().Debug("sqlite statement", "query", query, "args", args)
}

// Open opens an existing working-copy database at path.
func (r *Repository) Open(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.openDB(ctx, path)
	if err != nil {
		return &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	if err := r.verifySpatiaLite(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("loading SpatiaLite: %w", err)
	}

	r.db = db
	r.path = path
	return nil
}

// Create creates a new, empty working-copy database at path, including the
// GeoPackage system tables.
func (r *Repository) Create(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.openDB(ctx, path)
	if err != nil {
		return &domain.StorageError{Operation: "create", Key: path, Err: err}
	}
	if err := r.verifySpatiaLite(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("loading SpatiaLite: %w", err)
	}
	if err := createSystemTables(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating GeoPackage system tables: %w", err)
	}

	r.db = db
	r.path = path
	return nil
}

// IsOpen reports whether a working copy database is currently open.
func (r *Repository) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db != nil
}

// Close releases the underlying database connection.
func (r *Repository) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Repository) openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared", path)
	db, err := sql.Open("sqlite3_with_extensions", dsn)
	if err != nil {
		return nil, err
	}
	// Exactly one working copy is open at a time, and withExclusiveTransaction
	// relies on every statement in a command landing on the same physical
	// connection, so the pool never grows past one.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// withExclusiveTransaction runs fn (which must issue its statements through
// r.exec/r.query/r.queryRow, not its own transaction) inside a single SQL
// transaction while the connection's locking_mode is EXCLUSIVE: acquire
// exclusivity, BEGIN, run fn, COMMIT or ROLLBACK, then restore the prior
// locking mode with a trailing read so SQLite actually drops the OS-level
// lock before the next caller can acquire it, matching the transaction +
// lock-downgrade idiom every working-copy mutation follows.
func (r *Repository) withExclusiveTransaction(ctx context.Context, fn func() error) (err error) {
	var priorMode string
	if scanErr := r.queryRow(ctx, "PRAGMA locking_mode").Scan(&priorMode); scanErr != nil {
		return fmt.Errorf("reading locking_mode: %w", scanErr)
	}
	if _, execErr := r.exec(ctx, "PRAGMA locking_mode=EXCLUSIVE"); execErr != nil {
		return fmt.Errorf("acquiring exclusive lock: %w", execErr)
	}
	defer func() {
		_, _ = r.exec(ctx, fmt.Sprintf("PRAGMA locking_mode=%s", priorMode)) //#nosec G201 -- priorMode is sqlite's own PRAGMA output, not user input
		var name sql.NullString
		_ = r.queryRow(ctx, "SELECT name FROM sqlite_master LIMIT 1").Scan(&name)
	}()

	if _, execErr := r.exec(ctx, "BEGIN IMMEDIATE"); execErr != nil {
		return fmt.Errorf("beginning transaction: %w", execErr)
	}
	defer func() {
		if err != nil {
			_, _ = r.exec(ctx, "ROLLBACK")
		}
	}()

	if err = fn(); err != nil {
		return err
	}
	if _, execErr := r.exec(ctx, "COMMIT"); execErr != nil {
		return fmt.Errorf("committing transaction: %w", execErr)
	}
	return nil
}

func (r *Repository) verifySpatiaLite(ctx context.Context, db *sql.DB) error {
	var version string
	return db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version)
}

// createSystemTables bootstraps the minimal set of GeoPackage system tables
// a working copy needs: gpkg_spatial_ref_sys, gpkg_contents,
// gpkg_geometry_columns, gpkg_metadata, gpkg_metadata_reference.
func createSystemTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_contents (
			table_name TEXT NOT NULL PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL,
			m TINYINT NOT NULL,
			PRIMARY KEY (table_name, column_name)
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			md_scope TEXT NOT NULL DEFAULT 'dataset',
			md_standard_uri TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT 'text/xml',
			metadata TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_metadata_reference (
			reference_scope TEXT NOT NULL,
			table_name TEXT,
			column_name TEXT,
			row_id_value INTEGER,
			timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			md_file_id INTEGER NOT NULL,
			md_parent_id INTEGER
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// quoteIdent double-quotes a SQL identifier read from trusted schema
// metadata (never user input).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// CreateTable (re)creates a user-facing layer table from schema and
// registers it in gpkg_contents / gpkg_geometry_columns. It is idempotent:
// checkout.New, Reset and fsck --reset-layer all call it against a layer
// that may already be materialized (from a prior checkout of the same or a
// different tree), so it drops and rebuilds the table rather than assuming
// a clean database, and replaces rather than inserts its system-table rows.
func (r *Repository) CreateTable(ctx context.Context, schema output.LayerSchema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cols []string
	for _, c := range schema.Columns {
		def := fmt.Sprintf("%s %s", quoteIdent(c.Name), c.SQLType)
		if c.PK {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(schema.Name))                         //#nosec G201 -- identifiers from trusted schema metadata
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(schema.Name), strings.Join(cols, ", ")) //#nosec G201 -- identifiers from trusted schema metadata

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, dropSQL); err != nil {
		return fmt.Errorf("dropping stale layer table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("creating layer table: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO gpkg_contents (table_name, data_type, identifier) VALUES (?, 'features', ?)`,
		schema.Name, schema.Name,
	); err != nil {
		return fmt.Errorf("registering gpkg_contents: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gpkg_geometry_columns WHERE table_name = ?`, schema.Name,
	); err != nil {
		return fmt.Errorf("clearing stale gpkg_geometry_columns: %w", err)
	}
	for _, c := range schema.Columns {
		if c.GeomSRID == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m)
			 VALUES (?, ?, 'GEOMETRY', ?, 0, 0)`,
			schema.Name, c.Name, c.GeomSRID,
		); err != nil {
			return fmt.Errorf("registering gpkg_geometry_columns: %w", err)
		}
	}

	return tx.Commit()
}

// TableExists reports whether layer has a corresponding user table.
func (r *Repository) TableExists(ctx context.Context, layer string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int
	err := r.queryRow(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, layer,
	).Scan(&count)
	return count > 0, err
}

// Layers returns every layer registered in gpkg_contents, in rowid order.
func (r *Repository) Layers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.query(ctx, `SELECT table_name FROM gpkg_contents ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// LayerSchema reads back a layer's column definitions.
func (r *Repository) LayerSchema(ctx context.Context, layer string) (output.LayerSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layerSchemaLocked(ctx, layer)
}

// layerSchemaLocked is LayerSchema without re-acquiring the mutex, for
// callers that already hold it (read or write).
func (r *Repository) layerSchemaLocked(ctx context.Context, layer string) (output.LayerSchema, error) {
	geomCols := map[string]int32{}
	rows, err := r.query(ctx,
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?`, layer)
	if err != nil {
		return output.LayerSchema{}, err
	}
	for rows.Next() {
		var col string
		var srid int32
		if err := rows.Scan(&col, &srid); err != nil {
			_ = rows.Close()
			return output.LayerSchema{}, err
		}
		geomCols[col] = srid
	}
	_ = rows.Close()

	infoRows, err := r.query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(layer))) //#nosec G201
	if err != nil {
		return output.LayerSchema{}, fmt.Errorf("%w: %v", domain.ErrNotAGeoPackageLayer, err)
	}
	defer func() { _ = infoRows.Close() }()

	schema := output.LayerSchema{Name: layer}
	for infoRows.Next() {
		var cid int
		var name, sqlType string
		var notNull, pk int
		var dflt sql.NullString
		if err := infoRows.Scan(&cid, &name, &sqlType, &notNull, &dflt, &pk); err != nil {
			return output.LayerSchema{}, err
		}
		schema.Columns = append(schema.Columns, output.ColumnDef{
			Name:     name,
			SQLType:  sqlType,
			PK:       pk > 0,
			GeomSRID: geomCols[name],
		})
	}
	if schema.PKColumn() == "" {
		return output.LayerSchema{}, domain.ErrNotAGeoPackageLayer
	}
	return schema, infoRows.Err()
}

// InsertFeature inserts one row into layer's user table.
func (r *Repository) InsertFeature(ctx context.Context, layer string, row domain.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeFeature(ctx, layer, row, false)
}

// UpdateFeature updates one row, matched by its primary key value.
func (r *Repository) UpdateFeature(ctx context.Context, layer string, row domain.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeFeature(ctx, layer, row, true)
}

func (r *Repository) writeFeature(ctx context.Context, layer string, row domain.Row, update bool) error {
	if update {
		var sets []string
		var args []any
		for _, col := range row.Columns {
			if col == row.PKColumn {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(col)))
			args = append(args, row.Values[col])
		}
		args = append(args, row.PK())
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", //#nosec G201
			quoteIdent(layer), strings.Join(sets, ", "), quoteIdent(row.PKColumn))
		_, err := r.exec(ctx, stmt, args...)
		return err
	}

	var placeholders []string
	var args []any
	for _, col := range row.Columns {
		placeholders = append(placeholders, "?")
		args = append(args, row.Values[col])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", //#nosec G201
		quoteIdent(layer), quotedList(row.Columns), strings.Join(placeholders, ", "))
	_, err := r.exec(ctx, stmt, args...)
	return err
}

func quotedList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// DeleteFeature deletes one row by primary key value.
func (r *Repository) DeleteFeature(ctx context.Context, layer string, pk any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(layer), quoteIdent(schema.PKColumn())) //#nosec G201
	_, err = r.exec(ctx, stmt, pk)
	return err
}

// ReadFeature reads back a single row by primary key value.
func (r *Repository) ReadFeature(ctx context.Context, layer string, pk any) (domain.Row, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return domain.Row{}, false, err
	}
	pkCol := schema.PKColumn()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", //#nosec G201
		quotedList(columnNames(schema)), quoteIdent(layer), quoteIdent(pkCol))
	values := make([]any, len(schema.Columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err = r.queryRow(ctx, query, pk).Scan(ptrs...)
	if err == sql.ErrNoRows {
		return domain.Row{}, false, nil
	}
	if err != nil {
		return domain.Row{}, false, err
	}

	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}
	row := domain.Row{PKColumn: pkCol, Values: map[string]any{}}
	for i, c := range schema.Columns {
		row.Columns = append(row.Columns, c.Name)
		row.Values[c.Name] = values[i]
		if geomCols[c.Name] {
			row.GeomColumns = append(row.GeomColumns, c.Name)
		}
	}
	return row, true, nil
}

// StreamFeatures visits every row of layer's user table in primary key
// order, batchSize rows per query round-trip, bounding memory the way the
// checkout engine's 1,000-row batches do.
func (r *Repository) StreamFeatures(ctx context.Context, layer string, batchSize int, visit output.FeatureVisitor) error {
	r.mu.RLock()
	schema, err := r.layerSchemaLocked(ctx, layer)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	pkCol := schema.PKColumn()
	geomCols := map[string]bool{}
	for _, c := range schema.GeomColumns() {
		geomCols[c] = true
	}

	var lastPK any
	for {
		r.mu.RLock()
		var rows *sql.Rows
		if lastPK == nil {
			rows, err = r.query(ctx,
				fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ?", //#nosec G201
					quotedList(columnNames(schema)), quoteIdent(layer), quoteIdent(pkCol)),
				batchSize)
		} else {
			rows, err = r.query(ctx,
				fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?", //#nosec G201
					quotedList(columnNames(schema)), quoteIdent(layer), quoteIdent(pkCol), quoteIdent(pkCol)),
				lastPK, batchSize)
		}
		if err != nil {
			r.mu.RUnlock()
			return err
		}

		count := 0
		for rows.Next() {
			values := make([]any, len(schema.Columns))
			ptrs := make([]any, len(values))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				_ = rows.Close()
				r.mu.RUnlock()
				return err
			}
			row := domain.Row{PKColumn: pkCol}
			row.Values = map[string]any{}
			for i, c := range schema.Columns {
				row.Columns = append(row.Columns, c.Name)
				row.Values[c.Name] = values[i]
				if geomCols[c.Name] {
					row.GeomColumns = append(row.GeomColumns, c.Name)
				}
				if c.PK {
					lastPK = values[i]
				}
			}
			if err := visit(row); err != nil {
				_ = rows.Close()
				r.mu.RUnlock()
				return err
			}
			count++
		}
		closeErr := rows.Close()
		r.mu.RUnlock()
		if closeErr != nil {
			return closeErr
		}
		if count < batchSize {
			return nil
		}
	}
}

func columnNames(schema output.LayerSchema) []string {
	names := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		names[i] = c.Name
	}
	return names
}

// WriteMetaItem and ReadMetaItem persist and retrieve a named metadata item
// via gpkg_metadata/gpkg_metadata_reference, table-scoped
// (column_name IS NULL AND row_id_value IS NULL), matching the meta-item
// registry's on-disk representation.
func (r *Repository) WriteMetaItem(ctx context.Context, layer, name string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gpkg_metadata_reference
		 WHERE table_name = ? AND column_name IS NULL AND row_id_value IS NULL
		   AND md_file_id IN (SELECT id FROM gpkg_metadata WHERE md_standard_uri = ?)`,
		layer, name,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_metadata (md_scope, md_standard_uri, mime_type, metadata)
		 VALUES ('dataset', ?, 'application/json', ?)`,
		name, string(value),
	)
	if err != nil {
		return err
	}
	mdID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_metadata_reference (reference_scope, table_name, md_file_id)
		 VALUES ('table', ?, ?)`,
		layer, mdID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) ReadMetaItem(ctx context.Context, layer, name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var value string
	err := r.queryRow(ctx,
		`SELECT md.metadata FROM gpkg_metadata md
		 JOIN gpkg_metadata_reference ref ON ref.md_file_id = md.id
		 WHERE ref.table_name = ? AND ref.column_name IS NULL AND ref.row_id_value IS NULL
		   AND md.md_standard_uri = ?`,
		layer, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: meta item %q for layer %q", domain.ErrNotFound, name, layer)
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// InstallTriggers and DropTriggers are implemented in triggers.go, which
// owns the trigger SQL text and the suspend/recreate guard.

// QueryPoint returns every row of layer whose geometry contains coord. When
// an R-tree spatial index exists for the geometry column it is used as a
// bounding-box pre-filter before the exact containment test; otherwise the
// query falls back to a full table scan. Polygon layers use ST_Contains for
// the exact test; every other geometry type uses MbrContains, since a
// point or line geometry only ever "contains" a point that lies exactly on
// it, and a bounding-box match is the more useful result for those layers.
func (r *Repository) QueryPoint(ctx context.Context, layer string, coord domain.Coordinate) ([]domain.Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return nil, err
	}
	geomCols := schema.GeomColumns()
	if len(geomCols) == 0 {
		return nil, fmt.Errorf("%w: %s has no geometry column", domain.ErrNotAGeoPackageLayer, layer)
	}
	geomCol := geomCols[0]

	isPolygon, err := r.isPolygonLayerLocked(ctx, layer)
	if err != nil {
		return nil, err
	}
	hasIndex, err := r.hasSpatialIndexLocked(ctx, layer)
	if err != nil {
		return nil, err
	}

	var query string
	var args []any
	switch {
	case hasIndex && isPolygon:
		query = fmt.Sprintf(`
			SELECT t.* FROM %s t
			INNER JOIN %s rt ON t.rowid = rt.id
			WHERE rt.minx <= ? AND rt.maxx >= ? AND rt.miny <= ? AND rt.maxy >= ?
			  AND ST_Contains(CastAutomagic(t.%s), GeomFromText(?, ?))
		`, quoteIdent(layer), quoteIdent(fmt.Sprintf("rtree_%s_%s", layer, geomCol)), quoteIdent(geomCol)) //#nosec G201 -- table/column names come from the working copy's own schema
		args = []any{coord.X, coord.X, coord.Y, coord.Y, coord.WKT(), coord.SRID}
	case hasIndex:
		query = fmt.Sprintf(`
			SELECT t.* FROM %s t
			INNER JOIN %s rt ON t.rowid = rt.id
			WHERE rt.minx <= ? AND rt.maxx >= ? AND rt.miny <= ? AND rt.maxy >= ?
		`, quoteIdent(layer), quoteIdent(fmt.Sprintf("rtree_%s_%s", layer, geomCol))) //#nosec G201
		args = []any{coord.X, coord.X, coord.Y, coord.Y}
	case isPolygon:
		query = fmt.Sprintf(`SELECT * FROM %s WHERE ST_Contains(CastAutomagic(%s), GeomFromText(?, ?))`,
			quoteIdent(layer), quoteIdent(geomCol)) //#nosec G201
		args = []any{coord.WKT(), coord.SRID}
	default:
		query = fmt.Sprintf(`SELECT * FROM %s WHERE MbrContains(CastAutomagic(%s), GeomFromText(?, ?))`,
			quoteIdent(layer), quoteIdent(geomCol)) //#nosec G201
		args = []any{coord.WKT(), coord.SRID}
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	geomSet := map[string]bool{}
	for _, c := range geomCols {
		geomSet[c] = true
	}

	var out []domain.Row
	for rows.Next() {
		values := make([]any, len(schema.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := domain.Row{PKColumn: schema.PKColumn(), Values: map[string]any{}}
		for i, c := range schema.Columns {
			row.Columns = append(row.Columns, c.Name)
			row.Values[c.Name] = values[i]
			if geomSet[c.Name] {
				row.GeomColumns = append(row.GeomColumns, c.Name)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// isPolygonLayerLocked reports whether layer's registered geometry type is a
// polygon or multipolygon, read from gpkg_geometry_columns.
func (r *Repository) isPolygonLayerLocked(ctx context.Context, layer string) (bool, error) {
	var geomType string
	err := r.queryRow(ctx,
		`SELECT geometry_type_name FROM gpkg_geometry_columns WHERE table_name = ?`, layer,
	).Scan(&geomType)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	upper := strings.ToUpper(geomType)
	return upper == "POLYGON" || upper == "MULTIPOLYGON", nil
}

// CreateSpatialIndex builds an R-tree virtual table directly, bypassing
// SpatiaLite's CreateSpatialIndex() which expects a geometry_columns table
// GeoPackage files don't carry in the form it wants.
func (r *Repository) CreateSpatialIndex(ctx context.Context, layer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hasIndex, err := r.hasSpatialIndexLocked(ctx, layer)
	if err != nil {
		return err
	}
	if hasIndex {
		return nil
	}

	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return err
	}
	geomCols := schema.GeomColumns()
	if len(geomCols) == 0 {
		return nil
	}
	geomCol := geomCols[0]
	indexTable := fmt.Sprintf("rtree_%s_%s", layer, geomCol)

	createQuery := fmt.Sprintf(
		"CREATE VIRTUAL TABLE %s USING rtree(id, minx, maxx, miny, maxy)", quoteIdent(indexTable)) //#nosec G201
	if _, err := r.exec(ctx, createQuery); err != nil {
		return fmt.Errorf("creating R-tree table: %w", err)
	}

	populateQuery := fmt.Sprintf(`
		INSERT INTO %s (id, minx, maxx, miny, maxy)
		SELECT rowid,
			MbrMinX(CastAutomagic(%s)), MbrMaxX(CastAutomagic(%s)),
			MbrMinY(CastAutomagic(%s)), MbrMaxY(CastAutomagic(%s))
		FROM %s WHERE %s IS NOT NULL
	`, quoteIdent(indexTable),
		quoteIdent(geomCol), quoteIdent(geomCol), quoteIdent(geomCol), quoteIdent(geomCol),
		quoteIdent(layer), quoteIdent(geomCol),
	) //#nosec G201
	if _, err := r.exec(ctx, populateQuery); err != nil {
		_, _ = r.exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(indexTable)))
		return fmt.Errorf("populating R-tree index: %w", err)
	}
	return nil
}

// HasSpatialIndex reports whether layer already has a spatial index.
func (r *Repository) HasSpatialIndex(ctx context.Context, layer string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasSpatialIndexLocked(ctx, layer)
}

func (r *Repository) hasSpatialIndexLocked(ctx context.Context, layer string) (bool, error) {
	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return false, err
	}
	geomCols := schema.GeomColumns()
	if len(geomCols) == 0 {
		return false, nil
	}
	indexTable := fmt.Sprintf("rtree_%s_%s", layer, geomCols[0])
	var count int
	err = r.queryRow(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, indexTable,
	).Scan(&count)
	return count > 0, err
}

// TreeMatches reports whether the working copy's recorded base tree id
// equals expectedTree.
func (r *Repository) TreeMatches(ctx context.Context, expectedTree string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stored string
	err := r.queryRow(ctx,
		`SELECT value FROM __kxg_meta WHERE key = 'tree' LIMIT 1`,
	).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == expectedTree, nil
}

// WriteTreeMatch records tree as the working copy's new base tree id,
// across every layer's __kxg_meta row (there is one tree per working copy).
func (r *Repository) WriteTreeMatch(ctx context.Context, tree string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.exec(ctx,
		`UPDATE __kxg_meta SET value = ? WHERE key = 'tree'`, tree)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = r.exec(ctx,
			`INSERT INTO __kxg_meta (table_name, key, value) VALUES ('', 'tree', ?)`, tree)
	}
	return err
}

// encodeOrderedJSON is a small helper used by callers building meta-item
// blobs from DB rows: it sorts field names before marshaling so repeated
// runs over identical DB state produce byte-identical output.
func encodeOrderedJSON(fields map[string]any) ([]byte, error) {
	obj := domain.OrderedObject(fields)
	return json.Marshal(obj)
}

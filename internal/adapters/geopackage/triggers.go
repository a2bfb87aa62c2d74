package geopackage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rcoup/kart/internal/ports/output"
)

// triggerNames returns the three AFTER-DML trigger names installed for a
// layer, matching the __kxg_<table>_{ins,upd,del} naming from the working
// copy's change-tracking schema.
func triggerNames(layer string) [3]string {
	return [3]string{
		fmt.Sprintf("__kxg_%s_ins", layer),
		fmt.Sprintf("__kxg_%s_upd", layer),
		fmt.Sprintf("__kxg_%s_del", layer),
	}
}

// ensureTrackingTables creates __kxg_meta and __kxg_map if they do not
// already exist. Both are shared across every layer in the working copy.
func (r *Repository) ensureTrackingTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS __kxg_meta (
			table_name TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (table_name, key)
		)`,
		`CREATE TABLE IF NOT EXISTS __kxg_map (
			table_name TEXT NOT NULL,
			feature_key TEXT,
			feature_id INTEGER NOT NULL,
			state INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, s := range stmts {
		if _, err := r.exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// InstallTriggers creates the AFTER-INSERT/UPDATE/DELETE triggers that
// mirror every user mutation of layer into __kxg_map.
func (r *Repository) InstallTriggers(ctx context.Context, layer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureTrackingTables(ctx); err != nil {
		return err
	}
	return r.installTriggersLocked(ctx, layer)
}

func (r *Repository) installTriggersLocked(ctx context.Context, layer string) error {
	schema, err := r.layerSchemaLocked(ctx, layer)
	if err != nil {
		return err
	}
	pk := schema.PKColumn()
	names := triggerNames(layer)
	q := quoteIdent(layer)

	stmts := []string{
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s
			BEGIN
				INSERT INTO __kxg_map (table_name, feature_key, feature_id, state)
				VALUES (%q, NULL, NEW.%s, 1);
			END`, quoteIdent(names[0]), q, layer, quoteIdent(pk)),

		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s
			BEGIN
				UPDATE __kxg_map SET feature_id = NEW.%s, state = 1
				WHERE table_name = %q AND feature_id = OLD.%s;
			END`, quoteIdent(names[1]), q, quoteIdent(pk), layer, quoteIdent(pk)),

		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s
			BEGIN
				UPDATE __kxg_map SET state = -1
				WHERE table_name = %q AND feature_id = OLD.%s AND feature_key IS NOT NULL;
				DELETE FROM __kxg_map
				WHERE table_name = %q AND feature_id = OLD.%s AND feature_key IS NULL;
			END`, quoteIdent(names[2]), q, layer, quoteIdent(pk), layer, quoteIdent(pk)),
	}
	for _, s := range stmts { //#nosec G201 -- identifiers from trusted schema metadata
		if _, err := r.exec(ctx, s); err != nil {
			return fmt.Errorf("installing trigger: %w", err)
		}
	}
	return nil
}

// DropTriggers removes layer's three change-tracking triggers, if present.
func (r *Repository) DropTriggers(ctx context.Context, layer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropTriggersLocked(ctx, layer)
}

func (r *Repository) dropTriggersLocked(ctx context.Context, layer string) error {
	for _, name := range triggerNames(layer) {
		if _, err := r.exec(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(name))); err != nil { //#nosec G201
			return fmt.Errorf("dropping trigger: %w", err)
		}
	}
	return nil
}

// WithTriggersSuspended drops layer's triggers, runs fn, then recreates
// them unconditionally (even if fn fails), matching the scoped
// suspend/recreate guard used around internal bulk writes so that
// checkout/reset do not record themselves as user edits. The whole sequence
// nests inside a single withExclusiveTransaction, so recreation commits
// together with fn's own writes and a concurrent reader never observes the
// triggers dropped without fn's writes already applied. fn is expected to
// call back into this repository's own locking methods (InsertFeature and
// friends), so r.mu is only held around the drop/recreate calls themselves,
// never across fn, to avoid self-deadlock.
func (r *Repository) WithTriggersSuspended(ctx context.Context, layer string, fn func() error) error {
	return r.withExclusiveTransaction(ctx, func() error {
		r.mu.Lock()
		dropErr := r.dropTriggersLocked(ctx, layer)
		r.mu.Unlock()
		if dropErr != nil {
			return dropErr
		}

		fnErr := fn()

		r.mu.Lock()
		installErr := r.installTriggersLocked(ctx, layer)
		r.mu.Unlock()
		if installErr != nil {
			if fnErr != nil {
				return fmt.Errorf("%w (while recreating triggers: %v)", fnErr, installErr)
			}
			return fmt.Errorf("recreating triggers: %w", installErr)
		}

		return fnErr
	})
}

// TrackedChanges returns every primary key currently recorded dirty by
// layer's __kxg_map, i.e. every row with state != 0.
func (r *Repository) TrackedChanges(ctx context.Context, layer string) ([]output.TrackedChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.query(ctx,
		`SELECT feature_id, feature_key, state FROM __kxg_map WHERE table_name = ? AND state != 0`, layer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []output.TrackedChange
	for rows.Next() {
		var pk any
		var fk sql.NullString
		var state int
		if err := rows.Scan(&pk, &fk, &state); err != nil {
			return nil, err
		}
		out = append(out, output.TrackedChange{PK: pk, FeatureKey: fk.String, State: state})
	}
	return out, rows.Err()
}

// AllMappings returns every row of layer's tracking table, clean and dirty
// alike, for fsck's row-count and tree-index cross-checks.
func (r *Repository) AllMappings(ctx context.Context, layer string) ([]output.TrackedChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.query(ctx,
		`SELECT feature_id, feature_key, state FROM __kxg_map WHERE table_name = ?`, layer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []output.TrackedChange
	for rows.Next() {
		var pk any
		var fk sql.NullString
		var state int
		if err := rows.Scan(&pk, &fk, &state); err != nil {
			return nil, err
		}
		out = append(out, output.TrackedChange{PK: pk, FeatureKey: fk.String, State: state})
	}
	return out, rows.Err()
}

// RecordFeatureSync replaces layer's tracking row for pk with a clean one
// (state=0) bearing featureKey, used by checkout to seed __kxg_map for rows
// written before triggers are installed, and by commit once a feature's
// blobs have been written under its minted key.
func (r *Repository) RecordFeatureSync(ctx context.Context, layer string, pk any, featureKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.exec(ctx,
		`DELETE FROM __kxg_map WHERE table_name = ? AND feature_id = ?`, layer, pk); err != nil {
		return err
	}
	_, err := r.exec(ctx,
		`INSERT INTO __kxg_map (table_name, feature_key, feature_id, state) VALUES (?, ?, ?, 0)`,
		layer, featureKey, pk)
	return err
}

// ClearFeatureSync removes layer's tracking row for pk outright.
func (r *Repository) ClearFeatureSync(ctx context.Context, layer string, pk any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.exec(ctx,
		`DELETE FROM __kxg_map WHERE table_name = ? AND feature_id = ?`, layer, pk)
	return err
}

// ResetTrackedChanges clears every remaining dirty row for layer: rows that
// carry a feature key are marked synchronised (state=0), rows that never
// got one (an insert commit forgot to stamp) are discarded outright.
func (r *Repository) ResetTrackedChanges(ctx context.Context, layer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.exec(ctx,
		`UPDATE __kxg_map SET state = 0 WHERE table_name = ? AND state != 0 AND feature_key IS NOT NULL`,
		layer); err != nil {
		return err
	}
	_, err := r.exec(ctx,
		`DELETE FROM __kxg_map WHERE table_name = ? AND state != 0 AND feature_key IS NULL`, layer)
	return err
}

// LookupFeatureKey returns the primary key currently mapped to featureKey in
// layer's tracking table, regardless of its dirty state.
func (r *Repository) LookupFeatureKey(ctx context.Context, layer, featureKey string) (any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pk any
	err := r.queryRow(ctx,
		`SELECT feature_id FROM __kxg_map WHERE table_name = ? AND feature_key = ? LIMIT 1`,
		layer, featureKey,
	).Scan(&pk)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pk, true, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/schema"
)

// entityMigration is the inferred mapping for one entity kept across models.
type entityMigration struct {
	kind      string
	dropAttrs []string
	fill      map[string]ir.IRValue
	required  []string // new required attributes without a default
	dropRels  []string
}

func (m entityMigration) empty() bool {
	return len(m.dropAttrs) == 0 && len(m.fill) == 0 && len(m.required) == 0 && len(m.dropRels) == 0
}

// MigrationPlan is the lightweight mapping between a stored model and a new
// one.
type MigrationPlan struct {
	removedKinds []string
	entities     []entityMigration
}

// InferMigration derives the mapping from one model to the next. It fails for changes
// a lightweight migration cannot express: a retained attribute changing
// type, or a retained relationship changing destination or cardinality.
// Conditions that depend on stored rows are checked when the plan runs.
func InferMigration(from, to *schema.Model) (*MigrationPlan, error) {
	plan := &MigrationPlan{}
	for _, kind := range from.EntityNames() {
		if _, ok := to.Entity(kind); !ok {
			plan.removedKinds = append(plan.removedKinds, kind)
		}
	}

	for _, kind := range to.EntityNames() {
		ne := to.Entities[kind]
		oe, ok := from.Entity(kind)
		if !ok {
			continue
		}
		m := entityMigration{kind: kind, fill: map[string]ir.IRValue{}}

		for _, name := range oe.AttributeNames() {
			na, kept := ne.Attributes[name]
			if !kept {
				m.dropAttrs = append(m.dropAttrs, name)
				continue
			}
			if na.Type != oe.Attributes[name].Type {
				return nil, fmt.Errorf("%w: %s.%s changed type from %s to %s",
					ErrModelMismatch, kind, name, oe.Attributes[name].Type, na.Type)
			}
		}
		for _, name := range ne.AttributeNames() {
			if _, existed := oe.Attributes[name]; existed {
				continue
			}
			na := ne.Attributes[name]
			switch {
			case na.Default != nil:
				m.fill[name] = na.Default
			case !na.Optional:
				m.required = append(m.required, name)
			}
		}

		for _, name := range oe.RelationshipNames() {
			nr, kept := ne.Relationships[name]
			if !kept {
				m.dropRels = append(m.dropRels, name)
				continue
			}
			or := oe.Relationships[name]
			if nr.Destination != or.Destination || (or.ToMany && !nr.ToMany) {
				return nil, fmt.Errorf("%w: %s.%s changed destination or cardinality",
					ErrModelMismatch, kind, name)
			}
		}

		if !m.empty() {
			plan.entities = append(plan.entities, m)
		}
	}
	return plan, nil
}

// reconcileModel compares the stored model with model and migrates or fails
// per opts. It reports whether a migration ran.
func reconcileModel(ctx context.Context, db *sql.DB, model *schema.Model, opts MigrationOptions) (bool, error) {
	hash, err := model.Hash()
	if err != nil {
		return false, fmt.Errorf("hash model: %w", err)
	}

	var storedHash string
	err = db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", metaModelHash).Scan(&storedHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, writeModel(ctx, db, model, hash)
	case err != nil:
		return false, fmt.Errorf("read model hash: %w", err)
	case storedHash == hash:
		return false, nil
	}

	if !opts.inferred() {
		return false, fmt.Errorf("%w: stored %s, supplied %s (migration disabled)", ErrModelMismatch, shortHash(storedHash), shortHash(hash))
	}

	var raw string
	if err := db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", metaModel).Scan(&raw); err != nil {
		return false, fmt.Errorf("read stored model: %w", err)
	}
	var old schema.Model
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return false, fmt.Errorf("decode stored model: %w", err)
	}

	plan, err := InferMigration(&old, model)
	if err != nil {
		return false, err
	}
	if err := runPlan(ctx, db, plan, model, hash); err != nil {
		return false, err
	}
	return true, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runPlan(ctx context.Context, db *sql.DB, plan *MigrationPlan, model *schema.Model, hash string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, kind := range plan.removedKinds {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE kind = ?", kind).Scan(&n); err != nil {
			return fmt.Errorf("migrate: count %s: %w", kind, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: entity %s was removed but %d record(s) remain", ErrModelMismatch, kind, n)
		}
	}

	for _, m := range plan.entities {
		if err := migrateEntity(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := writeModelTx(ctx, tx, model, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func migrateEntity(ctx context.Context, tx *sql.Tx, m entityMigration) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT token, attributes, relationships FROM entities WHERE kind = ? ORDER BY seq ASC", m.kind)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", m.kind, err)
	}
	type rewrite struct{ token, attrs, rels string }
	var updates []rewrite
	for rows.Next() {
		var token, attrsJSON, relsJSON string
		if err := rows.Scan(&token, &attrsJSON, &relsJSON); err != nil {
			rows.Close()
			return fmt.Errorf("migrate %s: %w", m.kind, err)
		}
		if len(m.required) > 0 {
			rows.Close()
			return fmt.Errorf("%w: %s gained required attribute(s) %v without default",
				ErrModelMismatch, m.kind, m.required)
		}
		attrs, err := unmarshalAttributes(attrsJSON)
		if err != nil {
			rows.Close()
			return err
		}
		rels, err := unmarshalRelationships(relsJSON)
		if err != nil {
			rows.Close()
			return err
		}
		for _, name := range m.dropAttrs {
			delete(attrs, name)
		}
		for name, def := range m.fill {
			if _, ok := attrs[name]; !ok {
				attrs[name] = ir.CloneValue(def)
			}
		}
		for _, name := range m.dropRels {
			delete(rels, name)
		}
		a, err := marshalAttributes(attrs)
		if err != nil {
			rows.Close()
			return err
		}
		r, err := marshalRelationships(rels)
		if err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, rewrite{token, a, r})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("migrate %s: %w", m.kind, err)
	}
	rows.Close()

	// One connection: rows must be closed before writing.
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			"UPDATE entities SET attributes = ?, relationships = ? WHERE token = ?",
			u.attrs, u.rels, u.token,
		); err != nil {
			return fmt.Errorf("migrate %s: %w", m.kind, err)
		}
	}
	return nil
}

func writeModel(ctx context.Context, db *sql.DB, model *schema.Model, hash string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write model: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed
	if err := writeModelTx(ctx, tx, model, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func writeModelTx(ctx context.Context, tx *sql.Tx, model *schema.Model, hash string) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	for _, kv := range [][2]string{{metaModelHash, hash}, {metaModel, string(data)}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("write %s: %w", kv[0], err)
		}
	}
	return nil
}

// DroppedAttributes lists, per kind, the attributes a plan removes. Used in
// logs and tests.
func (p *MigrationPlan) DroppedAttributes() map[string][]string {
	out := map[string][]string{}
	for _, m := range p.entities {
		if len(m.dropAttrs) > 0 {
			out[m.kind] = slices.Clone(m.dropAttrs)
		}
	}
	return out
}

// RemovedKinds lists entities the new model no longer declares.
func (p *MigrationPlan) RemovedKinds() []string {
	return slices.Clone(p.removedKinds)
}

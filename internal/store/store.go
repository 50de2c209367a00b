package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jsherman999/domwatch/internal/db"
	"github.com/jsherman999/domwatch/internal/dom"
)

var ErrNotFound = errors.New("not found")

// Store persists DOM instances. With the outbox enabled every write also
// queues its change event in the same transaction, for transports that are
// not fed by the postgres trigger.
type Store struct {
	db     *db.DB
	outbox bool
}

func New(d *db.DB, outbox bool) *Store { return &Store{db: d, outbox: outbox} }

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

type ListQuery struct {
	Module       string
	DefinitionID *uuid.UUID
	// After is the keyset cursor: only ids greater than it are returned.
	After *uuid.UUID
	// Limit <= 0 means DefaultListLimit; larger values are capped at MaxListLimit.
	Limit int
}

// EffectiveLimit is the number of rows ListInstances returns at most for q.
func (q ListQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return min(q.Limit, MaxListLimit)
}

const instanceColumns = `id, definition_id, module, name, fields, updated_at`

func scanInstance(row pgx.Row) (dom.Instance, error) {
	var inst dom.Instance
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.Module, &inst.Name, &inst.Fields, &inst.UpdatedAt)
	return inst, err
}

// UpsertInstance inserts or replaces inst and reports whether it was created.
// The returned instance carries the stored updated_at.
func (s *Store) UpsertInstance(ctx context.Context, inst dom.Instance) (dom.Instance, bool, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.Module == "" {
		return dom.Instance{}, false, fmt.Errorf("upsert instance: module is required")
	}
	if inst.Fields == nil {
		inst.Fields = map[string]any{}
	}

	var created bool
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO dom_instances(id, definition_id, module, name, fields, updated_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (id) DO UPDATE
SET definition_id=EXCLUDED.definition_id, module=EXCLUDED.module, name=EXCLUDED.name, fields=EXCLUDED.fields, updated_at=now()
RETURNING updated_at, (xmax = 0);
`, inst.ID, inst.DefinitionID, inst.Module, inst.Name, inst.Fields).Scan(&inst.UpdatedAt, &created)
		if err != nil {
			return err
		}
		if !s.outbox {
			return nil
		}
		ev := &dom.InstancesChangedEvent{Module: inst.Module}
		if created {
			ev.Created = []dom.Instance{inst}
		} else {
			ev.Updated = []dom.Instance{inst}
		}
		_, err = enqueueChange(ctx, tx, ev)
		return err
	})
	if err != nil {
		return dom.Instance{}, false, fmt.Errorf("upsert instance: %w", err)
	}
	return inst, created, nil
}

// DeleteInstance removes the instance and returns what was stored.
func (s *Store) DeleteInstance(ctx context.Context, id uuid.UUID) (dom.Instance, error) {
	var inst dom.Instance
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		var err error
		inst, err = scanInstance(tx.QueryRow(ctx, `DELETE FROM dom_instances WHERE id=$1 RETURNING `+instanceColumns, id))
		if err != nil {
			return err
		}
		if !s.outbox {
			return nil
		}
		_, err = enqueueChange(ctx, tx, &dom.InstancesChangedEvent{Module: inst.Module, Deleted: []dom.Instance{inst}})
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return dom.Instance{}, ErrNotFound
	}
	if err != nil {
		return dom.Instance{}, fmt.Errorf("delete instance: %w", err)
	}
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (dom.Instance, error) {
	inst, err := scanInstance(s.db.Pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM dom_instances WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return dom.Instance{}, ErrNotFound
	}
	if err != nil {
		return dom.Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// ListInstances pages through instances in id order.
func (s *Store) ListInstances(ctx context.Context, q ListQuery) ([]dom.Instance, error) {
	sql, args := buildListQuery(q)
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []dom.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func buildListQuery(q ListQuery) (string, []any) {
	sql := `SELECT ` + instanceColumns + ` FROM dom_instances WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Module != "" {
		sql += ` AND module=` + arg(q.Module)
	}
	if q.DefinitionID != nil {
		sql += ` AND definition_id=` + arg(*q.DefinitionID)
	}
	if q.After != nil {
		sql += ` AND id>` + arg(*q.After)
	}
	sql += ` ORDER BY id LIMIT ` + arg(q.EffectiveLimit())
	return sql, args
}

package composition

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Docks ---

// SetDockTx upserts a dock row; docks are sparse and keyed by number.
func (s *Store) SetDockTx(ctx context.Context, tx *sql.Tx, d *Dock) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO docks (user_id, dock_number, label, notes)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3)
		ON CONFLICT (user_id, dock_number) DO UPDATE SET
			label = EXCLUDED.label,
			notes = EXCLUDED.notes`,
		d.Number, d.Label, d.Notes)
	if err != nil {
		return fmt.Errorf("composition: set dock %d: %w", d.Number, err)
	}
	return nil
}

func (s *Store) GetDockTx(ctx context.Context, tx *sql.Tx, number int) (*Dock, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT dock_number, label, notes FROM docks WHERE dock_number = $1`, number)
	var d Dock
	err := row.Scan(&d.Number, &d.Label, &d.Notes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan dock: %w", err)
	}
	return &d, nil
}

func (s *Store) ClearDockTx(ctx context.Context, tx *sql.Tx, number int) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM docks WHERE dock_number = $1`, number)
	if err != nil {
		return fmt.Errorf("composition: clear dock %d: %w", number, err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) ListDocksTx(ctx context.Context, tx *sql.Tx) ([]*Dock, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT dock_number, label, notes FROM docks ORDER BY dock_number`)
	if err != nil {
		return nil, fmt.Errorf("composition: list docks: %w", err)
	}
	defer rows.Close()
	var out []*Dock
	for rows.Next() {
		var d Dock
		if err := rows.Scan(&d.Number, &d.Label, &d.Notes); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Plan items ---

func (s *Store) CreatePlanItemTx(ctx context.Context, tx *sql.Tx, p *PlanItem) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p.ID = newID(p.ID)
	p.CreatedAt = stamp(p.CreatedAt)
	if p.Source == "" {
		p.Source = SourceManual
	}
	away, err := jsonText(p.AwayOfficers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO plan_items
			(user_id, id, intent_key, loadout_id, variant_id, dock_number,
			 away_officers, priority, is_active, source, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		p.ID, p.IntentKey, p.LoadoutID, p.VariantID, p.DockNumber,
		away, p.Priority, p.IsActive, string(p.Source), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create plan item: %w", err)
	}
	return nil
}

func (s *Store) UpdatePlanItemTx(ctx context.Context, tx *sql.Tx, p *PlanItem) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	away, err := jsonText(p.AwayOfficers)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE plan_items SET
			intent_key = $2, loadout_id = $3, variant_id = $4, dock_number = $5,
			away_officers = $6::jsonb, priority = $7, is_active = $8
		WHERE id = $1`,
		p.ID, p.IntentKey, p.LoadoutID, p.VariantID, p.DockNumber,
		away, p.Priority, p.IsActive)
	if err != nil {
		return fmt.Errorf("composition: update plan item: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeletePlanItemTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM plan_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete plan item: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetPlanItemTx(ctx context.Context, tx *sql.Tx, id string) (*PlanItem, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, intent_key, loadout_id, variant_id, dock_number,
		       away_officers, priority, is_active, source, created_at
		FROM plan_items WHERE id = $1`, id)
	return scanPlanItem(row)
}

func (s *Store) ListPlanItemsTx(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]*PlanItem, error) {
	query := `
		SELECT id, intent_key, loadout_id, variant_id, dock_number,
		       away_officers, priority, is_active, source, created_at
		FROM plan_items`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("composition: list plan items: %w", err)
	}
	defer rows.Close()
	var out []*PlanItem
	for rows.Next() {
		p, err := scanPlanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlanItem(row rowScanner) (*PlanItem, error) {
	var p PlanItem
	var away []byte
	var source string
	err := row.Scan(&p.ID, &p.IntentKey, &p.LoadoutID, &p.VariantID, &p.DockNumber,
		&away, &p.Priority, &p.IsActive, &source, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan plan item: %w", err)
	}
	p.Source = PlanSource(source)
	if err := decodeJSON(away, &p.AwayOfficers); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Targets ---

func (s *Store) CreateTargetTx(ctx context.Context, tx *sql.Tx, t *Target) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t.ID = newID(t.ID)
	t.CreatedAt = stamp(t.CreatedAt)
	if t.Priority == 0 {
		t.Priority = 2
	}
	if t.Status == "" {
		t.Status = TargetActive
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO targets
			(user_id, id, target_type, ref_id, loadout_id, target_tier,
			 target_rank, target_level, priority, status, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, string(t.TargetType), t.RefID, t.LoadoutID, t.TargetTier,
		t.TargetRank, t.TargetLevel, t.Priority, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create target: %w", err)
	}
	return nil
}

// SetTargetStatusTx moves a target through its lifecycle.
func (s *Store) SetTargetStatusTx(ctx context.Context, tx *sql.Tx, id string, status TargetStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalid, status)
	}
	res, err := tx.ExecContext(ctx, `UPDATE targets SET status = $2 WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("composition: set target status: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteTargetTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete target: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetTargetTx(ctx context.Context, tx *sql.Tx, id string) (*Target, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, target_type, ref_id, loadout_id, target_tier, target_rank,
		       target_level, priority, status, created_at
		FROM targets WHERE id = $1`, id)
	return scanTarget(row)
}

func (s *Store) ListTargetsTx(ctx context.Context, tx *sql.Tx, status TargetStatus) ([]*Target, error) {
	query := `
		SELECT id, target_type, ref_id, loadout_id, target_tier, target_rank,
		       target_level, priority, status, created_at
		FROM targets`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority, created_at DESC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("composition: list targets: %w", err)
	}
	defer rows.Close()
	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTarget(row rowScanner) (*Target, error) {
	var t Target
	var targetType, status string
	err := row.Scan(&t.ID, &targetType, &t.RefID, &t.LoadoutID, &t.TargetTier,
		&t.TargetRank, &t.TargetLevel, &t.Priority, &status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan target: %w", err)
	}
	t.TargetType = TargetType(targetType)
	t.Status = TargetStatus(status)
	return &t, nil
}

// --- user-scoped wrappers ---

func (u *UserStore) SetDock(ctx context.Context, d *Dock) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.SetDockTx(ctx, tx, d) })
}

func (u *UserStore) ListDocks(ctx context.Context) ([]*Dock, error) {
	var out []*Dock
	err := u.read(ctx, func(tx *sql.Tx) error {
		d, err := u.store.ListDocksTx(ctx, tx)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

func (u *UserStore) CreatePlanItem(ctx context.Context, p *PlanItem) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreatePlanItemTx(ctx, tx, p) })
}

func (u *UserStore) ListPlanItems(ctx context.Context, activeOnly bool) ([]*PlanItem, error) {
	var out []*PlanItem
	err := u.read(ctx, func(tx *sql.Tx) error {
		p, err := u.store.ListPlanItemsTx(ctx, tx, activeOnly)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *UserStore) CreateTarget(ctx context.Context, t *Target) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreateTargetTx(ctx, tx, t) })
}

func (u *UserStore) ListTargets(ctx context.Context, status TargetStatus) ([]*Target, error) {
	var out []*Target
	err := u.read(ctx, func(tx *sql.Tx) error {
		t, err := u.store.ListTargetsTx(ctx, tx, status)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

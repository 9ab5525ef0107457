package composition

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Bridge cores ---

func (s *Store) CreateBridgeCoreTx(ctx context.Context, tx *sql.Tx, b *BridgeCore) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	b.ID = newID(b.ID)
	b.CreatedAt = stamp(b.CreatedAt)
	members, err := jsonText(b.Members)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bridge_cores (user_id, id, name, members, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3::jsonb, $4)`,
		b.ID, b.Name, members, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create bridge core: %w", err)
	}
	return nil
}

func (s *Store) UpdateBridgeCoreTx(ctx context.Context, tx *sql.Tx, b *BridgeCore) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	members, err := jsonText(b.Members)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bridge_cores SET name = $2, members = $3::jsonb WHERE id = $1`,
		b.ID, b.Name, members)
	if err != nil {
		return fmt.Errorf("composition: update bridge core: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteBridgeCoreTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bridge_cores WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete bridge core: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetBridgeCoreTx(ctx context.Context, tx *sql.Tx, id string) (*BridgeCore, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, members, created_at FROM bridge_cores WHERE id = $1`, id)
	return scanBridgeCore(row)
}

func (s *Store) ListBridgeCoresTx(ctx context.Context, tx *sql.Tx) ([]*BridgeCore, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, members, created_at FROM bridge_cores ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("composition: list bridge cores: %w", err)
	}
	defer rows.Close()
	var out []*BridgeCore
	for rows.Next() {
		b, err := scanBridgeCore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBridgeCore(row rowScanner) (*BridgeCore, error) {
	var b BridgeCore
	var members []byte
	err := row.Scan(&b.ID, &b.Name, &members, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan bridge core: %w", err)
	}
	if err := decodeJSON(members, &b.Members); err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Below-deck policies ---

func (s *Store) CreatePolicyTx(ctx context.Context, tx *sql.Tx, p *BelowDeckPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p.ID = newID(p.ID)
	p.CreatedAt = stamp(p.CreatedAt)
	spec, err := jsonText(p.Spec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO below_deck_policies (user_id, id, name, mode, spec, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4::jsonb, $5)`,
		p.ID, p.Name, string(p.Mode), spec, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create policy: %w", err)
	}
	return nil
}

func (s *Store) UpdatePolicyTx(ctx context.Context, tx *sql.Tx, p *BelowDeckPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	spec, err := jsonText(p.Spec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE below_deck_policies SET name = $2, mode = $3, spec = $4::jsonb WHERE id = $1`,
		p.ID, p.Name, string(p.Mode), spec)
	if err != nil {
		return fmt.Errorf("composition: update policy: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeletePolicyTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM below_deck_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete policy: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetPolicyTx(ctx context.Context, tx *sql.Tx, id string) (*BelowDeckPolicy, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, mode, spec, created_at FROM below_deck_policies WHERE id = $1`, id)
	return scanPolicy(row)
}

func (s *Store) ListPoliciesTx(ctx context.Context, tx *sql.Tx) ([]*BelowDeckPolicy, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, mode, spec, created_at FROM below_deck_policies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("composition: list policies: %w", err)
	}
	defer rows.Close()
	var out []*BelowDeckPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (*BelowDeckPolicy, error) {
	var p BelowDeckPolicy
	var mode string
	var spec []byte
	err := row.Scan(&p.ID, &p.Name, &mode, &spec, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan policy: %w", err)
	}
	p.Mode = BelowDeckMode(mode)
	if err := decodeJSON(spec, &p.Spec); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Loadouts ---

func (s *Store) CreateLoadoutTx(ctx context.Context, tx *sql.Tx, l *Loadout) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	l.ID = newID(l.ID)
	l.CreatedAt = stamp(l.CreatedAt)
	intents, err := jsonText(l.IntentKeys)
	if err != nil {
		return err
	}
	tags, err := jsonText(l.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loadouts
			(user_id, id, ship_ref_id, name, priority, is_active, intent_keys,
			 tags, bridge_core_id, below_deck_policy_id, notes, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11)`,
		l.ID, l.ShipRefID, l.Name, l.Priority, l.IsActive, intents, tags,
		l.BridgeCoreID, l.BelowDeckPolicyID, l.Notes, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create loadout: %w", err)
	}
	return nil
}

func (s *Store) UpdateLoadoutTx(ctx context.Context, tx *sql.Tx, l *Loadout) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	intents, err := jsonText(l.IntentKeys)
	if err != nil {
		return err
	}
	tags, err := jsonText(l.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE loadouts SET
			ship_ref_id = $2, name = $3, priority = $4, is_active = $5,
			intent_keys = $6::jsonb, tags = $7::jsonb, bridge_core_id = $8,
			below_deck_policy_id = $9, notes = $10
		WHERE id = $1`,
		l.ID, l.ShipRefID, l.Name, l.Priority, l.IsActive, intents, tags,
		l.BridgeCoreID, l.BelowDeckPolicyID, l.Notes)
	if err != nil {
		return fmt.Errorf("composition: update loadout: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteLoadoutTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM loadouts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete loadout: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetLoadoutTx(ctx context.Context, tx *sql.Tx, id string) (*Loadout, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, ship_ref_id, name, priority, is_active, intent_keys, tags,
		       bridge_core_id, below_deck_policy_id, notes, created_at
		FROM loadouts WHERE id = $1`, id)
	return scanLoadout(row)
}

func (s *Store) ListLoadoutsTx(ctx context.Context, tx *sql.Tx) ([]*Loadout, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, ship_ref_id, name, priority, is_active, intent_keys, tags,
		       bridge_core_id, below_deck_policy_id, notes, created_at
		FROM loadouts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("composition: list loadouts: %w", err)
	}
	defer rows.Close()
	var out []*Loadout
	for rows.Next() {
		l, err := scanLoadout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLoadout(row rowScanner) (*Loadout, error) {
	var l Loadout
	var intents, tags []byte
	err := row.Scan(&l.ID, &l.ShipRefID, &l.Name, &l.Priority, &l.IsActive,
		&intents, &tags, &l.BridgeCoreID, &l.BelowDeckPolicyID, &l.Notes, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan loadout: %w", err)
	}
	if err := decodeJSON(intents, &l.IntentKeys); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &l.Tags); err != nil {
		return nil, err
	}
	return &l, nil
}

// --- Loadout variants ---

// CreateVariantTx relies on the composite (user_id, base_loadout_id) foreign
// key to reject variants over another user's loadout.
func (s *Store) CreateVariantTx(ctx context.Context, tx *sql.Tx, v *Variant) error {
	if v.BaseLoadoutID == "" {
		return fmt.Errorf("%w: baseLoadoutId required", ErrInvalid)
	}
	v.ID = newID(v.ID)
	v.CreatedAt = stamp(v.CreatedAt)
	patch, err := jsonText(v.Patch)
	if err != nil {
		return err
	}
	if patch == "[]" {
		patch = "{}"
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loadout_variants (user_id, id, base_loadout_id, patch, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3::jsonb, $4)`,
		v.ID, v.BaseLoadoutID, patch, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("composition: create variant: %w", err)
	}
	return nil
}

func (s *Store) DeleteVariantTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM loadout_variants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("composition: delete variant: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) GetVariantTx(ctx context.Context, tx *sql.Tx, id string) (*Variant, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, base_loadout_id, patch, created_at FROM loadout_variants WHERE id = $1`, id)
	return scanVariant(row)
}

func (s *Store) ListVariantsTx(ctx context.Context, tx *sql.Tx) ([]*Variant, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, base_loadout_id, patch, created_at FROM loadout_variants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("composition: list variants: %w", err)
	}
	defer rows.Close()
	var out []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVariant(row rowScanner) (*Variant, error) {
	var v Variant
	var patch []byte
	err := row.Scan(&v.ID, &v.BaseLoadoutID, &patch, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("composition: scan variant: %w", err)
	}
	if err := decodeJSON(patch, &v.Patch); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- user-scoped wrappers ---

func (u *UserStore) CreateLoadout(ctx context.Context, l *Loadout) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreateLoadoutTx(ctx, tx, l) })
}

func (u *UserStore) UpdateLoadout(ctx context.Context, l *Loadout) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.UpdateLoadoutTx(ctx, tx, l) })
}

func (u *UserStore) DeleteLoadout(ctx context.Context, id string) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.DeleteLoadoutTx(ctx, tx, id) })
}

func (u *UserStore) GetLoadout(ctx context.Context, id string) (*Loadout, error) {
	var out *Loadout
	err := u.read(ctx, func(tx *sql.Tx) error {
		l, err := u.store.GetLoadoutTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func (u *UserStore) ListLoadouts(ctx context.Context) ([]*Loadout, error) {
	var out []*Loadout
	err := u.read(ctx, func(tx *sql.Tx) error {
		l, err := u.store.ListLoadoutsTx(ctx, tx)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func (u *UserStore) CreateBridgeCore(ctx context.Context, b *BridgeCore) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreateBridgeCoreTx(ctx, tx, b) })
}

func (u *UserStore) ListBridgeCores(ctx context.Context) ([]*BridgeCore, error) {
	var out []*BridgeCore
	err := u.read(ctx, func(tx *sql.Tx) error {
		b, err := u.store.ListBridgeCoresTx(ctx, tx)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (u *UserStore) CreatePolicy(ctx context.Context, p *BelowDeckPolicy) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreatePolicyTx(ctx, tx, p) })
}

func (u *UserStore) ListPolicies(ctx context.Context) ([]*BelowDeckPolicy, error) {
	var out []*BelowDeckPolicy
	err := u.read(ctx, func(tx *sql.Tx) error {
		p, err := u.store.ListPoliciesTx(ctx, tx)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *UserStore) CreateVariant(ctx context.Context, v *Variant) error {
	return u.scope(ctx, func(tx *sql.Tx) error { return u.store.CreateVariantTx(ctx, tx, v) })
}

func (u *UserStore) ListVariants(ctx context.Context) ([]*Variant, error) {
	var out []*Variant
	err := u.read(ctx, func(tx *sql.Tx) error {
		v, err := u.store.ListVariantsTx(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

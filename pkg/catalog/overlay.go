package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

// OverlayStore reads and writes per-user overlays. Every operation runs
// inside a user-scoped transaction; the RLS policy supplies the user filter.
type OverlayStore struct {
	db       *database.DB
	receipts *receipts.Store
}

func NewOverlayStore(db *database.DB, rs *receipts.Store) *OverlayStore {
	return &OverlayStore{db: db, receipts: rs}
}

// UserOverlays binds the store to one user.
type UserOverlays struct {
	store  *OverlayStore
	userID string
}

func (s *OverlayStore) ForUser(userID string) *UserOverlays {
	return &UserOverlays{store: s, userID: userID}
}

// BulkResult reports a bulk patch outcome.
type BulkResult struct {
	Updated   int      `json:"updated"`
	RefIDs    []string `json:"refIds"`
	ReceiptID string   `json:"receiptId,omitempty"`
}

// GetTx loads one overlay row inside an existing user-scoped transaction.
// Returns (nil, nil) when no row exists yet.
func (s *OverlayStore) GetTx(ctx context.Context, tx *sql.Tx, kind Kind, refID string) (*Overlay, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT ref_id, ownership_state, target, user_level, user_rank, user_power,
		       user_tier, target_note, target_priority, updated_at
		FROM %s WHERE ref_id = $1`, kind.overlayTable()), refID)

	var o Overlay
	var state string
	err := row.Scan(&o.RefID, &state, &o.Target, &o.UserLevel, &o.UserRank,
		&o.UserPower, &o.UserTier, &o.TargetNote, &o.TargetPriority, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load overlay: %w", err)
	}
	o.OwnershipState = OwnershipState(state)
	return &o, nil
}

// SetTx applies a patch inside an existing user-scoped transaction, creating
// the row on first touch. Returns the state after the patch.
func (s *OverlayStore) SetTx(ctx context.Context, tx *sql.Tx, kind Kind, refID string, p Patch) (*Overlay, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	prior, err := s.GetTx(ctx, tx, kind, refID)
	if err != nil {
		return nil, err
	}
	base := defaultOverlay(refID)
	if prior != nil {
		base = *prior
	}
	next := applyPatch(base, p)

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(user_id, ref_id, ownership_state, target, user_level, user_rank,
			 user_power, user_tier, target_note, target_priority, updated_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id, ref_id) DO UPDATE SET
			ownership_state = EXCLUDED.ownership_state,
			target = EXCLUDED.target,
			user_level = EXCLUDED.user_level,
			user_rank = EXCLUDED.user_rank,
			user_power = EXCLUDED.user_power,
			user_tier = EXCLUDED.user_tier,
			target_note = EXCLUDED.target_note,
			target_priority = EXCLUDED.target_priority,
			updated_at = NOW()`, kind.overlayTable()),
		refID, string(next.OwnershipState), next.Target, next.UserLevel, next.UserRank,
		next.UserPower, next.UserTier, next.TargetNote, next.TargetPriority,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, fmt.Errorf("%w: no %s reference %s", ErrNotFound, kind, refID)
		}
		return nil, fmt.Errorf("catalog: set overlay %s: %w", refID, err)
	}
	return &next, nil
}

// DeleteTx removes an overlay row. Used by undo to restore first-touch rows
// to their pre-import absence.
func (s *OverlayStore) DeleteTx(ctx context.Context, tx *sql.Tx, kind Kind, refID string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ref_id = $1`, kind.overlayTable()), refID)
	if err != nil {
		return fmt.Errorf("catalog: delete overlay %s: %w", refID, err)
	}
	return nil
}

// Set applies one patch in its own transaction.
func (u *UserOverlays) Set(ctx context.Context, kind Kind, refID string, p Patch) (*Overlay, error) {
	var out *Overlay
	err := u.store.db.WithUserScope(ctx, u.userID, func(tx *sql.Tx) error {
		o, err := u.store.SetTx(ctx, tx, kind, refID, p)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Delete removes one overlay row in its own transaction.
func (u *UserOverlays) Delete(ctx context.Context, kind Kind, refID string) error {
	return u.store.db.WithUserScope(ctx, u.userID, func(tx *sql.Tx) error {
		return u.store.DeleteTx(ctx, tx, kind, refID)
	})
}

// BulkPatch applies one patch to every refId in a single transaction. When
// layer is ownership, a receipt capturing the inverse is written in the same
// transaction; undoing it restores prior values and deletes first-touch rows.
func (u *UserOverlays) BulkPatch(ctx context.Context, kind Kind, refIDs []string, p Patch, layer receipts.Layer) (*BulkResult, error) {
	if len(refIDs) == 0 {
		return nil, fmt.Errorf("%w: refIds required", ErrInvalidPatch)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	result := &BulkResult{RefIDs: refIDs}
	err := u.store.db.WithUserScope(ctx, u.userID, func(tx *sql.Tx) error {
		var forward, inverse receipts.ChangeSet
		for _, refID := range refIDs {
			prior, err := u.store.GetTx(ctx, tx, kind, refID)
			if err != nil {
				return err
			}
			if _, err := u.store.SetTx(ctx, tx, kind, refID, p); err != nil {
				return err
			}
			result.Updated++

			entry := receipts.Entry{Entity: string(kind), RefID: refID, Fields: PatchFields(p)}
			if prior == nil {
				forward.Added = append(forward.Added, entry)
				inverse.Removed = append(inverse.Removed, receipts.Entry{Entity: string(kind), RefID: refID})
			} else {
				forward.Updated = append(forward.Updated, entry)
				inverse.Updated = append(inverse.Updated, receipts.Entry{
					Entity: string(kind), RefID: refID, Fields: PriorFields(*prior, p),
				})
			}
		}

		if layer != receipts.LayerOwnership {
			return nil
		}
		receipt := &receipts.Receipt{
			SourceType: "bulk",
			SourceMeta: map[string]any{"kind": string(kind), "count": len(refIDs)},
			Layer:      receipts.LayerOwnership,
			Changeset:  forward,
			Inverse:    inverse,
		}
		if err := u.store.receipts.InsertTx(ctx, tx, receipt); err != nil {
			return err
		}
		result.ReceiptID = receipt.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MergedOfficers joins the reference catalog with this user's overlays.
// Missing overlays read as the defaults.
func (u *UserOverlays) MergedOfficers(ctx context.Context, nameFilter string) ([]*MergedOfficer, error) {
	query := `
		SELECT r.ref_id, r.name, r.rarity, r.faction, r.abilities,
		       r.source, r.source_url, r.revision_id, r.revision_at, r.updated_at,
		       o.ownership_state, o.target, o.user_level, o.user_rank,
		       o.user_power, o.user_tier, o.target_note, o.target_priority
		FROM ref_officers r
		LEFT JOIN officer_overlays o ON o.ref_id = r.ref_id`
	args := []any{}
	if nameFilter != "" {
		query += ` WHERE LOWER(r.name) LIKE $1`
		args = append(args, "%"+likePattern(nameFilter)+"%")
	}
	query += ` ORDER BY r.name`

	var out []*MergedOfficer
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("catalog: merged officers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMergedOfficer(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// MergedOfficer returns one merged row, ErrNotFound when the reference row
// does not exist.
func (u *UserOverlays) MergedOfficer(ctx context.Context, refID string) (*MergedOfficer, error) {
	var out *MergedOfficer
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT r.ref_id, r.name, r.rarity, r.faction, r.abilities,
			       r.source, r.source_url, r.revision_id, r.revision_at, r.updated_at,
			       o.ownership_state, o.target, o.user_level, o.user_rank,
			       o.user_power, o.user_tier, o.target_note, o.target_priority
			FROM ref_officers r
			LEFT JOIN officer_overlays o ON o.ref_id = r.ref_id
			WHERE r.ref_id = $1`, refID)
		m, err := scanMergedOfficer(row)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// MergedShips joins the reference catalog with this user's overlays.
func (u *UserOverlays) MergedShips(ctx context.Context, nameFilter string) ([]*MergedShip, error) {
	query := `
		SELECT r.ref_id, r.name, r.class, r.tier, r.faction, r.abilities,
		       r.source, r.source_url, r.revision_id, r.revision_at, r.updated_at,
		       o.ownership_state, o.target, o.user_level, o.user_rank,
		       o.user_power, o.user_tier, o.target_note, o.target_priority
		FROM ref_ships r
		LEFT JOIN ship_overlays o ON o.ref_id = r.ref_id`
	args := []any{}
	if nameFilter != "" {
		query += ` WHERE LOWER(r.name) LIKE $1`
		args = append(args, "%"+likePattern(nameFilter)+"%")
	}
	query += ` ORDER BY r.name`

	var out []*MergedShip
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("catalog: merged ships: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMergedShip(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// MergedShip returns one merged row.
func (u *UserOverlays) MergedShip(ctx context.Context, refID string) (*MergedShip, error) {
	var out *MergedShip
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT r.ref_id, r.name, r.class, r.tier, r.faction, r.abilities,
			       r.source, r.source_url, r.revision_id, r.revision_at, r.updated_at,
			       o.ownership_state, o.target, o.user_level, o.user_rank,
			       o.user_power, o.user_tier, o.target_note, o.target_priority
			FROM ref_ships r
			LEFT JOIN ship_overlays o ON o.ref_id = r.ref_id
			WHERE r.ref_id = $1`, refID)
		m, err := scanMergedShip(row)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// applyPatch merges a tri-state patch onto the current overlay values.
// Explicit nulls clear NOT NULL columns back to their defaults.
func applyPatch(cur Overlay, p Patch) Overlay {
	next := cur
	if p.OwnershipState.Set {
		if p.OwnershipState.Null {
			next.OwnershipState = OwnershipUnknown
		} else {
			next.OwnershipState = p.OwnershipState.Value
		}
	}
	if p.Target.Set {
		next.Target = !p.Target.Null && p.Target.Value
	}
	next.UserLevel = mergeNullable(cur.UserLevel, p.UserLevel)
	next.UserRank = mergeNullable(cur.UserRank, p.UserRank)
	next.UserPower = mergeNullable(cur.UserPower, p.UserPower)
	next.UserTier = mergeNullable(cur.UserTier, p.UserTier)
	next.TargetNote = mergeNullable(cur.TargetNote, p.TargetNote)
	next.TargetPriority = mergeNullable(cur.TargetPriority, p.TargetPriority)
	return next
}

func mergeNullable[T any](cur *T, f Field[T]) *T {
	if !f.Set {
		return cur
	}
	if f.Null {
		return nil
	}
	v := f.Value
	return &v
}

// PatchFields enumerates the keys a patch writes, for the forward changeset.
func PatchFields(p Patch) map[string]any {
	out := map[string]any{}
	putField(out, "ownershipState", p.OwnershipState)
	putField(out, "target", p.Target)
	putField(out, "userLevel", p.UserLevel)
	putField(out, "userRank", p.UserRank)
	putField(out, "userPower", p.UserPower)
	putField(out, "userTier", p.UserTier)
	putField(out, "targetNote", p.TargetNote)
	putField(out, "targetPriority", p.TargetPriority)
	return out
}

func putField[T any](dst map[string]any, key string, f Field[T]) {
	if !f.Set {
		return
	}
	if f.Null {
		dst[key] = nil
		return
	}
	dst[key] = f.Value
}

// PriorFields snapshots the values a patch is about to overwrite, for the
// inverse changeset. Only the keys the patch touches are captured.
func PriorFields(prior Overlay, p Patch) map[string]any {
	out := map[string]any{}
	if p.OwnershipState.Set {
		out["ownershipState"] = prior.OwnershipState
	}
	if p.Target.Set {
		out["target"] = prior.Target
	}
	if p.UserLevel.Set {
		out["userLevel"] = derefAny(prior.UserLevel)
	}
	if p.UserRank.Set {
		out["userRank"] = derefAny(prior.UserRank)
	}
	if p.UserPower.Set {
		out["userPower"] = derefAny(prior.UserPower)
	}
	if p.UserTier.Set {
		out["userTier"] = derefAny(prior.UserTier)
	}
	if p.TargetNote.Set {
		out["targetNote"] = derefAny(prior.TargetNote)
	}
	if p.TargetPriority.Set {
		out["targetPriority"] = derefAny(prior.TargetPriority)
	}
	return out
}

func derefAny[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// likePattern lowercases a filter and escapes LIKE metacharacters so user
// input never acts as a wildcard.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return likeEscaper.Replace(strings.ToLower(s))
}

func scanMergedOfficer(row rowScanner) (*MergedOfficer, error) {
	var (
		m          MergedOfficer
		abilities  []byte
		revisionAt sql.NullTime
		state      sql.NullString
		target     sql.NullBool
	)
	err := row.Scan(&m.RefID, &m.Name, &m.Rarity, &m.Faction, &abilities,
		&m.Source, &m.SourceURL, &m.RevisionID, &revisionAt, &m.UpdatedAt,
		&state, &target, &m.UserLevel, &m.UserRank,
		&m.UserPower, &m.UserTier, &m.TargetNote, &m.TargetPriority)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan merged officer: %w", err)
	}
	m.Abilities = abilities
	if revisionAt.Valid {
		t := revisionAt.Time
		m.RevisionAt = &t
	}
	m.OwnershipState = OwnershipUnknown
	if state.Valid {
		m.OwnershipState = OwnershipState(state.String)
	}
	m.Target = target.Valid && target.Bool
	return &m, nil
}

func scanMergedShip(row rowScanner) (*MergedShip, error) {
	var (
		m          MergedShip
		abilities  []byte
		revisionAt sql.NullTime
		state      sql.NullString
		target     sql.NullBool
	)
	err := row.Scan(&m.RefID, &m.Name, &m.Class, &m.Tier, &m.Faction, &abilities,
		&m.Source, &m.SourceURL, &m.RevisionID, &revisionAt, &m.UpdatedAt,
		&state, &target, &m.UserLevel, &m.UserRank,
		&m.UserPower, &m.UserTier, &m.TargetNote, &m.TargetPriority)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan merged ship: %w", err)
	}
	m.Abilities = abilities
	if revisionAt.Valid {
		t := revisionAt.Time
		m.RevisionAt = &t
	}
	m.OwnershipState = OwnershipUnknown
	if state.Valid {
		m.OwnershipState = OwnershipState(state.String)
	}
	m.Target = target.Valid && target.Bool
	return &m, nil
}

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Guffawaffle/majel/pkg/database"
)

// ReferenceStore maintains the global catalog. Writes run on the admin pool:
// the catalog is shared, so no user scope applies, and the app role only
// holds SELECT on the ref tables.
type ReferenceStore struct {
	db *database.DB
}

func NewReferenceStore(db *database.DB) *ReferenceStore {
	return &ReferenceStore{db: db}
}

// UpsertOfficer is idempotent by refId and overwrites provenance.
func (s *ReferenceStore) UpsertOfficer(ctx context.Context, o *Officer) error {
	if o.RefID == "" || o.Name == "" {
		return fmt.Errorf("catalog: officer requires refId and name")
	}
	_, err := s.db.Admin.ExecContext(ctx, `
		INSERT INTO ref_officers
			(ref_id, name, rarity, faction, abilities, source, source_url, revision_id, revision_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8, $9, NOW())
		ON CONFLICT (ref_id) DO UPDATE SET
			name = EXCLUDED.name,
			rarity = EXCLUDED.rarity,
			faction = EXCLUDED.faction,
			abilities = EXCLUDED.abilities,
			source = EXCLUDED.source,
			source_url = EXCLUDED.source_url,
			revision_id = EXCLUDED.revision_id,
			revision_at = EXCLUDED.revision_at,
			updated_at = NOW()`,
		o.RefID, o.Name, o.Rarity, o.Faction, rawJSON(o.Abilities),
		o.Source, o.SourceURL, o.RevisionID, o.RevisionAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert officer %s: %w", o.RefID, err)
	}
	return nil
}

// UpsertShip is idempotent by refId and overwrites provenance.
func (s *ReferenceStore) UpsertShip(ctx context.Context, sh *Ship) error {
	if sh.RefID == "" || sh.Name == "" {
		return fmt.Errorf("catalog: ship requires refId and name")
	}
	_, err := s.db.Admin.ExecContext(ctx, `
		INSERT INTO ref_ships
			(ref_id, name, class, tier, faction, abilities, source, source_url, revision_id, revision_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb), $7, $8, $9, $10, NOW())
		ON CONFLICT (ref_id) DO UPDATE SET
			name = EXCLUDED.name,
			class = EXCLUDED.class,
			tier = EXCLUDED.tier,
			faction = EXCLUDED.faction,
			abilities = EXCLUDED.abilities,
			source = EXCLUDED.source,
			source_url = EXCLUDED.source_url,
			revision_id = EXCLUDED.revision_id,
			revision_at = EXCLUDED.revision_at,
			updated_at = NOW()`,
		sh.RefID, sh.Name, sh.Class, sh.Tier, sh.Faction, rawJSON(sh.Abilities),
		sh.Source, sh.SourceURL, sh.RevisionID, sh.RevisionAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert ship %s: %w", sh.RefID, err)
	}
	return nil
}

// GetOfficer reads one reference row by refId.
func (s *ReferenceStore) GetOfficer(ctx context.Context, refID string) (*Officer, error) {
	row := s.db.App.QueryRowContext(ctx, `
		SELECT ref_id, name, rarity, faction, abilities, source, source_url, revision_id, revision_at, updated_at
		FROM ref_officers WHERE ref_id = $1`, refID)
	return scanOfficer(row)
}

// GetShip reads one reference row by refId.
func (s *ReferenceStore) GetShip(ctx context.Context, refID string) (*Ship, error) {
	row := s.db.App.QueryRowContext(ctx, `
		SELECT ref_id, name, class, tier, faction, abilities, source, source_url, revision_id, revision_at, updated_at
		FROM ref_ships WHERE ref_id = $1`, refID)
	return scanShip(row)
}

// ListOfficers returns the catalog ordered by name, optionally filtered by a
// case-insensitive substring.
func (s *ReferenceStore) ListOfficers(ctx context.Context, nameFilter string) ([]*Officer, error) {
	query := `
		SELECT ref_id, name, rarity, faction, abilities, source, source_url, revision_id, revision_at, updated_at
		FROM ref_officers`
	args := []any{}
	if nameFilter != "" {
		query += ` WHERE LOWER(name) LIKE $1`
		args = append(args, "%"+likePattern(nameFilter)+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.App.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list officers: %w", err)
	}
	defer rows.Close()

	var out []*Officer
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListShips returns the catalog ordered by name, optionally filtered by a
// case-insensitive substring.
func (s *ReferenceStore) ListShips(ctx context.Context, nameFilter string) ([]*Ship, error) {
	query := `
		SELECT ref_id, name, class, tier, faction, abilities, source, source_url, revision_id, revision_at, updated_at
		FROM ref_ships`
	args := []any{}
	if nameFilter != "" {
		query += ` WHERE LOWER(name) LIKE $1`
		args = append(args, "%"+likePattern(nameFilter)+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.App.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list ships: %w", err)
	}
	defer rows.Close()

	var out []*Ship
	for rows.Next() {
		sh, err := scanShip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// Names returns every (refId, name) pair for one kind. The import resolver
// matches candidate rows against this projection.
func (s *ReferenceStore) Names(ctx context.Context, kind Kind) ([]NameRef, error) {
	rows, err := s.db.App.QueryContext(ctx,
		fmt.Sprintf(`SELECT ref_id, name FROM %s ORDER BY name`, kind.refTable()))
	if err != nil {
		return nil, fmt.Errorf("catalog: names: %w", err)
	}
	defer rows.Close()

	var out []NameRef
	for rows.Next() {
		var n NameRef
		if err := rows.Scan(&n.RefID, &n.Name); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Exists reports whether a reference row exists for the kind and refId.
func (s *ReferenceStore) Exists(ctx context.Context, kind Kind, refID string) (bool, error) {
	var one int
	err := s.db.App.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE ref_id = $1`, kind.refTable()), refID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOfficer(row rowScanner) (*Officer, error) {
	var (
		o          Officer
		abilities  []byte
		revisionAt sql.NullTime
	)
	err := row.Scan(&o.RefID, &o.Name, &o.Rarity, &o.Faction, &abilities,
		&o.Source, &o.SourceURL, &o.RevisionID, &revisionAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan officer: %w", err)
	}
	o.Abilities = abilities
	if revisionAt.Valid {
		t := revisionAt.Time
		o.RevisionAt = &t
	}
	return &o, nil
}

func scanShip(row rowScanner) (*Ship, error) {
	var (
		sh         Ship
		abilities  []byte
		revisionAt sql.NullTime
	)
	err := row.Scan(&sh.RefID, &sh.Name, &sh.Class, &sh.Tier, &sh.Faction, &abilities,
		&sh.Source, &sh.SourceURL, &sh.RevisionID, &revisionAt, &sh.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan ship: %w", err)
	}
	sh.Abilities = abilities
	if revisionAt.Valid {
		t := revisionAt.Time
		sh.RevisionAt = &t
	}
	return &sh, nil
}

// rawJSON converts opaque catalog bytes to a jsonb-safe parameter.
func rawJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Guffawaffle/majel/pkg/database"
)

// Store reads and writes import receipts inside user-scoped transactions.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// UserStore binds a Store to one user for the convenience read paths.
type UserStore struct {
	store  *Store
	userID string
}

// ForUser returns a view of the store scoped to the given user.
func (s *Store) ForUser(userID string) *UserStore {
	return &UserStore{store: s, userID: userID}
}

// ListFilter narrows List results.
type ListFilter struct {
	Layer Layer
	Limit int
}

// InsertTx writes a receipt inside an existing user-scoped transaction so a
// mutation and its receipt commit or roll back together. Assigns the id and
// createdAt when unset.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, r *Receipt) error {
	if !r.Layer.Valid() {
		return fmt.Errorf("receipts: invalid layer %q", r.Layer)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	sourceMeta, err := marshalJSONB(r.SourceMeta)
	if err != nil {
		return fmt.Errorf("receipts: encode source meta: %w", err)
	}
	changeset, err := json.Marshal(r.Changeset)
	if err != nil {
		return fmt.Errorf("receipts: encode changeset: %w", err)
	}
	inverse, err := json.Marshal(r.Inverse)
	if err != nil {
		return fmt.Errorf("receipts: encode inverse: %w", err)
	}
	unresolved, err := marshalJSONB(r.Unresolved)
	if err != nil {
		return fmt.Errorf("receipts: encode unresolved: %w", err)
	}

	var mapping sql.NullString
	if len(r.Mapping) > 0 {
		mapping = sql.NullString{String: string(r.Mapping), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO import_receipts
			(user_id, id, source_type, source_meta, mapping, layer,
			 changeset, inverse, unresolved, resolved_items, created_at)
		VALUES (current_setting('app.current_user_id'), $1, $2,
		        COALESCE($3::jsonb, '{}'::jsonb), $4::jsonb, $5,
		        $6::jsonb, $7::jsonb, $8::jsonb, '[]'::jsonb, $9)`,
		r.ID, r.SourceType, sourceMeta, mapping, string(r.Layer),
		string(changeset), string(inverse), unresolved, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("receipts: insert: %w", err)
	}
	return nil
}

// GetTx loads one receipt inside an existing user-scoped transaction.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, id string) (*Receipt, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, source_type, source_meta, mapping, layer,
		       changeset, inverse, unresolved, resolved_items, created_at
		FROM import_receipts
		WHERE id = $1`, id)
	return scanReceipt(row)
}

// AttachResolvedItemsTx appends later human resolutions to a receipt. The
// forward changeset and inverse are never touched.
func (s *Store) AttachResolvedItemsTx(ctx context.Context, tx *sql.Tx, id string, items []ResolvedItem) error {
	if len(items) == 0 {
		return nil
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("receipts: encode resolved items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE import_receipts
		SET resolved_items = COALESCE(resolved_items, '[]'::jsonb) || $2::jsonb
		WHERE id = $1`, id, string(encoded))
	if err != nil {
		return fmt.Errorf("receipts: attach resolved items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one receipt for the bound user.
func (u *UserStore) Get(ctx context.Context, id string) (*Receipt, error) {
	var out *Receipt
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		r, err := u.store.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// List returns receipts for the bound user, newest first.
func (u *UserStore) List(ctx context.Context, f ListFilter) ([]*Receipt, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, source_type, source_meta, mapping, layer,
		       changeset, inverse, unresolved, resolved_items, created_at
		FROM import_receipts`
	args := []any{}
	if f.Layer != "" {
		query += ` WHERE layer = $1`
		args = append(args, string(f.Layer))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var out []*Receipt
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("receipts: list: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReceipt(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r          Receipt
		layer      string
		sourceMeta []byte
		mapping    []byte
		changeset  []byte
		inverse    []byte
		unresolved []byte
		resolved   []byte
	)
	err := row.Scan(&r.ID, &r.SourceType, &sourceMeta, &mapping, &layer,
		&changeset, &inverse, &unresolved, &resolved, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: scan: %w", err)
	}

	r.Layer = Layer(layer)
	r.Mapping = json.RawMessage(mapping)
	if err := unmarshalJSONB(sourceMeta, &r.SourceMeta); err != nil {
		return nil, fmt.Errorf("receipts: decode source meta: %w", err)
	}
	if err := unmarshalJSONB(changeset, &r.Changeset); err != nil {
		return nil, fmt.Errorf("receipts: decode changeset: %w", err)
	}
	if err := unmarshalJSONB(inverse, &r.Inverse); err != nil {
		return nil, fmt.Errorf("receipts: decode inverse: %w", err)
	}
	if err := unmarshalJSONB(unresolved, &r.Unresolved); err != nil {
		return nil, fmt.Errorf("receipts: decode unresolved: %w", err)
	}
	if err := unmarshalJSONB(resolved, &r.ResolvedItems); err != nil {
		return nil, fmt.Errorf("receipts: decode resolved items: %w", err)
	}
	return &r, nil
}

// marshalJSONB encodes v for a jsonb parameter; lib/pq would send a plain
// []byte in bytea format, so JSON values travel as strings.
func marshalJSONB(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalJSONB(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

package composition

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Guffawaffle/majel/pkg/database"
)

// Store is the composition-layer store. Tx methods expect an open user-scoped
// transaction; the ForUser view opens one per call.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// UserStore binds the store to one user.
type UserStore struct {
	store  *Store
	userID string
}

func (s *Store) ForUser(userID string) *UserStore {
	return &UserStore{store: s, userID: userID}
}

// DB exposes the underlying handle for callers composing larger transactions.
func (s *Store) DB() *database.DB { return s.db }

func (u *UserStore) scope(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return u.store.db.WithUserScope(ctx, u.userID, fn)
}

func (u *UserStore) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return u.store.db.WithUserRead(ctx, u.userID, fn)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// jsonText encodes a value for a jsonb parameter. nil slices become empty
// JSON arrays so NOT NULL columns keep their shape.
func jsonText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(raw)
	if s == "null" {
		s = "[]"
	}
	return s, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

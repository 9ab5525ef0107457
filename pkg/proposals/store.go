package proposals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Guffawaffle/majel/pkg/database"
)

const proposalColumns = `id, tool, args_json, args_hash, proposal_json, batch_items,
	status, created_at, expires_at, applied_receipt_id, applied_at, declined_at, decline_reason`

// Store persists proposals. Per-user operations run inside user-scoped
// transactions; the stale sweep runs on the admin pool because it crosses
// users.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

func NewStore(db *database.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// UserStore binds the store to one user.
type UserStore struct {
	store  *Store
	userID string
}

func (s *Store) ForUser(userID string) *UserStore {
	return &UserStore{store: s, userID: userID}
}

// CreateTx inserts a proposal, reusing a live proposed row with the same
// argsHash instead of stacking duplicates. The returned proposal carries the
// persisted id either way.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, p *Proposal) (*Proposal, error) {
	if p.Tool == "" || p.ArgsHash == "" {
		return nil, fmt.Errorf("proposals: tool and argsHash required")
	}

	existing, err := s.liveByHashTx(ctx, tx, p.ArgsHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	p.ID = uuid.NewString()
	p.Status = StatusProposed
	if len(p.Preview) == 0 {
		p.Preview = json.RawMessage(`{}`)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("proposals: expiresAt required")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutation_proposals
			(user_id, id, tool, args_json, args_hash, proposal_json, batch_items,
			 status, created_at, expires_at)
		VALUES (current_setting('app.current_user_id'), $1, $2, $3::jsonb, $4,
		        $5::jsonb, $6::jsonb, $7, $8, $9)`,
		p.ID, p.Tool, string(p.Args), p.ArgsHash, string(p.Preview),
		nullableJSON(p.BatchItems), string(p.Status), p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("proposals: insert: %w", err)
	}
	return p, nil
}

// liveByHashTx finds a proposed, unexpired proposal with the given hash.
func (s *Store) liveByHashTx(ctx context.Context, tx *sql.Tx, argsHash string) (*Proposal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM mutation_proposals
		WHERE args_hash = $1 AND status = 'proposed' AND expires_at >= NOW()
		ORDER BY created_at DESC
		LIMIT 1`, argsHash)
	p, err := scanProposal(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return p, err
}

// AppliedByHashTx finds an already-applied proposal with the given hash, for
// replay idempotency.
func (s *Store) AppliedByHashTx(ctx context.Context, tx *sql.Tx, argsHash string) (*Proposal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM mutation_proposals
		WHERE args_hash = $1 AND status = 'applied'
		ORDER BY applied_at DESC
		LIMIT 1`, argsHash)
	p, err := scanProposal(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return p, err
}

// GetTx loads one proposal inside an existing user-scoped transaction.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, id string) (*Proposal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM mutation_proposals WHERE id = $1`, id)
	return scanProposal(row)
}

// ApplyTx marks a proposal applied and records the receipt id. The caller
// wraps this, the entity mutation and the receipt insert in one transaction.
// A proposal past its expiry is marked expired here and now, then rejected.
func (s *Store) ApplyTx(ctx context.Context, tx *sql.Tx, id, receiptID string) (*Proposal, error) {
	p, err := s.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusProposed {
		stateErr := &StateError{ID: id, Status: p.Status}
		if p.Status == StatusExpired {
			stateErr.ExpiresAt = p.ExpiresAt
		}
		return nil, stateErr
	}
	now := time.Now().UTC()
	if p.ExpiresAt.Before(now) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_proposals SET status = 'expired' WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("proposals: mark expired: %w", err)
		}
		return nil, &StateError{ID: id, Status: StatusExpired, ExpiresAt: p.ExpiresAt}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mutation_proposals
		SET status = 'applied', applied_at = $2, applied_receipt_id = $3
		WHERE id = $1 AND status = 'proposed'`, id, now, receiptID)
	if err != nil {
		return nil, fmt.Errorf("proposals: apply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &StateError{ID: id, Status: p.Status}
	}

	p.Status = StatusApplied
	p.AppliedAt = &now
	p.AppliedReceiptID = &receiptID
	return p, nil
}

// DeclineTx marks a proposal declined. Declining an expired proposal is fine;
// declining an applied one is not.
func (s *Store) DeclineTx(ctx context.Context, tx *sql.Tx, id string, reason string) (*Proposal, error) {
	p, err := s.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusApplied || p.Status == StatusDeclined {
		return nil, &StateError{ID: id, Status: p.Status}
	}

	now := time.Now().UTC()
	var reasonParam *string
	if reason != "" {
		reasonParam = &reason
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE mutation_proposals
		SET status = 'declined', declined_at = $2, decline_reason = $3
		WHERE id = $1`, id, now, reasonParam)
	if err != nil {
		return nil, fmt.Errorf("proposals: decline: %w", err)
	}

	p.Status = StatusDeclined
	p.DeclinedAt = &now
	p.DeclineReason = reasonParam
	return p, nil
}

// Get loads one proposal for the bound user.
func (u *UserStore) Get(ctx context.Context, id string) (*Proposal, error) {
	var out *Proposal
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		p, err := u.store.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns proposals for the bound user, newest first.
func (u *UserStore) List(ctx context.Context, f ListFilter) ([]*Proposal, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + proposalColumns + ` FROM mutation_proposals`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(f.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var out []*Proposal
	err := u.store.db.WithUserRead(ctx, u.userID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("proposals: list: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProposal(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// Decline moves one proposal to declined in its own transaction.
func (u *UserStore) Decline(ctx context.Context, id, reason string) (*Proposal, error) {
	var out *Proposal
	err := u.store.db.WithUserScope(ctx, u.userID, func(tx *sql.Tx) error {
		p, err := u.store.DeclineTx(ctx, tx, id, reason)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ExpireStale sweeps every user's overdue proposed proposals. Runs on the
// admin pool because the sweep crosses user boundaries; concurrent sweeps are
// harmless since the status filter makes the update idempotent.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	res, err := s.db.Admin.ExecContext(ctx, `
		UPDATE mutation_proposals
		SET status = 'expired'
		WHERE status = 'proposed' AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("proposals: expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale proposals", "count", n)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p          Proposal
		args       []byte
		preview    []byte
		batchItems []byte
		status     string
	)
	err := row.Scan(&p.ID, &p.Tool, &args, &p.ArgsHash, &preview, &batchItems,
		&status, &p.CreatedAt, &p.ExpiresAt, &p.AppliedReceiptID, &p.AppliedAt,
		&p.DeclinedAt, &p.DeclineReason)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("proposals: scan: %w", err)
	}
	p.Args = args
	p.Preview = preview
	if len(batchItems) > 0 {
		p.BatchItems = batchItems
	}
	p.Status = Status(status)
	return &p, nil
}

func nullableJSON(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

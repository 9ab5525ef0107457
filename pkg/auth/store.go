package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Guffawaffle/majel/pkg/database"
)

// Store persists users, sessions and one-shot tokens. These are the identity
// tables: they are queried before a user scope exists (sign-in, token
// resolution) and therefore live outside RLS, behind this package only.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateUser inserts a new account. Email is lowercased; a duplicate reports
// ErrEmailTaken.
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		DisplayName:  displayName,
		Role:         RoleEnsign,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.App.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, role, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.DisplayName, u.Role, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("auth: create user: %w", err)
	}
	return u, nil
}

const userColumns = `id, email, display_name, role, email_verified, locked_at, password_hash, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var locked sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.EmailVerified, &locked, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if locked.Valid {
		u.LockedAt = &locked.Time
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.App.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.App.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *Store) SetEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.App.ExecContext(ctx,
		`UPDATE users SET email_verified = TRUE WHERE id = $1`, userID)
	return err
}

func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string) error {
	_, err := s.db.App.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	return err
}

func (s *Store) SetRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("auth: unknown role %q", role)
	}
	_, err := s.db.App.ExecContext(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`, userID, role)
	return err
}

func (s *Store) SetLocked(ctx context.Context, userID string, locked bool) error {
	if locked {
		_, err := s.db.App.ExecContext(ctx,
			`UPDATE users SET locked_at = NOW() WHERE id = $1`, userID)
		return err
	}
	_, err := s.db.App.ExecContext(ctx,
		`UPDATE users SET locked_at = NULL WHERE id = $1`, userID)
	return err
}

// DeleteUser removes the account. Sessions, overlays, receipts and proposals
// cascade through their foreign keys.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.App.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	return err
}

// ---- sessions ----

// CreateSession mints an opaque session token with the given lifetime.
func (s *Store) CreateSession(ctx context.Context, userID, ip, userAgent string, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Token:      NewOpaqueToken(),
		UserID:     userID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(ttl),
		IP:         ip,
		UserAgent:  userAgent,
	}
	_, err := s.db.App.ExecContext(ctx,
		`INSERT INTO user_sessions (token, user_id, created_at, last_seen_at, expires_at, ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.Token, sess.UserID, sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt, sess.IP, sess.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("auth: create session: %w", err)
	}
	return sess, nil
}

// ResolveSession returns the session's user if the token is live, touching
// last_seen_at on the way.
func (s *Store) ResolveSession(ctx context.Context, token string) (*User, error) {
	var userID string
	err := s.db.App.QueryRowContext(ctx,
		`UPDATE user_sessions SET last_seen_at = NOW()
		 WHERE token = $1 AND expires_at > NOW()
		 RETURNING user_id`, token).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("auth: resolve session: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.App.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE token = $1`, token)
	return err
}

// DeleteOtherSessions removes all of a user's sessions except keepToken.
// Used by logout-all and password change.
func (s *Store) DeleteOtherSessions(ctx context.Context, userID, keepToken string) error {
	_, err := s.db.App.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE user_id = $1 AND token <> $2`, userID, keepToken)
	return err
}

// ---- one-shot tokens ----

// TokenType discriminates verify from reset tokens.
type TokenType string

const (
	TokenVerify TokenType = "verify"
	TokenReset  TokenType = "reset"
)

// IssueToken mints a one-shot token of the given type. The raw token is
// returned for delivery; only its digest is stored.
func (s *Store) IssueToken(ctx context.Context, userID string, typ TokenType, ttl time.Duration) (string, error) {
	raw := NewOpaqueToken()
	_, err := s.db.App.ExecContext(ctx,
		`INSERT INTO auth_tokens (token_hash, token_type, user_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		TokenDigest(raw), typ, userID, time.Now().UTC().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return raw, nil
}

// ConsumeToken redeems a one-shot token. A second redemption reports
// ErrTokenConsumed; an expired token reports ErrTokenExpired.
func (s *Store) ConsumeToken(ctx context.Context, raw string, typ TokenType) (string, error) {
	var userID string
	var expiresAt time.Time
	var consumed sql.NullTime
	err := s.db.App.QueryRowContext(ctx,
		`SELECT user_id, expires_at, consumed_at FROM auth_tokens
		 WHERE token_hash = $1 AND token_type = $2`,
		TokenDigest(raw), typ).Scan(&userID, &expiresAt, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("auth: consume token: %w", err)
	}
	if consumed.Valid {
		return "", ErrTokenConsumed
	}
	if time.Now().After(expiresAt) {
		return "", ErrTokenExpired
	}

	res, err := s.db.App.ExecContext(ctx,
		`UPDATE auth_tokens SET consumed_at = NOW()
		 WHERE token_hash = $1 AND consumed_at IS NULL`,
		TokenDigest(raw))
	if err != nil {
		return "", fmt.Errorf("auth: consume token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race with a concurrent redemption.
		return "", ErrTokenConsumed
	}
	return userID, nil
}

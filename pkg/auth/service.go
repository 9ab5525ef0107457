package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"
)

const (
	sessionTTL     = 30 * 24 * time.Hour
	verifyTokenTTL = 48 * time.Hour
	resetTokenTTL  = 1 * time.Hour
)

// Mailer delivers account emails. Delivery failures are logged and the flow
// proceeds; the token can be re-requested.
type Mailer interface {
	SendVerification(ctx context.Context, email, link string) error
	SendPasswordReset(ctx context.Context, email, link string) error
}

// TokenSink captures issued tokens when no mailer is configured (dev mode).
type TokenSink interface {
	Capture(kind, email, token string)
}

// Service implements the account lifecycle over Store.
type Service struct {
	store   *Store
	mailer  Mailer
	sink    TokenSink
	baseURL string
	logger  *slog.Logger
}

func NewService(store *Store, mailer Mailer, sink TokenSink, baseURL string) *Service {
	return &Service{
		store:   store,
		mailer:  mailer,
		sink:    sink,
		baseURL: baseURL,
		logger:  slog.Default().With("component", "auth"),
	}
}

// Store exposes the underlying store for middleware session resolution.
func (s *Service) Store() *Store { return s.store }

// SignUp registers an account and issues a verification token.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*User, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("auth: invalid email: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.store.CreateUser(ctx, email, displayName, hash)
	if err != nil {
		return nil, err
	}

	token, err := s.store.IssueToken(ctx, user.ID, TokenVerify, verifyTokenTTL)
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, "verify", user.Email, token)
	return user, nil
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	userID, err := s.store.ConsumeToken(ctx, token, TokenVerify)
	if err != nil {
		return err
	}
	return s.store.SetEmailVerified(ctx, userID)
}

// SignIn verifies credentials and mints a session. Credential failures are
// indistinguishable between unknown email and wrong password.
func (s *Service) SignIn(ctx context.Context, email, password, ip, userAgent string) (*User, *Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a compare anyway so response timing does not reveal
		// whether the account exists.
		VerifyPassword("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", password)
		return nil, nil, ErrInvalidCredentials
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}

	sess, err := s.store.CreateSession(ctx, user.ID, ip, userAgent, sessionTTL)
	if err != nil {
		return nil, nil, err
	}
	return user, sess, nil
}

// Logout destroys the current session.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// LogoutAll destroys every session but the current one.
func (s *Service) LogoutAll(ctx context.Context, userID, keepToken string) error {
	return s.store.DeleteOtherSessions(ctx, userID, keepToken)
}

// ChangePassword verifies the current password, swaps the hash and revokes
// all other sessions.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next, keepToken string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	return s.store.DeleteOtherSessions(ctx, userID, keepToken)
}

// ForgotPassword issues a reset token. Unknown emails succeed silently so
// the endpoint cannot be used to enumerate accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil
	}
	token, err := s.store.IssueToken(ctx, user.ID, TokenReset, resetTokenTTL)
	if err != nil {
		return err
	}
	s.deliver(ctx, "reset", user.Email, token)
	return nil
}

// ResetPassword redeems a reset token and revokes every session.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	userID, err := s.store.ConsumeToken(ctx, token, TokenReset)
	if err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	return s.store.DeleteOtherSessions(ctx, userID, "")
}

func (s *Service) deliver(ctx context.Context, kind, email, token string) {
	if s.sink != nil {
		s.sink.Capture(kind, email, token)
	}
	if s.mailer == nil {
		return
	}

	var err error
	switch kind {
	case "verify":
		err = s.mailer.SendVerification(ctx, email, s.baseURL+"/verify-email?token="+token)
	case "reset":
		err = s.mailer.SendPasswordReset(ctx, email, s.baseURL+"/reset-password?token="+token)
	}
	if err != nil {
		// Recoverable: the user can re-request; the token sink still has it
		// in dev.
		s.logger.WarnContext(ctx, "email delivery failed", "kind", kind, "error", err)
	}
}

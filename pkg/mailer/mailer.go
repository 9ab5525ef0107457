// Package mailer delivers account emails over SMTP. It is a boundary
// collaborator: callers treat delivery failures as log-and-continue, never as
// request failures.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
)

// Config is the SMTP endpoint. An empty Host means unconfigured; callers
// should fall back to a DevTokenSink.
type Config struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

func (c Config) Enabled() bool { return c.Host != "" }

// sendFunc is swapped in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends plain-text account emails.
type SMTPMailer struct {
	cfg    Config
	send   sendFunc
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail, logger: logger}
}

func (m *SMTPMailer) SendVerification(ctx context.Context, email, link string) error {
	return m.deliver(ctx, email, "Verify your Majel account",
		fmt.Sprintf("Welcome aboard.\n\nVerify your email address:\n%s\n\nThe link expires in 48 hours.\n", link))
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	return m.deliver(ctx, email, "Reset your Majel password",
		fmt.Sprintf("A password reset was requested for this address.\n\nReset it here:\n%s\n\nThe link expires in 1 hour. If you did not request this, ignore this email.\n", link))
}

func (m *SMTPMailer) deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.cfg.From, to, subject, body)

	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	addr := m.cfg.Host + ":" + m.cfg.Port
	if err := m.send(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// DevTokenSink records issued tokens in memory when SMTP is unconfigured so
// local development can complete verify and reset flows.
type DevTokenSink struct {
	mu     sync.Mutex
	tokens map[string]string // "kind:email" -> token
	logger *slog.Logger
}

func NewDevTokenSink(logger *slog.Logger) *DevTokenSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DevTokenSink{tokens: map[string]string{}, logger: logger}
}

func (s *DevTokenSink) Capture(kind, email, token string) {
	s.mu.Lock()
	s.tokens[kind+":"+email] = token
	s.mu.Unlock()
	// The token itself never hits the log.
	s.logger.Info("captured auth token (smtp unconfigured)", "kind", kind, "email", email)
}

// Token returns the last captured token for (kind, email).
func (s *DevTokenSink) Token(kind, email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[kind+":"+email]
	return t, ok
}

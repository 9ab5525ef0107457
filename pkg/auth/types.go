// Package auth maps inbound requests to a user identity and enforces
// minimum-rank access. Resolution order: bearer admin token, opaque session
// token, legacy invite token. First match wins.
package auth

import (
	"errors"
	"time"
)

// Role is the rank ladder. Comparison is by level, never by string.
type Role string

const (
	RoleEnsign     Role = "ensign"
	RoleLieutenant Role = "lieutenant"
	RoleCaptain    Role = "captain"
	RoleAdmiral    Role = "admiral"
)

var roleLevels = map[Role]int{
	RoleEnsign:     0,
	RoleLieutenant: 1,
	RoleCaptain:    2,
	RoleAdmiral:    3,
}

// AtLeast reports whether r ranks at or above min. Unknown roles rank below
// everything.
func (r Role) AtLeast(min Role) bool {
	rl, ok := roleLevels[r]
	if !ok {
		return false
	}
	ml, ok := roleLevels[min]
	if !ok {
		return false
	}
	return rl >= ml
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// User is the account record. PasswordHash never crosses an API boundary.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	Role          Role       `json:"role"`
	EmailVerified bool       `json:"emailVerified"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	PasswordHash  string     `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Session is an opaque-token login session.
type Session struct {
	Token      string
	UserID     string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
	IP         string
	UserAgent  string
}

// Principal is the resolved caller identity carried in the request context.
type Principal struct {
	UserID      string
	Email       string
	DisplayName string
	Role        Role
	// SessionToken is set for cookie/header sessions; empty for the admin
	// token and legacy invite paths.
	SessionToken string
	// ReadOnly marks legacy invite-tenant callers.
	ReadOnly bool
}

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrTokenConsumed      = errors.New("auth: token already used")
	ErrTokenExpired       = errors.New("auth: token expired")
)

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Guffawaffle/majel/pkg/api"
)

// SessionCookie is the session cookie name.
const SessionCookie = "majel_session"

// adminUserID is the synthesised identity behind the configured admin token.
// It is stable so admin-made mutations scope consistently.
const adminUserID = "admin:root"

// InviteClaims are the claims on legacy invite-tenant tokens.
type InviteClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Resolver turns inbound requests into Principals.
type Resolver struct {
	service    *Service
	adminToken string
	// inviteKey validates legacy invite JWTs; empty disables the path.
	inviteKey []byte
}

func NewResolver(service *Service, adminToken, inviteKey string) *Resolver {
	return &Resolver{
		service:    service,
		adminToken: adminToken,
		inviteKey:  []byte(inviteKey),
	}
}

// Middleware resolves the caller identity and enforces the minimum rank.
// Rejections carry machine codes with next-step hints.
func (rv *Resolver) Middleware(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, apiErr := rv.resolve(r)
		if apiErr != nil {
			api.WriteErr(w, r, apiErr)
			return
		}

		if !principal.Role.AtLeast(min) {
			api.WriteErr(w, r, api.NewError(api.CodeInsufficientRank,
				fmt.Sprintf("requires %s or above", min)).
				WithHints("ask an admiral to raise your rank"))
			return
		}

		next(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	}
}

// resolve applies the resolution order: admin bearer token, session token,
// legacy invite token. First match wins.
func (rv *Resolver) resolve(r *http.Request) (*Principal, *api.Error) {
	// (a) configured admin token synthesises a stable admiral. The
	// verified-email gate does not apply here.
	if bearer := bearerToken(r); bearer != "" && rv.adminToken != "" {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(rv.adminToken)) == 1 {
			return &Principal{
				UserID:      adminUserID,
				DisplayName: "Admin",
				Role:        RoleAdmiral,
			}, nil
		}
	}

	// (b) opaque session token from cookie or header.
	if token := sessionToken(r); token != "" {
		user, err := rv.service.Store().ResolveSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, api.NewError(api.CodeUnauthorized, "session expired or revoked").
					WithHints("sign in again")
			}
			return nil, &api.Error{Status: http.StatusInternalServerError, Code: api.CodeInternal, Message: err.Error()}
		}
		if user.LockedAt != nil {
			return nil, api.NewError(api.CodeAccountLocked, "account is locked").
				WithHints("contact an administrator")
		}
		if !user.EmailVerified {
			return nil, api.NewError(api.CodeEmailNotVerified, "email address not verified").
				WithHints("check your inbox for the verification link")
		}
		return &Principal{
			UserID:       user.ID,
			Email:        user.Email,
			DisplayName:  user.DisplayName,
			Role:         user.Role,
			SessionToken: token,
		}, nil
	}

	// (c) legacy invite-tenant token: signed JWT, read-only lieutenant tier.
	if bearer := bearerToken(r); bearer != "" && len(rv.inviteKey) > 0 {
		claims := &InviteClaims{}
		token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return rv.inviteKey, nil
		})
		if err == nil && token.Valid && claims.Subject != "" {
			return &Principal{
				UserID:      "invite:" + claims.Subject,
				Email:       claims.Email,
				DisplayName: "Guest",
				Role:        RoleLieutenant,
				ReadOnly:    true,
			}, nil
		}
	}

	return nil, api.NewError(api.CodeUnauthorized, "authentication required").
		WithHints("sign in or supply a bearer token")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get("X-Session-Token")
}

package server

import (
	"net/http"
	"time"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/auth"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "email and password are required"))
		return
	}

	user, err := s.deps.Auth.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusCreated, user)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "token is required"))
		return
	}
	if err := s.deps.Auth.VerifyEmail(r.Context(), req.Token); err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"verified": true})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decode(w, r, &req) {
		return
	}
	user, sess, err := s.deps.Auth.SignIn(r.Context(), req.Email, req.Password,
		r.RemoteAddr, r.UserAgent())
	if err != nil {
		fail(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	api.WriteData(w, r, http.StatusOK, map[string]any{
		"user":      user,
		"token":     sess.Token,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.SessionToken != "" {
		if err := s.deps.Auth.Logout(r.Context(), p.SessionToken); err != nil {
			fail(w, r, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	api.WriteData(w, r, http.StatusOK, map[string]bool{"loggedOut": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	p := principal(r)
	err := s.deps.Auth.ChangePassword(r.Context(), p.UserID,
		req.CurrentPassword, req.NewPassword, p.SessionToken)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"changed": true})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	// Always succeeds so the endpoint cannot be used to probe for accounts.
	if err := s.deps.Auth.ForgotPassword(r.Context(), req.Email); err != nil {
		s.deps.Logger.Warn("forgot-password delivery failed", "error", err)
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"sent": true})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "token and newPassword are required"))
		return
	}
	if err := s.deps.Auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	api.WriteData(w, r, http.StatusOK, map[string]any{
		"userId":      p.UserID,
		"email":       p.Email,
		"displayName": p.DisplayName,
		"role":        p.Role,
		"readOnly":    p.ReadOnly,
	})
}

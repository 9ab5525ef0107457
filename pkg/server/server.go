// Package server wires the HTTP surface: the route table, role gates, and
// per-route timeouts. Handlers stay thin; domain rules live in the packages
// they guard.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/auth"
	"github.com/Guffawaffle/majel/pkg/behavior"
	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/frames"
	"github.com/Guffawaffle/majel/pkg/importer"
	"github.com/Guffawaffle/majel/pkg/observability"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/session"
	"github.com/Guffawaffle/majel/pkg/tools"
)

// maxBodyBytes bounds any request body before JSON decoding. Import payloads
// are base64 inside JSON, so this sits above the importer's decoded cap.
const maxBodyBytes = 16 << 20

// Deps collects everything the route table needs. Nil optional fields
// degrade their routes to a 503 rather than failing startup.
type Deps struct {
	Resolver    *auth.Resolver
	Auth        *auth.Service
	Limiter     auth.Limiter
	Refs        *catalog.ReferenceStore
	Overlays    *catalog.OverlayStore
	Imports     *importer.Service
	Translators *importer.Registry
	Receipts    *receipts.Store
	Proposals   *proposals.Store
	Runtime     *tools.Runtime
	Chat        *session.Orchestrator
	Behavior    *behavior.Store
	Frames      *frames.Store
	Obs         *observability.Provider

	// APITimeout bounds normal calls; ToolTimeout bounds chat and apply.
	APITimeout  time.Duration
	ToolTimeout time.Duration

	Logger *slog.Logger
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	if deps.APITimeout <= 0 {
		deps.APITimeout = 60 * time.Second
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = 10 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Handler builds the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth. Public endpoints are rate limited per IP; session management
	// requires a live session.
	mux.HandleFunc("POST /api/auth/signup", s.limited(s.handleSignUp))
	mux.HandleFunc("POST /api/auth/verify-email", s.limited(s.handleVerifyEmail))
	mux.HandleFunc("POST /api/auth/signin", s.limited(s.handleSignIn))
	mux.HandleFunc("POST /api/auth/forgot-password", s.limited(s.handleForgotPassword))
	mux.HandleFunc("POST /api/auth/reset-password", s.limited(s.handleResetPassword))
	mux.HandleFunc("POST /api/auth/logout", s.guard(auth.RoleEnsign, s.fast(s.handleLogout)))
	mux.HandleFunc("POST /api/auth/change-password", s.guard(auth.RoleEnsign, s.fast(s.handleChangePassword)))
	mux.HandleFunc("GET /api/auth/me", s.guard(auth.RoleEnsign, s.fast(s.handleMe)))

	// Catalog merged reads and overlay writes.
	mux.HandleFunc("GET /api/catalog/officers", s.guard(auth.RoleLieutenant, s.fast(s.handleListOfficers)))
	mux.HandleFunc("GET /api/catalog/officers/{refId}", s.guard(auth.RoleLieutenant, s.fast(s.handleGetOfficer)))
	mux.HandleFunc("PATCH /api/catalog/officers/{refId}/overlay",
		s.guard(auth.RoleLieutenant, s.fast(s.handleSetOverlay(catalog.KindOfficer))))
	mux.HandleFunc("DELETE /api/catalog/officers/{refId}/overlay",
		s.guard(auth.RoleLieutenant, s.fast(s.handleDeleteOverlay(catalog.KindOfficer))))
	mux.HandleFunc("GET /api/catalog/ships", s.guard(auth.RoleLieutenant, s.fast(s.handleListShips)))
	mux.HandleFunc("GET /api/catalog/ships/{refId}", s.guard(auth.RoleLieutenant, s.fast(s.handleGetShip)))
	mux.HandleFunc("PATCH /api/catalog/ships/{refId}/overlay",
		s.guard(auth.RoleLieutenant, s.fast(s.handleSetOverlay(catalog.KindShip))))
	mux.HandleFunc("DELETE /api/catalog/ships/{refId}/overlay",
		s.guard(auth.RoleLieutenant, s.fast(s.handleDeleteOverlay(catalog.KindShip))))

	// Import pipeline. Parse and translate are pure; apply mutates and gets
	// the tool timeout.
	mux.HandleFunc("POST /api/import/parse", s.guard(auth.RoleAdmiral, s.fast(s.handleImportParse)))
	mux.HandleFunc("POST /api/import/translate", s.guard(auth.RoleAdmiral, s.fast(s.handleImportTranslate)))
	mux.HandleFunc("GET /api/import/translators", s.guard(auth.RoleAdmiral, s.fast(s.handleListTranslators)))
	mux.HandleFunc("POST /api/import/apply",
		s.guard(auth.RoleAdmiral, s.slow(s.handleImportApply)))
	mux.HandleFunc("GET /api/import/receipts", s.guard(auth.RoleLieutenant, s.fast(s.handleListReceipts)))
	mux.HandleFunc("GET /api/import/receipts/{id}", s.guard(auth.RoleLieutenant, s.fast(s.handleGetReceipt)))
	mux.HandleFunc("POST /api/import/receipts/{id}/undo",
		s.guard(auth.RoleAdmiral, s.slow(s.handleUndoReceipt)))
	mux.HandleFunc("POST /api/import/receipts/{id}/resolve",
		s.guard(auth.RoleAdmiral, s.fast(s.handleResolveReceipt)))

	// Proposal protocol. Creation runs at lieutenant; the trust engine
	// decides per tool whether it auto-applies, waits, or is blocked.
	mux.HandleFunc("POST /api/mutations/proposals",
		s.guard(auth.RoleLieutenant, s.slow(s.handleCreateProposal)))
	mux.HandleFunc("GET /api/mutations/proposals", s.guard(auth.RoleLieutenant, s.fast(s.handleListProposals)))
	mux.HandleFunc("GET /api/mutations/proposals/{id}", s.guard(auth.RoleLieutenant, s.fast(s.handleGetProposal)))
	mux.HandleFunc("POST /api/mutations/proposals/{id}/apply",
		s.guard(auth.RoleAdmiral, s.slow(s.handleApplyProposal)))
	mux.HandleFunc("POST /api/mutations/proposals/{id}/decline",
		s.guard(auth.RoleAdmiral, s.fast(s.handleDeclineProposal)))

	// Chat drives the session orchestrator; backend calls can run long.
	mux.HandleFunc("POST /api/chat", s.guard(auth.RoleLieutenant, s.slow(s.handleChat)))

	// Assistant memory: learned behavior rules and persisted chat frames.
	mux.HandleFunc("GET /api/behavior/rules", s.guard(auth.RoleLieutenant, s.fast(s.handleListRules)))
	mux.HandleFunc("POST /api/behavior/rules", s.guard(auth.RoleLieutenant, s.fast(s.handleCreateRule)))
	mux.HandleFunc("POST /api/behavior/rules/{id}/observe",
		s.guard(auth.RoleLieutenant, s.fast(s.handleObserveRule)))
	mux.HandleFunc("DELETE /api/behavior/rules/{id}",
		s.guard(auth.RoleLieutenant, s.fast(s.handleDeleteRule)))
	mux.HandleFunc("GET /api/chat/frames", s.guard(auth.RoleLieutenant, s.fast(s.handleListFrames)))
	mux.HandleFunc("POST /api/chat/frames", s.guard(auth.RoleLieutenant, s.fast(s.handleCreateFrame)))
	mux.HandleFunc("DELETE /api/chat/frames/{id}",
		s.guard(auth.RoleLieutenant, s.fast(s.handleDeleteFrame)))

	var h http.Handler = mux
	if s.deps.Obs != nil {
		h = api.TelemetryMiddleware(s.deps.Obs)(h)
	}
	h = api.RecoverMiddleware(h)
	h = api.RequestIDMiddleware(h)
	return h
}

// guard enforces a minimum rank on a handler.
func (s *Server) guard(min auth.Role, h http.HandlerFunc) http.HandlerFunc {
	return s.deps.Resolver.Middleware(min, h)
}

// limited applies the per-IP auth rate limit when a limiter is configured.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	h = s.fast(h)
	if s.deps.Limiter == nil {
		return h
	}
	return auth.RateLimitMiddleware(s.deps.Limiter, h)
}

// fast enforces the short API budget on one route.
func (s *Server) fast(h http.HandlerFunc) http.HandlerFunc {
	return api.TimeoutMiddleware(s.deps.APITimeout)(h).ServeHTTP
}

// slow enforces the tool-execution budget instead; chat, imports and
// proposal application can legitimately run past the API budget.
func (s *Server) slow(h http.HandlerFunc) http.HandlerFunc {
	return api.TimeoutMiddleware(s.deps.ToolTimeout)(h).ServeHTTP
}

// decode reads a bounded JSON body into dst. A false return means the error
// response was already written.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, "request body is not valid JSON").
			WithDetail(err.Error()))
		return false
	}
	return true
}

// principal returns the resolved caller; the guard middleware guarantees one.
func principal(r *http.Request) *auth.Principal {
	return auth.MustGetPrincipal(r.Context())
}

// requireWrite rejects read-only principals on mutating routes.
func requireWrite(w http.ResponseWriter, r *http.Request) bool {
	if principal(r).ReadOnly {
		api.WriteErr(w, r, api.NewError(api.CodeForbidden, "this token is read-only"))
		return false
	}
	return true
}

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/auth"
	"github.com/Guffawaffle/majel/pkg/behavior"
	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/composition"
	"github.com/Guffawaffle/majel/pkg/database"
	"github.com/Guffawaffle/majel/pkg/frames"
	"github.com/Guffawaffle/majel/pkg/importer"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/receipts"
	"github.com/Guffawaffle/majel/pkg/tools"
)

// fail maps domain errors onto stable envelope codes. Anything unmapped is a
// scrubbed INTERNAL_ERROR.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, importer.ErrInvalidInput):
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, err.Error()))
	case errors.Is(err, importer.ErrTooLarge):
		api.WriteErr(w, r, api.NewError(api.CodePayloadTooLarge, err.Error()))
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, receipts.ErrNotFound),
		errors.Is(err, proposals.ErrNotFound),
		errors.Is(err, composition.ErrNotFound),
		errors.Is(err, behavior.ErrNotFound),
		errors.Is(err, frames.ErrNotFound),
		errors.Is(err, auth.ErrNotFound):
		api.WriteErr(w, r, api.NewError(api.CodeNotFound, err.Error()))
	case errors.Is(err, auth.ErrInvalidCredentials):
		api.WriteErr(w, r, api.NewError(api.CodeUnauthorized, "invalid email or password"))
	case errors.Is(err, auth.ErrEmailTaken):
		api.WriteErr(w, r, api.NewError(api.CodeConflict, err.Error()).
			WithHints("sign in instead, or reset the password"))
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenConsumed):
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, err.Error()).
			WithHints("request a fresh link"))
	case errors.Is(err, tools.ErrUnknownTool):
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, err.Error()))
	case errors.Is(err, database.ErrIsolation):
		// A write crossed a tenant boundary. That is a bug, not a user
		// mistake; surface it as a scrubbed 500.
		api.WriteInternal(w, r, err)
	default:
		var blocked *tools.BlockedError
		if errors.As(err, &blocked) {
			api.WriteErr(w, r, api.NewError(api.CodeForbidden, blocked.Error()).
				WithHints(blocked.Hint()))
			return
		}
		var invalid *tools.ValidationError
		if errors.As(err, &invalid) {
			api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, invalid.Error()))
			return
		}
		var state *proposals.StateError
		if errors.As(err, &state) {
			detail := map[string]any{
				"proposalId": state.ID,
				"status":     string(state.Status),
			}
			if state.Status == proposals.StatusExpired {
				detail["expiresAt"] = state.ExpiresAt.UTC().Format(time.RFC3339)
			}
			api.WriteErr(w, r, api.NewError(api.CodeConflict, state.Error()).
				WithDetail(detail))
			return
		}
		api.Fail(w, r, err)
	}
}

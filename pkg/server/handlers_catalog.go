package server

import (
	"net/http"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/catalog"
	"github.com/Guffawaffle/majel/pkg/receipts"
)

func (s *Server) handleListOfficers(w http.ResponseWriter, r *http.Request) {
	merged, err := s.deps.Overlays.ForUser(principal(r).UserID).
		MergedOfficers(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, merged)
}

func (s *Server) handleGetOfficer(w http.ResponseWriter, r *http.Request) {
	merged, err := s.deps.Overlays.ForUser(principal(r).UserID).
		MergedOfficer(r.Context(), r.PathValue("refId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, merged)
}

func (s *Server) handleListShips(w http.ResponseWriter, r *http.Request) {
	merged, err := s.deps.Overlays.ForUser(principal(r).UserID).
		MergedShips(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, merged)
}

func (s *Server) handleGetShip(w http.ResponseWriter, r *http.Request) {
	merged, err := s.deps.Overlays.ForUser(principal(r).UserID).
		MergedShip(r.Context(), r.PathValue("refId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, merged)
}

// handleSetOverlay patches one overlay row. Patch fields are tri-state:
// omitted leaves a value alone, an explicit null clears it.
func (s *Server) handleSetOverlay(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireWrite(w, r) {
			return
		}
		var patch catalog.Patch
		if !decode(w, r, &patch) {
			return
		}
		if err := patch.Validate(); err != nil {
			api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, err.Error()))
			return
		}
		if patch.Empty() {
			api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "patch has no fields"))
			return
		}

		overlay, err := s.deps.Overlays.ForUser(principal(r).UserID).
			Set(r.Context(), kind, r.PathValue("refId"), patch)
		if err != nil {
			fail(w, r, err)
			return
		}
		api.WriteData(w, r, http.StatusOK, overlay)
	}
}

func (s *Server) handleDeleteOverlay(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireWrite(w, r) {
			return
		}
		err := s.deps.Overlays.ForUser(principal(r).UserID).
			Delete(r.Context(), kind, r.PathValue("refId"))
		if err != nil {
			fail(w, r, err)
			return
		}
		api.WriteData(w, r, http.StatusOK, map[string]bool{"deleted": true})
	}
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Receipts.ForUser(principal(r).UserID).
		List(r.Context(), receipts.ListFilter{
			Layer: receipts.Layer(r.URL.Query().Get("layer")),
		})
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, list)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Receipts.ForUser(principal(r).UserID).
		Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, receipt)
}

package server

import (
	"net/http"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/proposals"
	"github.com/Guffawaffle/majel/pkg/tools"
)

type createProposalRequest struct {
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// Items requests a batch proposal instead of a single tool call.
	Items []tools.BatchItem `json:"items,omitempty"`
}

// handleCreateProposal runs a tool through the trust engine. Depending on the
// tier the result is an applied receipt, a pending proposal, or FORBIDDEN.
func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req createProposalRequest
	if !decode(w, r, &req) {
		return
	}

	userID := principal(r).UserID
	var (
		result *tools.InvokeResult
		err    error
	)
	switch {
	case len(req.Items) > 0:
		result, err = s.deps.Runtime.ProposeBatch(r.Context(), userID, req.Items)
	case req.Tool != "":
		result, err = s.deps.Runtime.Invoke(r.Context(), userID, req.Tool, req.Args)
	default:
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "either tool or items is required"))
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Status == tools.StatusProposed {
		status = http.StatusAccepted
	}
	api.WriteData(w, r, status, result)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Proposals.ForUser(principal(r).UserID).
		List(r.Context(), proposals.ListFilter{
			Status: proposals.Status(r.URL.Query().Get("status")),
		})
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, list)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Proposals.ForUser(principal(r).UserID).
		Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, p)
}

func (s *Server) handleApplyProposal(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	result, err := s.deps.Runtime.ApplyProposal(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, result)
}

type declineProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleDeclineProposal(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req declineProposalRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	p, err := s.deps.Runtime.DeclineProposal(r.Context(), principal(r).UserID,
		r.PathValue("id"), req.Reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, p)
}

package server

import (
	"net/http"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/session"
)

type chatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		api.WriteUnavailable(w, r, "chat")
		return
	}
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "message is required"))
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.DefaultSessionID
	}

	result, err := s.deps.Chat.Turn(r.Context(), principal(r).UserID, sessionID, req.Message)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, result)
}

package server

import (
	"encoding/base64"
	"net/http"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/importer"
)

func (s *Server) handleImportParse(w http.ResponseWriter, r *http.Request) {
	var req importer.ParseRequest
	if !decode(w, r, &req) {
		return
	}
	parsed, err := importer.Parse(req)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, parsed)
}

type translateRequest struct {
	Translator string         `json:"translator"`
	Version    string         `json:"version,omitempty"`
	Payload    map[string]any `json:"payload"`
}

func (s *Server) handleImportTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Payload == nil {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "payload is required"))
		return
	}

	cfg, err := s.deps.Translators.Pick(req.Translator, req.Version)
	if err != nil {
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, err.Error()).
			WithHints("GET /api/import/translators lists the known translators"))
		return
	}
	result, err := importer.Translate(cfg, req.Payload)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, result)
}

func (s *Server) handleListTranslators(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, r, http.StatusOK, s.deps.Translators.Names())
}

type importApplyRequest struct {
	SourceType string         `json:"sourceType"`
	FileName   string         `json:"fileName,omitempty"`
	Rows       []importer.Row `json:"rows"`
	// ContentBase64 optionally carries the raw upload for archival.
	ContentBase64 string `json:"contentBase64,omitempty"`
}

func (s *Server) handleImportApply(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req importApplyRequest
	if !decode(w, r, &req) {
		return
	}

	apply := importer.ApplyRequest{
		SourceType: req.SourceType,
		FileName:   req.FileName,
		Rows:       req.Rows,
	}
	if req.ContentBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, "contentBase64 is not valid base64"))
			return
		}
		apply.RawPayload = raw
	}

	receipt, err := s.deps.Imports.Apply(r.Context(), principal(r).UserID, apply)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusCreated, receipt)
}

func (s *Server) handleUndoReceipt(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	receipt, err := s.deps.Imports.Undo(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusCreated, receipt)
}

type resolveReceiptRequest struct {
	Decisions []importer.Decision `json:"decisions"`
}

func (s *Server) handleResolveReceipt(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req resolveReceiptRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Decisions) == 0 {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "decisions are required"))
		return
	}
	err := s.deps.Imports.ResolveReceiptItems(r.Context(), principal(r).UserID,
		r.PathValue("id"), req.Decisions)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"resolved": true})
}

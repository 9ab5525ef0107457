package server

import (
	"net/http"
	"strconv"

	"github.com/Guffawaffle/majel/pkg/api"
	"github.com/Guffawaffle/majel/pkg/behavior"
	"github.com/Guffawaffle/majel/pkg/frames"
)

type createRuleRequest struct {
	RuleText string  `json:"ruleText"`
	TaskType *string `json:"taskType,omitempty"`
	Severity string  `json:"severity,omitempty"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req createRuleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RuleText == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "ruleText is required"))
		return
	}
	if req.Severity != "" && !behavior.Severity(req.Severity).Valid() {
		api.WriteErr(w, r, api.NewError(api.CodeInvalidParam,
			"severity must be must, should or style"))
		return
	}
	rule, err := s.deps.Behavior.Create(r.Context(), principal(r).UserID,
		req.RuleText, req.TaskType, behavior.Severity(req.Severity))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var taskType *string
	if t := q.Get("taskType"); t != "" {
		taskType = &t
	}
	minConfidence := 0.0
	if raw := q.Get("minConfidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			api.WriteErr(w, r, api.NewError(api.CodeInvalidParam, "minConfidence must be between 0 and 1"))
			return
		}
		minConfidence = v
	}

	rules, err := s.deps.Behavior.List(r.Context(), principal(r).UserID, taskType, minConfidence)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, rules)
}

type observeRuleRequest struct {
	Hit bool `json:"hit"`
}

func (s *Server) handleObserveRule(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var req observeRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := s.deps.Behavior.Observe(r.Context(), principal(r).UserID,
		r.PathValue("id"), req.Hit)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	err := s.deps.Behavior.Delete(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCreateFrame(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	var f frames.Frame
	if !decode(w, r, &f) {
		return
	}
	if f.Summary == "" {
		api.WriteErr(w, r, api.NewError(api.CodeMissingParam, "summary is required"))
		return
	}
	created, err := s.deps.Frames.Create(r.Context(), principal(r).UserID, &f)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusCreated, created)
}

func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := principal(r).UserID

	if terms, ok := q["keyword"]; ok {
		found, err := s.deps.Frames.Search(r.Context(), userID, q.Get("branch"), terms)
		if err != nil {
			fail(w, r, err)
			return
		}
		api.WriteData(w, r, http.StatusOK, found)
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	list, err := s.deps.Frames.List(r.Context(), userID, q.Get("branch"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, list)
}

func (s *Server) handleDeleteFrame(w http.ResponseWriter, r *http.Request) {
	if !requireWrite(w, r) {
		return
	}
	err := s.deps.Frames.Delete(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	api.WriteData(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

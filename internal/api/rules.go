package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/rules"
)

type reorderRequest struct {
	RuleIDs []string `json:"rule_ids"`
}

type defaultRequest struct {
	ProviderID string `json:"provider_id"`
	FolderPath string `json:"folder_path"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.svc.ListRules(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRules(w, http.StatusOK, rs)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req rules.NewRule
	if !decode(w, r, &req) {
		return
	}
	rule, err := s.svc.CreateRule(r.Context(), chi.URLParam(r, "ws"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decode(w, r, &req) {
		return
	}
	rs, err := s.svc.ReorderRules(r.Context(), chi.URLParam(r, "ws"), req.RuleIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRules(w, http.StatusOK, rs)
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	var patch rules.RulePatch
	if !decode(w, r, &patch) {
		return
	}
	rule, err := s.svc.UpdateRule(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDefault(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.DefaultPlacement(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var req defaultRequest
	if !decode(w, r, &req) {
		return
	}
	ws := chi.URLParam(r, "ws")
	if err := s.svc.SetDefaultPlacement(r.Context(), ws, req.ProviderID, req.FolderPath); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func writeRules(w http.ResponseWriter, status int, rs []domain.Rule) {
	if rs == nil {
		rs = []domain.Rule{}
	}
	writeJSON(w, status, map[string]any{"rules": rs, "count": len(rs)})
}

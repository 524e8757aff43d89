package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/elabx-org/cloudmux/internal/audit"
)

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"entries": []audit.Entry{}, "count": 0})
		return
	}

	opts := audit.QueryOptions{
		Workspace:  r.URL.Query().Get("workspace"),
		ProviderID: r.URL.Query().Get("provider_id"),
		Action:     r.URL.Query().Get("action"),
	}
	if h := r.URL.Query().Get("hours"); h != "" {
		opts.Hours, _ = strconv.Atoi(h)
	}

	entries, err := s.auditor.Query(opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

type connectRequest struct {
	Type       string            `json:"type"`
	Alias      string            `json:"alias,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Credential domain.Credential `json:"credential"`
}

type oauthRequest struct {
	Alias       string            `json:"alias,omitempty"`
	RedirectURI string            `json:"redirect_uri,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

type oauthResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

type patchProviderRequest struct {
	Enabled  *bool             `json:"enabled,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleProviderTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.svc.ProviderTypes()})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListProviders(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.ProviderInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": list, "count": len(list)})
}

func (s *Server) handleConnectProvider(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := domain.ParseProviderType(req.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inst, err := s.svc.ConnectProvider(r.Context(), provider.ConnectRequest{
		WorkspaceID: chi.URLParam(r, "ws"),
		Type:        t,
		Alias:       req.Alias,
		Settings:    req.Settings,
		Metadata:    req.Metadata,
		Credential:  req.Credential,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleBeginOAuth(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	t, err := domain.ParseProviderType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	url, state, err := s.svc.BeginOAuth(r.Context(), chi.URLParam(r, "ws"), t, req.Alias, req.RedirectURI, req.Settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, oauthResponse{AuthURL: url, State: state})
}

// handleOAuthCallback is the redirect target of the provider's consent
// screen. It is unauthenticated; the state token ties it to BeginOAuth.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Warn().Str("error", e).Msg("api: oauth consent refused")
		writeJSON(w, http.StatusForbidden, errorBody{Error: e, Kind: domain.KindAuthorizationDenied})
		return
	}
	inst, err := s.svc.CompleteOAuth(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handlePatchProvider(w http.ResponseWriter, r *http.Request) {
	var req patchProviderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil && req.Metadata == nil {
		badRequest(w, "nothing to update")
		return
	}
	id := chi.URLParam(r, "id")
	var (
		inst *domain.ProviderInstance
		err  error
	)
	if req.Metadata != nil {
		if inst, err = s.svc.UpdateProviderMetadata(r.Context(), id, req.Metadata); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		if inst, err = s.svc.SetProviderEnabled(r.Context(), id, *req.Enabled); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DisconnectProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	hs, err := s.svc.ProviderHealth(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hs == nil {
		hs = []provider.Health{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": hs})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/router"
)

type errorBody struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"error_kind,omitempty"`
}

type failedBody struct {
	Failed struct {
		AtStep    router.State `json:"at_step"`
		ErrorKind domain.Kind  `json:"error_kind"`
		Error     string       `json:"error"`
	} `json:"failed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: write response")
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(k domain.Kind) int {
	switch k {
	case domain.KindNotFound, domain.KindCredentialNotFound:
		return http.StatusNotFound
	case domain.KindInvalidRule, domain.KindInvalidCredentials, domain.KindUnknownProviderType:
		return http.StatusBadRequest
	case domain.KindAuthorizationDenied:
		return http.StatusForbidden
	case domain.KindProviderDisabled:
		return http.StatusConflict
	case domain.KindCredentialExpired:
		return http.StatusUnauthorized
	case domain.KindNoPlacement:
		return http.StatusUnprocessableEntity
	case domain.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTokenExchangeFailed, domain.KindTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *router.FailedError
	if errors.As(err, &fe) {
		var body failedBody
		body.Failed.AtStep = fe.LastState
		body.Failed.ErrorKind = fe.Kind
		body.Failed.Error = fe.Error()
		writeJSON(w, statusFor(fe.Kind), body)
		return
	}
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("api: request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

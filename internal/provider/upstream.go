package provider

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// StatusError is a non-2xx reply from a provider API.
type StatusError struct {
	Op     string
	Status int
	Body   string
	kind   error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// CheckResponse returns nil for 2xx replies and a *StatusError otherwise. A
// 401 means an expired token for OAuth providers and a rejected credential for
// the rest.
func CheckResponse(resp *http.Response, op string, family domain.AuthFamily) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
		kind:   kindForStatus(resp.StatusCode, family),
	}
}

func kindForStatus(status int, family domain.AuthFamily) error {
	switch status {
	case http.StatusUnauthorized:
		if family == domain.AuthOAuth2 {
			return domain.ErrCredentialExpired
		}
		return domain.ErrInvalidCredentials
	case http.StatusForbidden:
		return domain.ErrInvalidCredentials
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return domain.ErrUpstreamTimeout
	default:
		return domain.ErrTransferFailed
	}
}

// SplitFolderPath cleans a slash-separated folder path into its segments.
// Empty segments are dropped; ".." is rejected.
func SplitFolderPath(p string) ([]string, error) {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("provider: folder path %q escapes its root: %w", p, domain.ErrTransferFailed)
		}
		out = append(out, seg)
	}
	return out, nil
}

// JoinRemote joins folder segments and a file name into an absolute remote
// path.
func JoinRemote(segs []string, name string) string {
	return "/" + path.Join(append(append([]string{}, segs...), name)...)
}

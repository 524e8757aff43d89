// Package dropbox stores uploads in a Dropbox account through the HTTP API v2.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

const (
	defaultAPIURL     = "https://api.dropboxapi.com/2"
	defaultContentURL = "https://content.dropboxapi.com/2"

	// Files above singleUploadLimit go through an upload session.
	singleUploadLimit = 150 << 20
	sessionChunkSize  = 64 << 20
)

// Config is the Dropbox app registration. The URL and Endpoint fields
// override the public API for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	APIURL       string
	ContentURL   string
	Endpoint     oauth2.Endpoint
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	if c.ContentURL == "" {
		c.ContentURL = defaultContentURL
	}
	if c.Endpoint.TokenURL == "" {
		c.Endpoint = endpoints.Dropbox
	}
}

// Descriptor registers the Dropbox provider.
func Descriptor(cfg Config) provider.Descriptor {
	cfg.defaults()
	strategy := auth.NewOAuth(auth.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     cfg.Endpoint,
		AuthParams:   map[string]string{"token_access_type": "offline"},
		Revoke: func(ctx context.Context, _ *http.Client, tok domain.OAuthToken) error {
			return newAdapter(cfg, tok.AccessToken).rpc(ctx, "auth/token/revoke", nil, nil)
		},
		HTTPClient: cfg.HTTPClient,
	}, func(ctx context.Context, cred domain.Credential, _ map[string]string) (domain.UserInfo, error) {
		acct, err := newAdapter(cfg, cred.OAuth.AccessToken).currentAccount(ctx)
		if err != nil {
			return domain.UserInfo{}, err
		}
		return domain.UserInfo{ID: acct.AccountID, Name: acct.Name.DisplayName, Email: acct.Email}, nil
	})
	return provider.Descriptor{
		Type:     domain.ProviderDropbox,
		Strategy: strategy,
		New: func(_ *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			if cred.OAuth == nil {
				return nil, fmt.Errorf("dropbox: oauth credential required")
			}
			return newAdapter(cfg, cred.OAuth.AccessToken), nil
		},
	}
}

// Adapter calls the Dropbox API with one access token.
type Adapter struct {
	cfg   Config
	token string
}

var (
	_ provider.Adapter           = (*Adapter)(nil)
	_ provider.RootFolderCapable = (*Adapter)(nil)
)

func newAdapter(cfg Config, token string) *Adapter {
	return &Adapter{cfg: cfg, token: token}
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderDropbox }

type account struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
}

type metadata struct {
	ID          string `json:"id"`
	PathDisplay string `json:"path_display"`
	PathLower   string `json:"path_lower"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

func (a *Adapter) request(ctx context.Context, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	return req, nil
}

// rpc calls an RPC-style endpoint. in == nil sends no body.
func (a *Adapter) rpc(ctx context.Context, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := a.request(ctx, a.cfg.APIURL+"/"+endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req, endpoint, out)
}

func (a *Adapter) send(req *http.Request, endpoint string, out any) error {
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("dropbox: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse(resp, "dropbox: "+endpoint, domain.AuthOAuth2); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Adapter) currentAccount(ctx context.Context) (*account, error) {
	var acct account
	if err := a.rpc(ctx, "users/get_current_account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// EnsureRootFolder creates /name unless it exists. The folder id is its
// lower-cased path, which upload paths are built from.
func (a *Adapter) EnsureRootFolder(ctx context.Context, name string) (domain.FolderRef, error) {
	segs, err := provider.SplitFolderPath(name)
	if err != nil {
		return domain.FolderRef{}, err
	}
	if len(segs) == 0 {
		return domain.FolderRef{}, fmt.Errorf("dropbox: empty root folder name: %w", domain.ErrTransferFailed)
	}
	p := provider.JoinRemote(segs[:len(segs)-1], segs[len(segs)-1])

	var md metadata
	err = a.rpc(ctx, "files/get_metadata", map[string]any{"path": p}, &md)
	if err == nil {
		return domain.FolderRef{ID: md.PathLower, Path: md.PathDisplay}, nil
	}
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict || !strings.Contains(se.Body, "not_found") {
		return domain.FolderRef{}, err
	}

	var created struct {
		Metadata metadata `json:"metadata"`
	}
	if err := a.rpc(ctx, "files/create_folder_v2", map[string]any{"path": p, "autorename": false}, &created); err != nil {
		return domain.FolderRef{}, err
	}
	return domain.FolderRef{ID: created.Metadata.PathLower, Path: created.Metadata.PathDisplay}, nil
}

func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	segs, err := provider.SplitFolderPath(target.RootFolderID + "/" + target.FolderPath)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	commit := map[string]any{
		"path":       provider.JoinRemote(segs, file.Name),
		"mode":       "add",
		"autorename": true,
		"mute":       true,
	}

	var md metadata
	if file.Size <= singleUploadLimit {
		err = a.content(ctx, "files/upload", commit, io.NewSectionReader(r, 0, file.Size), file.Size, &md)
	} else {
		err = a.uploadSession(ctx, commit, file.Size, r, &md)
	}
	if err != nil {
		return domain.RemoteObject{}, err
	}
	return domain.RemoteObject{ID: md.ID, Path: md.PathDisplay, Size: md.Size, Hash: md.ContentHash}, nil
}

func (a *Adapter) uploadSession(ctx context.Context, commit map[string]any, size int64, r io.ReaderAt, out *metadata) error {
	var start struct {
		SessionID string `json:"session_id"`
	}
	if err := a.content(ctx, "files/upload_session/start", map[string]any{"close": false}, http.NoBody, 0, &start); err != nil {
		return err
	}
	var offset int64
	for offset < size {
		n := min(int64(sessionChunkSize), size-offset)
		arg := map[string]any{"cursor": map[string]any{"session_id": start.SessionID, "offset": offset}}
		if err := a.content(ctx, "files/upload_session/append_v2", arg, io.NewSectionReader(r, offset, n), n, nil); err != nil {
			return err
		}
		offset += n
	}
	arg := map[string]any{
		"cursor": map[string]any{"session_id": start.SessionID, "offset": offset},
		"commit": commit,
	}
	return a.content(ctx, "files/upload_session/finish", arg, http.NoBody, 0, out)
}

// content calls a content-upload endpoint; arguments travel in the
// Dropbox-API-Arg header.
func (a *Adapter) content(ctx context.Context, endpoint string, arg any, body io.Reader, size int64, out any) error {
	header, err := apiArg(arg)
	if err != nil {
		return err
	}
	req, err := a.request(ctx, a.cfg.ContentURL+"/"+endpoint, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", header)
	return a.send(req, endpoint, out)
}

// apiArg encodes v as JSON with every non-ASCII rune escaped, as HTTP
// headers must be ASCII.
func apiArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(b) {
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := surrogates(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String(), nil
}

func surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r>>10)&0x3FF, 0xDC00 + r&0x3FF
}

func (a *Adapter) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	_, err := a.currentAccount(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}

// Package webdav stores uploads on a WebDAV server using basic auth.
package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

// SettingURL is the instance setting holding the collection base URL.
const SettingURL = "url"

const propfindBody = `<?xml version="1.0" encoding="utf-8"?><propfind xmlns="DAV:"><prop><resourcetype/></prop></propfind>`

// Descriptor registers the WebDAV provider. client may be nil.
func Descriptor(client *http.Client) provider.Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return provider.Descriptor{
		Type: domain.ProviderWebDAV,
		Strategy: auth.NewBasic(func(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error) {
			a, err := newAdapter(client, settings[SettingURL], cred)
			if err != nil {
				return domain.UserInfo{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
			}
			if err := a.propfind(ctx, a.base); err != nil {
				return domain.UserInfo{}, err
			}
			return domain.UserInfo{Name: cred.Basic.Username}, nil
		}),
		New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			return newAdapter(client, inst.Setting(SettingURL), cred)
		},
	}
}

// Adapter talks to one WebDAV collection.
type Adapter struct {
	client *http.Client
	base   *url.URL
	user   string
	pass   string
}

var (
	_ provider.Adapter           = (*Adapter)(nil)
	_ provider.RootFolderCapable = (*Adapter)(nil)
)

func newAdapter(client *http.Client, rawURL string, cred domain.Credential) (*Adapter, error) {
	if cred.Basic == nil {
		return nil, fmt.Errorf("webdav: basic credential required")
	}
	if rawURL == "" {
		return nil, fmt.Errorf("webdav: %q setting is required", SettingURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("webdav: invalid url %q", rawURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Adapter{client: client, base: u, user: cred.Basic.Username, pass: cred.Basic.Password}, nil
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderWebDAV }

func (a *Adapter) resolve(segs ...string) *url.URL {
	u := *a.base
	for _, s := range segs {
		u.Path += "/" + s
	}
	return &u
}

func (a *Adapter) do(ctx context.Context, method string, u *url.URL, body io.Reader, size int64, hdr map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
	}
	req.SetBasicAuth(a.user, a.pass)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return a.client.Do(req)
}

func (a *Adapter) propfind(ctx context.Context, u *url.URL) error {
	resp, err := a.do(ctx, "PROPFIND", u, strings.NewReader(propfindBody), int64(len(propfindBody)), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return provider.CheckResponse(resp, "webdav: propfind", domain.AuthBasic)
}

// mkcol creates a collection. 405 means it already exists.
func (a *Adapter) mkcol(ctx context.Context, u *url.URL) error {
	resp, err := a.do(ctx, "MKCOL", u, nil, 0, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	return provider.CheckResponse(resp, "webdav: mkcol", domain.AuthBasic)
}

// EnsureRootFolder creates the named collection under the base URL. The folder
// id is its path relative to the base.
func (a *Adapter) EnsureRootFolder(ctx context.Context, name string) (domain.FolderRef, error) {
	segs, err := provider.SplitFolderPath(name)
	if err != nil {
		return domain.FolderRef{}, err
	}
	for i := range segs {
		if err := a.mkcol(ctx, a.resolve(segs[:i+1]...)); err != nil {
			return domain.FolderRef{}, err
		}
	}
	rel := strings.Join(segs, "/")
	return domain.FolderRef{ID: rel, Path: "/" + rel}, nil
}

func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	segs, err := provider.SplitFolderPath(target.RootFolderID + "/" + target.FolderPath)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	for i := range segs {
		if err := a.mkcol(ctx, a.resolve(segs[:i+1]...)); err != nil {
			return domain.RemoteObject{}, err
		}
	}

	dest := a.resolve(append(segs, file.Name)...)
	hdr := map[string]string{}
	if file.MimeType != "" {
		hdr["Content-Type"] = file.MimeType
	}
	resp, err := a.do(ctx, http.MethodPut, dest, io.NewSectionReader(r, 0, file.Size), file.Size, hdr)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse(resp, "webdav: put", domain.AuthBasic); err != nil {
		return domain.RemoteObject{}, err
	}
	p := provider.JoinRemote(segs, file.Name)
	return domain.RemoteObject{ID: p, Path: p, Size: file.Size, Hash: strings.Trim(resp.Header.Get("ETag"), `"`)}, nil
}

func (a *Adapter) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	err := a.propfind(ctx, a.base)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}

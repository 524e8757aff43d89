package webdav_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/provider/webdav"
)

// davServer is a minimal in-memory WebDAV server.
type davServer struct {
	mu    sync.Mutex
	cols  map[string]bool
	files map[string]string
}

func newDAVServer(t *testing.T) (*davServer, *httptest.Server) {
	d := &davServer{cols: map[string]bool{"/dav": true}, files: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		switch r.Method {
		case "PROPFIND":
			if !d.cols[r.URL.Path] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusMultiStatus)
		case "MKCOL":
			if d.cols[r.URL.Path] {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			d.cols[r.URL.Path] = true
			w.WriteHeader(http.StatusCreated)
		case http.MethodPut:
			parent := r.URL.Path[:strings.LastIndex(r.URL.Path, "/")]
			if !d.cols[parent] {
				w.WriteHeader(http.StatusConflict)
				return
			}
			b, _ := io.ReadAll(r.Body)
			d.files[r.URL.Path] = string(b)
			w.Header().Set("ETag", `"etag-1"`)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return d, srv
}

func TestWebDAVProbe(t *testing.T) {
	_, srv := newDAVServer(t)
	d := webdav.Descriptor(srv.Client())
	settings := map[string]string{webdav.SettingURL: srv.URL + "/dav/"}
	ctx := context.Background()

	ok, err := d.Strategy.ValidateCredentials(ctx, domain.BasicCredential("alice", "pw"), settings)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Strategy.ValidateCredentials(ctx, domain.BasicCredential("alice", "nope"), settings)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWebDAVUpload(t *testing.T) {
	dav, srv := newDAVServer(t)
	d := webdav.Descriptor(srv.Client())
	inst := &domain.ProviderInstance{Type: domain.ProviderWebDAV, Enabled: true,
		Settings: map[string]string{webdav.SettingURL: srv.URL + "/dav"}}

	ad, err := d.New(inst, domain.BasicCredential("alice", "pw"))
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := ad.(provider.RootFolderCapable).EnsureRootFolder(ctx, "cloudmux")
	require.NoError(t, err)
	assert.Equal(t, "cloudmux", ref.ID)

	// A second call finds the existing collection.
	_, err = ad.(provider.RootFolderCapable).EnsureRootFolder(ctx, "cloudmux")
	require.NoError(t, err)

	obj, err := ad.Upload(ctx, provider.UploadTarget{RootFolderID: ref.ID, FolderPath: "Docs"},
		domain.FileInfo{Name: "report.pdf", MimeType: "application/pdf", Size: 5}, strings.NewReader("%PDF-"))
	require.NoError(t, err)
	assert.Equal(t, "/cloudmux/Docs/report.pdf", obj.Path)
	assert.Equal(t, "etag-1", obj.Hash)
	assert.Equal(t, "%PDF-", dav.files["/dav/cloudmux/Docs/report.pdf"])

	ok, _, err := ad.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWebDAVUploadRejectedCredential(t *testing.T) {
	_, srv := newDAVServer(t)
	d := webdav.Descriptor(srv.Client())
	inst := &domain.ProviderInstance{Settings: map[string]string{webdav.SettingURL: srv.URL + "/dav"}}

	ad, err := d.New(inst, domain.BasicCredential("alice", "stale"))
	require.NoError(t, err)

	_, err = ad.Upload(context.Background(), provider.UploadTarget{}, domain.FileInfo{Name: "a", Size: 1}, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

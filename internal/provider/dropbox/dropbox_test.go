package dropbox_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/provider/dropbox"
)

// fakeDropbox serves the API and content hosts from one server. Folders are
// tracked by lower-cased path.
type fakeDropbox struct {
	mu      sync.Mutex
	folders map[string]bool
	uploads map[string]string
	args    []string
	revoked int
}

func newFakeDropbox(t *testing.T) (*httptest.Server, *fakeDropbox) {
	t.Helper()
	fd := &fakeDropbox{folders: map[string]bool{}, uploads: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(srv.Close)
	return srv, fd
}

func (fd *fakeDropbox) serve(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer at-good" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error_summary":"expired_access_token/"}`))
		return
	}
	var in map[string]any
	switch r.URL.Path {
	case "/api/users/get_current_account":
		w.Write([]byte(`{"account_id":"dbid:1","email":"ann@example.com","name":{"display_name":"Ann"}}`))
	case "/api/auth/token/revoke":
		fd.revoked++
		w.Write([]byte(`null`))
	case "/api/files/get_metadata":
		json.NewDecoder(r.Body).Decode(&in)
		p := strings.ToLower(in["path"].(string))
		if !fd.folders[p] {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error_summary":"path/not_found/.."}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "id:" + p, "path_lower": p, "path_display": in["path"]})
	case "/api/files/create_folder_v2":
		json.NewDecoder(r.Body).Decode(&in)
		p := strings.ToLower(in["path"].(string))
		fd.folders[p] = true
		json.NewEncoder(w).Encode(map[string]any{"metadata": map[string]any{"id": "id:" + p, "path_lower": p, "path_display": in["path"]}})
	case "/content/files/upload":
		arg := r.Header.Get("Dropbox-API-Arg")
		fd.args = append(fd.args, arg)
		json.Unmarshal([]byte(arg), &in)
		body, _ := io.ReadAll(r.Body)
		p := in["path"].(string)
		fd.uploads[p] = string(body)
		json.NewEncoder(w).Encode(map[string]any{"id": "id:file1", "path_display": p, "size": len(body), "content_hash": "h1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func config(srv *httptest.Server) dropbox.Config {
	return dropbox.Config{
		ClientID:   "app",
		HTTPClient: srv.Client(),
		APIURL:     srv.URL + "/api",
		ContentURL: srv.URL + "/content",
		Endpoint:   oauth2.Endpoint{AuthURL: srv.URL + "/oauth2/authorize", TokenURL: srv.URL + "/oauth2/token"},
	}
}

func TestDescriptorProbe(t *testing.T) {
	srv, _ := newFakeDropbox(t)
	d := dropbox.Descriptor(config(srv))
	_, isOAuth := d.OAuth()
	require.True(t, isOAuth)

	info, err := d.Strategy.GetUserInfo(context.Background(), domain.OAuthCredential(domain.OAuthToken{AccessToken: "at-good"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", info.Email)

	ok, err := d.Strategy.ValidateCredentials(context.Background(), domain.OAuthCredential(domain.OAuthToken{AccessToken: "stale"}), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthURLRequestsOfflineToken(t *testing.T) {
	srv, _ := newFakeDropbox(t)
	s, ok := dropbox.Descriptor(config(srv)).OAuth()
	require.True(t, ok)
	assert.Contains(t, s.AuthURL("https://app.example/cb", "s1"), "token_access_type=offline")
}

func TestEnsureRootFolderAndUpload(t *testing.T) {
	srv, fd := newFakeDropbox(t)
	d := dropbox.Descriptor(config(srv))
	a, err := d.New(&domain.ProviderInstance{Type: domain.ProviderDropbox}, domain.OAuthCredential(domain.OAuthToken{AccessToken: "at-good"}))
	require.NoError(t, err)

	rf, ok := a.(provider.RootFolderCapable)
	require.True(t, ok)

	ref, err := rf.EnsureRootFolder(context.Background(), "CloudMux")
	require.NoError(t, err)
	assert.Equal(t, "/cloudmux", ref.ID)

	again, err := rf.EnsureRootFolder(context.Background(), "CloudMux")
	require.NoError(t, err)
	assert.Equal(t, ref.ID, again.ID)

	body := "quarterly numbers"
	obj, err := a.Upload(context.Background(),
		provider.UploadTarget{RootFolderID: ref.ID, FolderPath: "Docs/Résumés"},
		domain.FileInfo{Name: "report.pdf", MimeType: "application/pdf", Size: int64(len(body))},
		strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "/cloudmux/Docs/Résumés/report.pdf", obj.Path)
	assert.Equal(t, "h1", obj.Hash)
	assert.Equal(t, body, fd.uploads["/cloudmux/Docs/Résumés/report.pdf"])

	require.Len(t, fd.args, 1)
	assert.NotContains(t, fd.args[0], "é")
	assert.Contains(t, fd.args[0], `é`)
	assert.Contains(t, fd.args[0], `"mode":"add"`)
}

func TestUploadExpiredToken(t *testing.T) {
	srv, _ := newFakeDropbox(t)
	a, err := dropbox.Descriptor(config(srv)).New(&domain.ProviderInstance{}, domain.OAuthCredential(domain.OAuthToken{AccessToken: "old"}))
	require.NoError(t, err)

	_, err = a.Upload(context.Background(), provider.UploadTarget{}, domain.FileInfo{Name: "a.txt", Size: 1}, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrCredentialExpired)
}

func TestRevoke(t *testing.T) {
	srv, fd := newFakeDropbox(t)
	s, ok := dropbox.Descriptor(config(srv)).OAuth()
	require.True(t, ok)
	require.NoError(t, s.Revoke(context.Background(), domain.OAuthToken{AccessToken: "at-good"}))
	assert.Equal(t, 1, fd.revoked)
}

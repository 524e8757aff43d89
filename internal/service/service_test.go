package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/elabx-org/cloudmux/internal/audit"
	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/provider/local"
	"github.com/elabx-org/cloudmux/internal/router"
	"github.com/elabx-org/cloudmux/internal/rules"
	"github.com/elabx-org/cloudmux/internal/service"
	"github.com/elabx-org/cloudmux/internal/store"
	"github.com/elabx-org/cloudmux/internal/vault"
)

// flakyAdapter fails its first `fails` uploads with a transfer error.
type flakyAdapter struct {
	fails atomic.Int32
	calls atomic.Int32
}

func (a *flakyAdapter) Type() domain.ProviderType { return domain.ProviderTelegram }

func (a *flakyAdapter) Upload(_ context.Context, _ provider.UploadTarget, file domain.FileInfo, _ io.ReaderAt) (domain.RemoteObject, error) {
	a.calls.Add(1)
	if a.fails.Add(-1) >= 0 {
		return domain.RemoteObject{}, errors.New("connection reset by peer")
	}
	return domain.RemoteObject{ID: "1/2", Path: "/" + file.Name}, nil
}

func (a *flakyAdapter) Healthy(context.Context) (bool, int64, error) { return true, 1, nil }

type env struct {
	svc    *service.Service
	audit  *audit.Logger
	flaky  *flakyAdapter
	tokens *httptest.Server
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault.db"), vault.KeySource{Passphrase: "correct horse"})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	lg, err := audit.New(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })

	e := &env{audit: lg, flaky: &flakyAdapter{}, now: time.Now()}
	e.tokens = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "refresh_token": "rt", "token_type": "Bearer", "expires_in": 3600})
	}))
	t.Cleanup(e.tokens.Close)

	oauthDesc := provider.Descriptor{
		Type: domain.ProviderDropbox,
		Strategy: auth.NewOAuth(auth.OAuthConfig{
			ClientID:   "app",
			Endpoint:   oauth2.Endpoint{AuthURL: e.tokens.URL + "/authorize", TokenURL: e.tokens.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
			HTTPClient: e.tokens.Client(),
		}, func(context.Context, domain.Credential, map[string]string) (domain.UserInfo, error) {
			return domain.UserInfo{ID: "dbid:1", Email: "ann@example.com"}, nil
		}),
		New: func(*domain.ProviderInstance, domain.Credential) (provider.Adapter, error) { return e.flaky, nil },
	}
	flakyDesc := provider.Descriptor{
		Type:     domain.ProviderTelegram,
		Strategy: auth.NewAPIKey(nil),
		New:      func(*domain.ProviderInstance, domain.Credential) (provider.Adapter, error) { return e.flaky, nil },
	}

	reg, err := provider.NewRegistry(st, v, []provider.Descriptor{local.Descriptor(), oauthDesc, flakyDesc}, provider.Options{})
	require.NoError(t, err)
	engine := rules.NewEngine(st, rules.Options{ValidateTarget: service.TargetValidator(reg)})
	e.svc = service.New(reg, engine, st, service.Options{
		Audit:       lg,
		RedirectURL: "https://app.example/v1/oauth/callback",
		Now:         func() time.Time { return e.now },
	})
	return e
}

func (e *env) connectLocal(t *testing.T, ws string) (*domain.ProviderInstance, string) {
	t.Helper()
	root := t.TempDir()
	inst, err := e.svc.ConnectProvider(context.Background(), provider.ConnectRequest{
		WorkspaceID: ws,
		Type:        domain.ProviderLocal,
		Settings:    map[string]string{local.SettingRoot: root},
	})
	require.NoError(t, err)
	return inst, root
}

func upload(name, mime, body string) router.Upload {
	return router.Upload{
		File: domain.FileInfo{Name: name, MimeType: mime, Size: int64(len(body))},
		Body: strings.NewReader(body),
	}
}

func TestImagesAndDocumentsScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, rootA := e.connectLocal(t, "W")
	b, rootB := e.connectLocal(t, "W")

	images, err := e.svc.CreateRule(ctx, "W", rules.NewRule{
		Name:             "images",
		Predicate:        domain.Where(domain.Clause{Field: domain.FieldMime, Op: domain.OpEquals, Value: "image/*"}),
		TargetProviderID: a.ID,
		TargetFolderPath: "Images",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, images.Priority)
	rest, err := e.svc.CreateRule(ctx, "W", rules.NewRule{Name: "rest", Predicate: domain.MatchAll(), TargetProviderID: b.ID, TargetFolderPath: "Docs"})
	require.NoError(t, err)
	assert.Equal(t, 1, rest.Priority)

	p, err := e.svc.RouteUpload(ctx, "W", upload("cat.png", "image/png", "png-bytes"), service.RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.ID, p.ProviderID)
	assert.Equal(t, images.ID, p.RuleID)
	got, err := os.ReadFile(filepath.Join(rootA, "cloudmux", "Images", "cat.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(got))

	p, err = e.svc.RouteUpload(ctx, "W", upload("report.pdf", "application/pdf", "%PDF"), service.RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, p.ProviderID)
	assert.FileExists(t, filepath.Join(rootB, "cloudmux", "Docs", "report.pdf"))

	// Reordering puts the catch-all first.
	_, err = e.svc.ReorderRules(ctx, "W", []string{rest.ID, images.ID})
	require.NoError(t, err)
	p, err = e.svc.RouteUpload(ctx, "W", upload("dog.png", "image/png", "x"), service.RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, p.ProviderID)

	// Rules aimed at a disabled provider are skipped.
	_, err = e.svc.ReorderRules(ctx, "W", []string{images.ID, rest.ID})
	require.NoError(t, err)
	_, err = e.svc.SetProviderEnabled(ctx, a.ID, false)
	require.NoError(t, err)
	p, err = e.svc.RouteUpload(ctx, "W", upload("bird.png", "image/png", "x"), service.RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, p.ProviderID)

	uploads, err := e.audit.Query(audit.QueryOptions{Workspace: "W", Action: audit.ActionUpload})
	require.NoError(t, err)
	assert.Len(t, uploads, 4)
}

func TestRouteWithoutRulesUsesDefault(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst, root := e.connectLocal(t, "W")

	_, err := e.svc.RouteUpload(ctx, "W", upload("a.txt", "text/plain", "a"), service.RouteOptions{})
	var fe *router.FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, router.StatePending, fe.LastState)
	assert.Equal(t, domain.KindNoPlacement, fe.Kind)

	require.NoError(t, e.svc.SetDefaultPlacement(ctx, "W", inst.ID, "Unsorted"))
	p, err := e.svc.RouteUpload(ctx, "W", upload("a.txt", "text/plain", "a"), service.RouteOptions{})
	require.NoError(t, err)
	assert.Empty(t, p.RuleID)
	assert.FileExists(t, filepath.Join(root, "cloudmux", "Unsorted", "a.txt"))

	other, _ := e.connectLocal(t, "X")
	assert.ErrorIs(t, e.svc.SetDefaultPlacement(ctx, "W", other.ID, ""), domain.ErrNotFound)
}

func TestRuleTargetMustBeInWorkspace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	foreign, _ := e.connectLocal(t, "X")

	_, err := e.svc.CreateRule(ctx, "W", rules.NewRule{TargetProviderID: foreign.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	assert.ErrorIs(t, e.svc.DeleteRule(ctx, "missing"), domain.ErrNotFound)
}

func TestRouteRetriesTransientFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst, err := e.svc.ConnectProvider(ctx, provider.ConnectRequest{
		WorkspaceID: "W",
		Type:        domain.ProviderTelegram,
		Credential:  domain.APIKeyCredential("123:abc", ""),
	})
	require.NoError(t, err)
	_, err = e.svc.CreateRule(ctx, "W", rules.NewRule{Predicate: domain.MatchAll(), TargetProviderID: inst.ID})
	require.NoError(t, err)

	e.flaky.fails.Store(1)
	_, err = e.svc.RouteUpload(ctx, "W", upload("a.txt", "text/plain", "a"), service.RouteOptions{})
	var fe *router.FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.KindTransferFailed, fe.Kind)
	assert.Equal(t, router.StateCredentialResolved, fe.LastState)

	e.flaky.fails.Store(2)
	e.flaky.calls.Store(0)
	p, err := e.svc.RouteUpload(ctx, "W", upload("a.txt", "text/plain", "a"), service.RouteOptions{Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, p.ProviderID)
	assert.Equal(t, int32(3), e.flaky.calls.Load())
}

func TestRouteCancelledDuringBackoffIsAudited(t *testing.T) {
	e := newEnv(t)
	inst, err := e.svc.ConnectProvider(context.Background(), provider.ConnectRequest{
		WorkspaceID: "W",
		Type:        domain.ProviderTelegram,
		Credential:  domain.APIKeyCredential("123:abc", ""),
	})
	require.NoError(t, err)
	_, err = e.svc.CreateRule(context.Background(), "W", rules.NewRule{Predicate: domain.MatchAll(), TargetProviderID: inst.ID})
	require.NoError(t, err)

	e.flaky.fails.Store(5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.svc.RouteUpload(ctx, "W", upload("a.txt", "text/plain", "a"), service.RouteOptions{Retries: 3, Backoff: time.Hour, TriggeredBy: "test"})
	var fe *router.FailedError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, fe.Err, context.DeadlineExceeded)

	entries, err := e.audit.Query(audit.QueryOptions{Workspace: "W", Action: audit.ActionUpload})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, inst.ID, entries[0].ProviderID)
	assert.Equal(t, "a.txt", entries[0].File)
	assert.NotEmpty(t, entries[0].ErrorKind)
}

func TestOAuthFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	authURL, state, err := e.svc.BeginOAuth(ctx, "W", domain.ProviderDropbox, "work", "", nil)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, state, u.Query().Get("state"))
	assert.Equal(t, "https://app.example/v1/oauth/callback", u.Query().Get("redirect_uri"))

	_, err = e.svc.CompleteOAuth(ctx, "forged", "good-code")
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	inst, err := e.svc.CompleteOAuth(ctx, state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "work", inst.Alias)
	assert.Equal(t, "ann@example.com", inst.AccountEmail)
	assert.True(t, inst.Capabilities.Has(domain.CapOAuth))

	_, err = e.svc.CompleteOAuth(ctx, state, "good-code")
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied, "states are single use")

	_, state, err = e.svc.BeginOAuth(ctx, "W", domain.ProviderDropbox, "", "", nil)
	require.NoError(t, err)
	_, err = e.svc.CompleteOAuth(ctx, state, "revoked-code")
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	list, err := e.svc.ListProviders(ctx, "W")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOAuthStateExpires(t *testing.T) {
	e := newEnv(t)
	_, state, err := e.svc.BeginOAuth(context.Background(), "W", domain.ProviderDropbox, "", "", nil)
	require.NoError(t, err)

	e.now = e.now.Add(11 * time.Minute)
	_, err = e.svc.CompleteOAuth(context.Background(), state, "good-code")
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
}

func TestBeginOAuthRejectsNonOAuthType(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.svc.BeginOAuth(context.Background(), "W", domain.ProviderLocal, "", "", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownProviderType)
}

func TestDisconnect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst, _ := e.connectLocal(t, "W")

	require.NoError(t, e.svc.DisconnectProvider(ctx, inst.ID))
	assert.ErrorIs(t, e.svc.DisconnectProvider(ctx, inst.ID), domain.ErrNotFound)

	entries, err := e.audit.Query(audit.QueryOptions{ProviderID: inst.ID, Action: audit.ActionDisconnect})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(domain.KindNotFound), entries[1].ErrorKind)
}

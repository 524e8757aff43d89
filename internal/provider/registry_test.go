package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/vault"
)

// memStore is an in-memory InstanceStore.
type memStore struct {
	mu        sync.Mutex
	insts     map[string]*domain.ProviderInstance
	createErr error
}

func newMemStore() *memStore { return &memStore{insts: map[string]*domain.ProviderInstance{}} }

func clone(inst *domain.ProviderInstance) *domain.ProviderInstance {
	c := *inst
	c.Settings = maps.Clone(inst.Settings)
	c.Metadata = maps.Clone(inst.Metadata)
	return &c
}

func (m *memStore) CreateInstance(_ context.Context, inst *domain.ProviderInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.insts[inst.ID] = clone(inst)
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*domain.ProviderInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return clone(inst), nil
}

func (m *memStore) ListInstances(_ context.Context, ws string) ([]*domain.ProviderInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProviderInstance
	for _, inst := range m.insts {
		if inst.WorkspaceID == ws {
			out = append(out, clone(inst))
		}
	}
	return out, nil
}

func (m *memStore) UpdateInstance(_ context.Context, inst *domain.ProviderInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.insts[inst.ID]; !ok {
		return domain.ErrNotFound
	}
	m.insts[inst.ID] = clone(inst)
	return nil
}

func (m *memStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.insts[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.insts, id)
	return nil
}

// fakeAdapter records what the registry hands it.
type fakeAdapter struct {
	typ      domain.ProviderType
	cred     domain.Credential
	metadata map[string]string
	ensure   *atomic.Int32
}

func (a *fakeAdapter) Type() domain.ProviderType { return a.typ }

func (a *fakeAdapter) Upload(_ context.Context, t provider.UploadTarget, f domain.FileInfo, _ io.ReaderAt) (domain.RemoteObject, error) {
	return domain.RemoteObject{ID: "obj", Path: t.FolderPath + "/" + f.Name, Size: f.Size}, nil
}

func (a *fakeAdapter) Healthy(context.Context) (bool, int64, error) { return true, 1, nil }

// folderAdapter adds the root folder and metadata capabilities.
type folderAdapter struct{ fakeAdapter }

func (a *folderAdapter) EnsureRootFolder(_ context.Context, name string) (domain.FolderRef, error) {
	a.ensure.Add(1)
	time.Sleep(10 * time.Millisecond)
	return domain.FolderRef{ID: "root-" + name, Path: name}, nil
}

func (a *folderAdapter) SetMetadata(md map[string]string) { a.metadata = md }

type tokenServer struct {
	*httptest.Server
	refreshes atomic.Int32
	deny      atomic.Bool
	revoked   atomic.Int32
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.URL.Path == "/revoke" {
			ts.revoked.Add(1)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if ts.deny.Load() {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		if r.PostForm.Get("grant_type") == "refresh_token" {
			ts.refreshes.Add(1)
			time.Sleep(20 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("at-%d", ts.refreshes.Load()),
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

type harness struct {
	reg    *provider.Registry
	store  *memStore
	vault  *vault.Vault
	tokens *tokenServer
	ensure *atomic.Int32
	probes atomic.Int32
}

func newHarness(t *testing.T, opts provider.Options) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), tokens: newTokenServer(t), ensure: &atomic.Int32{}}

	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"), vault.KeySource{Passphrase: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	h.vault = v

	oauthStrategy := auth.NewOAuth(auth.OAuthConfig{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.tokens.URL + "/auth",
			TokenURL:  h.tokens.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Revoke:     auth.FormRevoker(h.tokens.URL + "/revoke"),
		HTTPClient: h.tokens.Client(),
	}, func(context.Context, domain.Credential, map[string]string) (domain.UserInfo, error) {
		return domain.UserInfo{Email: "owner@example.com"}, nil
	})

	keyProbe := func(_ context.Context, cred domain.Credential, _ map[string]string) (domain.UserInfo, error) {
		h.probes.Add(1)
		if cred.APIKey.Key != "good" {
			return domain.UserInfo{}, fmt.Errorf("403: %w", domain.ErrInvalidCredentials)
		}
		return domain.UserInfo{Name: "bucket"}, nil
	}

	descs := []provider.Descriptor{
		{
			Type:     domain.ProviderGoogleDrive,
			Strategy: oauthStrategy,
			New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
				return &folderAdapter{fakeAdapter{typ: inst.Type, cred: cred, ensure: h.ensure}}, nil
			},
		},
		{
			Type:     domain.ProviderS3,
			Strategy: auth.NewAPIKey(keyProbe),
			New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
				return &fakeAdapter{typ: inst.Type, cred: cred}, nil
			},
		},
	}

	reg, err := provider.NewRegistry(h.store, v, descs, opts)
	require.NoError(t, err)
	h.reg = reg
	return h
}

// seedOAuth stores an instance whose token expires at expiry.
func (h *harness) seedOAuth(t *testing.T, expiry time.Time) string {
	t.Helper()
	ctx := context.Background()
	inst := &domain.ProviderInstance{ID: "gd-1", WorkspaceID: "ws", Type: domain.ProviderGoogleDrive, Enabled: true}
	require.NoError(t, h.store.CreateInstance(ctx, inst))
	require.NoError(t, h.vault.Put(ctx, inst.ID, domain.OAuthCredential(domain.OAuthToken{
		AccessToken: "stale", RefreshToken: "rt", Expiry: expiry,
	})))
	return inst.ID
}

func TestConnectAPIKey(t *testing.T) {
	h := newHarness(t, provider.Options{})
	ctx := context.Background()

	inst, err := h.reg.Connect(ctx, provider.ConnectRequest{
		WorkspaceID: "ws",
		Type:        domain.ProviderS3,
		Settings:    map[string]string{"bucket": "media"},
		Credential:  domain.APIKeyCredential("good", "secret"),
	})
	require.NoError(t, err)
	assert.True(t, inst.Enabled)
	assert.Equal(t, "bucket", inst.Alias)
	assert.True(t, inst.Capabilities.Has(domain.CapMetadata))
	assert.Equal(t, int32(1), h.probes.Load(), "upstream probed once per connect")

	cred, err := h.vault.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", cred.APIKey.Secret)

	list, err := h.reg.List(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "media", list[0].Setting("bucket"))
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, provider.Options{})

	_, err := h.reg.Connect(context.Background(), provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderS3, Credential: domain.APIKeyCredential("bad", ""),
	})
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Empty(t, h.store.insts)
}

func TestConnectUnknownType(t *testing.T) {
	h := newHarness(t, provider.Options{})

	_, err := h.reg.Connect(context.Background(), provider.ConnectRequest{WorkspaceID: "ws", Type: domain.ProviderTelegram})
	require.ErrorIs(t, err, domain.ErrUnknownProviderType)
}

func TestConnectRevokedCodeLeavesNothing(t *testing.T) {
	h := newHarness(t, provider.Options{})
	h.tokens.deny.Store(true)

	_, err := h.reg.Connect(context.Background(), provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderGoogleDrive, Code: "revoked", RedirectURI: "https://x/cb",
	})
	require.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	assert.Empty(t, h.store.insts)
}

func TestConnectRollsBackCredentialWhenPersistFails(t *testing.T) {
	h := newHarness(t, provider.Options{})
	h.store.createErr = errors.New("disk full")

	var putID string
	rec := &recordingVault{CredentialVault: h.vault, onPut: func(id string) { putID = id }}
	reg, err := provider.NewRegistry(h.store, rec, []provider.Descriptor{{
		Type:     domain.ProviderS3,
		Strategy: auth.NewAPIKey(nil),
		New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			return &fakeAdapter{typ: inst.Type}, nil
		},
	}}, provider.Options{})
	require.NoError(t, err)

	_, err = reg.Connect(context.Background(), provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderS3, Credential: domain.APIKeyCredential("k", ""),
	})
	require.Error(t, err)
	require.NotEmpty(t, putID)

	_, err = h.vault.Get(context.Background(), putID)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

type recordingVault struct {
	provider.CredentialVault
	onPut func(id string)
}

func (r *recordingVault) Put(ctx context.Context, id string, cred domain.Credential) error {
	r.onPut(id)
	return r.CredentialVault.Put(ctx, id, cred)
}

func TestResolveSingleFlightRefresh(t *testing.T) {
	h := newHarness(t, provider.Options{RefreshMargin: 5 * time.Minute})
	id := h.seedOAuth(t, time.Now().Add(-time.Minute))

	const n = 25
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.reg.Resolve(context.Background(), id)
			errs[i] = err
			if err == nil {
				tokens[i] = res.Credential.OAuth.AccessToken
			}
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-1", tokens[i])
	}
	assert.Equal(t, int32(1), h.tokens.refreshes.Load())

	entry, err := h.vault.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Version)
}

func TestResolveRefreshOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t, provider.Options{})
	id := h.seedOAuth(t, time.Now().Add(-time.Minute))

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr, longErr error
	var longToken string
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, shortErr = h.reg.Resolve(short, id)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(2 * time.Millisecond)
		res, err := h.reg.Resolve(context.Background(), id)
		longErr = err
		if err == nil {
			longToken = res.Credential.OAuth.AccessToken
		}
	}()
	wg.Wait()

	require.Error(t, shortErr)
	require.NoError(t, longErr)
	assert.Equal(t, "at-1", longToken)
	assert.Equal(t, int32(1), h.tokens.refreshes.Load())

	cred, err := h.vault.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.OAuth.AccessToken)
}

func TestResolveFreshTokenSkipsRefresh(t *testing.T) {
	h := newHarness(t, provider.Options{})
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	res, err := h.reg.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "stale", res.Credential.OAuth.AccessToken)
	assert.Zero(t, h.tokens.refreshes.Load())
}

func TestResolveRefreshFailureKeepsStaleCredential(t *testing.T) {
	h := newHarness(t, provider.Options{})
	id := h.seedOAuth(t, time.Now().Add(-time.Minute))
	h.tokens.deny.Store(true)

	_, err := h.reg.Resolve(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrCredentialExpired)
	assert.Equal(t, domain.KindCredentialExpired, domain.KindOf(err))

	cred, err := h.vault.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "stale", cred.OAuth.AccessToken)
}

func TestResolveDisabledAndMissing(t *testing.T) {
	h := newHarness(t, provider.Options{})
	ctx := context.Background()
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	_, err := h.reg.SetEnabled(ctx, id, false)
	require.NoError(t, err)

	_, err = h.reg.Resolve(ctx, id)
	require.ErrorIs(t, err, domain.ErrProviderDisabled)

	inst, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, provider.Has(inst, domain.CapRootFolder))

	_, err = h.reg.Resolve(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveAppliesMetadata(t *testing.T) {
	h := newHarness(t, provider.Options{})
	ctx := context.Background()
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	_, err := h.reg.UpdateMetadata(ctx, id, map[string]string{"team": "media", "unused": ""})
	require.NoError(t, err)

	res, err := h.reg.Resolve(ctx, id)
	require.NoError(t, err)
	a := res.Adapter.(*folderAdapter)
	assert.Equal(t, map[string]string{"team": "media"}, a.metadata)
}

func TestBootstrapRootFolderIdempotent(t *testing.T) {
	h := newHarness(t, provider.Options{RootFolderName: "Drivebase"})
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := h.reg.BootstrapRootFolder(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, "root-Drivebase", ref.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.ensure.Load())

	_, err := h.reg.BootstrapRootFolder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.ensure.Load())

	inst, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "root-Drivebase", inst.RootFolderID)
}

func TestBootstrapOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t, provider.Options{})
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	short, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr, longErr error
	var ref domain.FolderRef
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, shortErr = h.reg.BootstrapRootFolder(short, id)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		ref, longErr = h.reg.BootstrapRootFolder(context.Background(), id)
	}()
	wg.Wait()

	require.Error(t, shortErr)
	require.NoError(t, longErr)
	assert.Equal(t, "root-cloudmux", ref.ID)
	assert.Equal(t, int32(1), h.ensure.Load())

	inst, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "root-cloudmux", inst.RootFolderID)
}

func TestBootstrapNotSupported(t *testing.T) {
	h := newHarness(t, provider.Options{})
	inst, err := h.reg.Connect(context.Background(), provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderS3, Credential: domain.APIKeyCredential("good", ""),
	})
	require.NoError(t, err)

	_, err = h.reg.BootstrapRootFolder(context.Background(), inst.ID)
	require.ErrorIs(t, err, provider.ErrNotSupported)
}

func TestConnectOAuthBootstrapsRootFolder(t *testing.T) {
	h := newHarness(t, provider.Options{BootstrapOnConnect: true})

	inst, err := h.reg.Connect(context.Background(), provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderGoogleDrive, Code: "ok", RedirectURI: "https://x/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", inst.AccountEmail)
	assert.Equal(t, "root-cloudmux", inst.RootFolderID)
	assert.Equal(t, int32(1), h.ensure.Load())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, provider.Options{})
	ctx := context.Background()
	id := h.seedOAuth(t, time.Now().Add(time.Hour))

	require.NoError(t, h.reg.Disconnect(ctx, id))
	assert.Equal(t, int32(1), h.tokens.revoked.Load())

	_, err := h.vault.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	err = h.reg.Disconnect(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, provider.Options{})
	ctx := context.Background()
	h.seedOAuth(t, time.Now().Add(time.Hour))
	_, err := h.reg.Connect(ctx, provider.ConnectRequest{
		WorkspaceID: "ws", Type: domain.ProviderS3, Credential: domain.APIKeyCredential("good", ""),
	})
	require.NoError(t, err)

	results, err := h.reg.Health(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Healthy, "provider %s: %s", r.ProviderID, r.Error)
	}
}

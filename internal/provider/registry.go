package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/metrics"
)

// ErrNotSupported is returned when an operation needs a capability the
// provider lacks.
var ErrNotSupported = errors.New("provider: capability not supported")

// InstanceStore persists provider instances. GetInstance returns an error
// wrapping domain.ErrNotFound for unknown ids.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *domain.ProviderInstance) error
	GetInstance(ctx context.Context, id string) (*domain.ProviderInstance, error)
	ListInstances(ctx context.Context, workspaceID string) ([]*domain.ProviderInstance, error)
	UpdateInstance(ctx context.Context, inst *domain.ProviderInstance) error
	DeleteInstance(ctx context.Context, id string) error
}

// CredentialVault is the subset of the vault the registry uses.
type CredentialVault interface {
	Put(ctx context.Context, id string, cred domain.Credential) error
	Get(ctx context.Context, id string) (domain.Credential, error)
	Rotate(ctx context.Context, id string, cred domain.Credential) error
	Delete(ctx context.Context, id string) error
}

type Options struct {
	// RefreshMargin is how close to expiry an OAuth token may get before it
	// is refreshed ahead of use.
	RefreshMargin      time.Duration
	RootFolderName     string
	BootstrapOnConnect bool
	Now                func() time.Time
}

// ConnectRequest carries everything needed to connect one provider account.
// OAuth providers supply Code and RedirectURI; the rest supply Credential.
type ConnectRequest struct {
	WorkspaceID string
	Type        domain.ProviderType
	Alias       string
	Settings    map[string]string
	Metadata    map[string]string
	Credential  domain.Credential
	Code        string
	RedirectURI string
}

// Resolved is a provider instance ready for use: an adapter bound to the
// credential snapshot it was built with.
type Resolved struct {
	Instance   *domain.ProviderInstance
	Adapter    Adapter
	Credential domain.Credential
}

// Registry owns the lifecycle of provider instances.
type Registry struct {
	store InstanceStore
	vault CredentialVault
	descs descriptors
	opts  Options

	refreshes  singleflight.Group
	bootstraps singleflight.Group
}

func NewRegistry(store InstanceStore, vault CredentialVault, ds []Descriptor, opts Options) (*Registry, error) {
	descs, err := newDescriptors(ds)
	if err != nil {
		return nil, err
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.RootFolderName == "" {
		opts.RootFolderName = "cloudmux"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: store, vault: vault, descs: descs, opts: opts}, nil
}

// Descriptor returns the registered descriptor for t.
func (r *Registry) Descriptor(t domain.ProviderType) (Descriptor, error) {
	return r.descs.lookup(t)
}

// Types lists the registered provider types.
func (r *Registry) Types() []domain.ProviderType {
	out := make([]domain.ProviderType, 0, len(r.descs))
	for t := range r.descs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connect validates the account, stores its credential and persists a new
// instance. Nothing is left behind when any step fails.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (*domain.ProviderInstance, error) {
	desc, err := r.descs.lookup(req.Type)
	if err != nil {
		return nil, err
	}

	cred := req.Credential
	if ostrat, ok := desc.OAuth(); ok {
		tok, err := ostrat.Exchange(ctx, req.Code, req.RedirectURI)
		if err != nil {
			return nil, err
		}
		cred = domain.OAuthCredential(tok)
	} else if cred.Family == "" && desc.Strategy.Family() == domain.AuthNone {
		cred.Family = domain.AuthNone
	}

	// GetUserInfo performs the same upstream probe ValidateCredentials does,
	// so one call both validates and identifies the account.
	info, err := desc.Strategy.GetUserInfo(ctx, cred, req.Settings)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredentials) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			err = fmt.Errorf("provider: connect %s: %w: %w", req.Type, domain.ErrInvalidCredentials, err)
		}
		return nil, err
	}

	now := r.opts.Now().UTC()
	inst := &domain.ProviderInstance{
		ID:           uuid.NewString(),
		WorkspaceID:  req.WorkspaceID,
		Type:         req.Type,
		Alias:        req.Alias,
		Enabled:      true,
		Settings:     maps.Clone(req.Settings),
		Metadata:     maps.Clone(req.Metadata),
		AccountEmail: info.Email,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if inst.Alias == "" {
		inst.Alias = defaultAlias(req.Type, info)
	}

	if err := r.vault.Put(ctx, inst.ID, cred); err != nil {
		return nil, fmt.Errorf("provider: store credential: %w", err)
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		if derr := r.vault.Delete(context.WithoutCancel(ctx), inst.ID); derr != nil {
			log.Error().Err(derr).Str("provider_id", inst.ID).Msg("provider: rollback credential after failed connect")
		}
		return nil, fmt.Errorf("provider: persist instance: %w", err)
	}

	log.Info().Str("provider_id", inst.ID).Str("type", string(inst.Type)).
		Str("workspace", inst.WorkspaceID).Msg("provider: connected")

	if r.opts.BootstrapOnConnect && Has(inst, domain.CapRootFolder) {
		if ref, err := r.BootstrapRootFolder(ctx, inst.ID); err != nil {
			log.Warn().Err(err).Str("provider_id", inst.ID).Msg("provider: root folder bootstrap deferred")
		} else {
			inst.RootFolderID = ref.ID
		}
	}
	return withCapabilities(inst), nil
}

func defaultAlias(t domain.ProviderType, info domain.UserInfo) string {
	switch {
	case info.Email != "":
		return info.Email
	case info.Name != "":
		return info.Name
	default:
		return string(t)
	}
}

// Get returns one instance with its capability set.
func (r *Registry) Get(ctx context.Context, id string) (*domain.ProviderInstance, error) {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return withCapabilities(inst), nil
}

// List returns every instance in a workspace with capability sets.
func (r *Registry) List(ctx context.Context, workspaceID string) ([]*domain.ProviderInstance, error) {
	insts, err := r.store.ListInstances(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		withCapabilities(inst)
	}
	return insts, nil
}

// Active returns the ids of enabled instances in a workspace.
func (r *Registry) Active(ctx context.Context, workspaceID string) (map[string]bool, error) {
	insts, err := r.store.ListInstances(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(insts))
	for _, inst := range insts {
		if inst.Enabled {
			out[inst.ID] = true
		}
	}
	return out, nil
}

// Resolve loads an enabled instance, refreshes its credential if it is near
// expiry, and builds an adapter bound to the result.
func (r *Registry) Resolve(ctx context.Context, id string) (*Resolved, error) {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Enabled {
		return nil, fmt.Errorf("provider: %s: %w", id, domain.ErrProviderDisabled)
	}
	desc, err := r.descs.lookup(inst.Type)
	if err != nil {
		return nil, err
	}

	cred, err := r.vault.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.NeedsRefresh(cred) {
		ostrat, ok := desc.OAuth()
		if !ok {
			return nil, fmt.Errorf("provider: %s: expiring credential without oauth strategy: %w", id, domain.ErrCredentialExpired)
		}
		if cred, err = r.refresh(ctx, id, ostrat); err != nil {
			return nil, err
		}
	}

	adapter, err := desc.New(inst, cred)
	if err != nil {
		return nil, fmt.Errorf("provider: build %s adapter: %w", inst.Type, err)
	}
	if mc, ok := adapter.(MetadataCapable); ok && Has(inst, domain.CapMetadata) && len(inst.Metadata) > 0 {
		mc.SetMetadata(maps.Clone(inst.Metadata))
	}
	return &Resolved{Instance: withCapabilities(inst), Adapter: adapter, Credential: cred}, nil
}

// NeedsRefresh reports whether cred expires within the refresh margin.
// Credentials without an expiry never need one.
func (r *Registry) NeedsRefresh(cred domain.Credential) bool {
	return cred.ExpiresWithin(r.opts.Now(), r.opts.RefreshMargin)
}

// flightTimeout bounds work shared through a singleflight group. The work
// runs detached from the caller that started it, so a caller giving up does
// not fail the others or discard a completed refresh.
const flightTimeout = 2 * time.Minute

// shared runs fn once per key across concurrent callers. Each caller waits
// on its own ctx; fn gets a context that outlives the first caller.
func shared[T any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)
	ch := g.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(detached, flightTimeout)
		defer cancel()
		return fn(fctx)
	})
	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, fmt.Errorf("provider: %s: %w", key, ctx.Err())
	}
}

// refresh performs at most one upstream refresh per instance at a time. The
// vault is re-read inside the flight so a caller arriving after a completed
// refresh reuses its result.
func (r *Registry) refresh(ctx context.Context, id string, ostrat auth.OAuthStrategy) (domain.Credential, error) {
	return shared(ctx, &r.refreshes, id, func(ctx context.Context) (domain.Credential, error) {
		cred, err := r.vault.Get(ctx, id)
		if err != nil {
			return domain.Credential{}, err
		}
		if !r.NeedsRefresh(cred) {
			return cred, nil
		}
		tok, err := ostrat.Refresh(ctx, cred.OAuth.RefreshToken)
		metrics.RecordTokenRefresh(err == nil)
		if err != nil {
			log.Warn().Err(err).Str("provider_id", id).Msg("provider: token refresh failed")
			return domain.Credential{}, fmt.Errorf("provider: %s: %w: %w", id, domain.ErrCredentialExpired, err)
		}
		next := domain.OAuthCredential(tok)
		if err := r.vault.Rotate(ctx, id, next); err != nil {
			return domain.Credential{}, fmt.Errorf("provider: %s: store refreshed token: %w", id, err)
		}
		log.Debug().Str("provider_id", id).Time("expiry", tok.Expiry).Msg("provider: token refreshed")
		return next, nil
	})
}

// BootstrapRootFolder makes sure the instance has an application root folder
// and records its id. It is idempotent; a stored id short-circuits without
// any upstream call.
func (r *Registry) BootstrapRootFolder(ctx context.Context, id string) (domain.FolderRef, error) {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return domain.FolderRef{}, err
	}
	if inst.RootFolderID != "" {
		return domain.FolderRef{ID: inst.RootFolderID, Path: r.opts.RootFolderName}, nil
	}
	if !Has(inst, domain.CapRootFolder) {
		return domain.FolderRef{}, fmt.Errorf("provider: %s root folder: %w", inst.Type, ErrNotSupported)
	}

	return shared(ctx, &r.bootstraps, id, func(ctx context.Context) (domain.FolderRef, error) {
		inst, err := r.store.GetInstance(ctx, id)
		if err != nil {
			return domain.FolderRef{}, err
		}
		if inst.RootFolderID != "" {
			return domain.FolderRef{ID: inst.RootFolderID, Path: r.opts.RootFolderName}, nil
		}
		res, err := r.Resolve(ctx, id)
		if err != nil {
			return domain.FolderRef{}, err
		}
		rf, ok := res.Adapter.(RootFolderCapable)
		if !ok {
			return domain.FolderRef{}, fmt.Errorf("provider: %s adapter root folder: %w", inst.Type, ErrNotSupported)
		}
		ref, err := rf.EnsureRootFolder(ctx, r.opts.RootFolderName)
		if err != nil {
			return domain.FolderRef{}, fmt.Errorf("provider: bootstrap root folder: %w", err)
		}
		inst.RootFolderID = ref.ID
		inst.UpdatedAt = r.opts.Now().UTC()
		if err := r.store.UpdateInstance(ctx, inst); err != nil {
			return domain.FolderRef{}, err
		}
		log.Info().Str("provider_id", id).Str("folder_id", ref.ID).Msg("provider: root folder ready")
		return ref, nil
	})
}

// Disconnect revokes (best effort), removes the credential, then removes the
// instance. A failure leaves the instance listed so the call can be retried.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if desc, err := r.descs.lookup(inst.Type); err == nil {
		if ostrat, ok := desc.OAuth(); ok {
			if cred, err := r.vault.Get(ctx, id); err == nil && cred.OAuth != nil {
				if err := ostrat.Revoke(ctx, *cred.OAuth); err != nil {
					log.Warn().Err(err).Str("provider_id", id).Msg("provider: upstream revoke failed")
				}
			}
		}
	}
	if err := r.vault.Delete(ctx, id); err != nil {
		return fmt.Errorf("provider: delete credential: %w", err)
	}
	if err := r.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("provider: delete instance: %w", err)
	}
	log.Info().Str("provider_id", id).Msg("provider: disconnected")
	return nil
}

// SetEnabled toggles an instance without touching its credential.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.ProviderInstance, error) {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.Enabled = enabled
	inst.UpdatedAt = r.opts.Now().UTC()
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return withCapabilities(inst), nil
}

// UpdateMetadata merges md into the instance metadata. An empty value removes
// the key.
func (r *Registry) UpdateMetadata(ctx context.Context, id string, md map[string]string) (*domain.ProviderInstance, error) {
	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		if v == "" {
			delete(inst.Metadata, k)
			continue
		}
		inst.Metadata[k] = v
	}
	inst.UpdatedAt = r.opts.Now().UTC()
	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return withCapabilities(inst), nil
}

// Health is the probe result for one instance.
type Health struct {
	ProviderID string              `json:"provider_id"`
	Type       domain.ProviderType `json:"type"`
	Alias      string              `json:"alias"`
	Healthy    bool                `json:"healthy"`
	LatencyMs  int64               `json:"latency_ms"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  domain.Kind         `json:"error_kind,omitempty"`
}

// Health probes every enabled instance of a workspace concurrently.
func (r *Registry) Health(ctx context.Context, workspaceID string) ([]Health, error) {
	insts, err := r.store.ListInstances(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var enabled []*domain.ProviderInstance
	for _, inst := range insts {
		if inst.Enabled {
			enabled = append(enabled, inst)
		}
	}

	results := make([]Health, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inst := range enabled {
		g.Go(func() error {
			h := Health{ProviderID: inst.ID, Type: inst.Type, Alias: inst.Alias}
			res, err := r.Resolve(gctx, inst.ID)
			if err == nil {
				h.Healthy, h.LatencyMs, err = res.Adapter.Healthy(gctx)
			}
			if err != nil {
				h.Error = err.Error()
				h.ErrorKind = domain.KindOf(err)
			}
			results[i] = h
			return nil
		})
	}
	g.Wait()
	return results, nil
}

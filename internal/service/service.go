// Package service is the application facade used by the HTTP API and the
// inbox watcher: provider connections, rules and upload routing.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/audit"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/router"
	"github.com/elabx-org/cloudmux/internal/rules"
)

// DefaultStore persists per-workspace fallback placements.
type DefaultStore interface {
	DefaultPlacement(ctx context.Context, workspaceID string) (*domain.PlacementDecision, error)
	SetDefaultPlacement(ctx context.Context, workspaceID, providerID, folderPath string) error
}

// Auditor records service events.
type Auditor interface {
	Log(e audit.Entry)
}

type Options struct {
	// RedirectURL is the OAuth callback used when BeginOAuth gets none.
	RedirectURL string
	// StateTTL bounds how long an OAuth authorization may take.
	StateTTL time.Duration
	Audit    Auditor
	Now      func() time.Time
}

type Service struct {
	registry *provider.Registry
	rules    *rules.Engine
	router   *router.Router
	defaults DefaultStore
	states   *oauthStates
	opts     Options
}

func New(reg *provider.Registry, engine *rules.Engine, defaults DefaultStore, opts Options) *Service {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		registry: reg,
		rules:    engine,
		router:   router.New(engine, reg, defaults),
		defaults: defaults,
		states:   newOAuthStates(opts.StateTTL, opts.Now),
		opts:     opts,
	}
}

// TargetValidator returns a rules.Options.ValidateTarget that accepts only
// enabled providers of the rule's workspace.
func TargetValidator(reg *provider.Registry) func(ctx context.Context, workspaceID, providerID string) error {
	return func(ctx context.Context, workspaceID, providerID string) error {
		inst, err := reg.Get(ctx, providerID)
		if err != nil {
			return err
		}
		if inst.WorkspaceID != workspaceID {
			return fmt.Errorf("provider %s belongs to another workspace: %w", providerID, domain.ErrNotFound)
		}
		if !inst.Enabled {
			return fmt.Errorf("provider %s: %w", providerID, domain.ErrProviderDisabled)
		}
		return nil
	}
}

func (s *Service) audit(e audit.Entry, err error) {
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = string(domain.KindOf(err))
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Log(e)
	}
}

// ProviderTypes lists the types this server can connect.
func (s *Service) ProviderTypes() []domain.ProviderType {
	return s.registry.Types()
}

// ConnectProvider connects a non-OAuth provider with the supplied
// credential.
func (s *Service) ConnectProvider(ctx context.Context, req provider.ConnectRequest) (*domain.ProviderInstance, error) {
	start := s.opts.Now()
	inst, err := s.registry.Connect(ctx, req)
	e := audit.Entry{Action: audit.ActionConnect, Workspace: req.WorkspaceID, ProviderType: string(req.Type), DurationMs: s.since(start)}
	if inst != nil {
		e.ProviderID = inst.ID
	}
	s.audit(e, err)
	return inst, err
}

// BeginOAuth starts an authorization for an OAuth provider type and returns
// the consent URL and its state token.
func (s *Service) BeginOAuth(ctx context.Context, workspaceID string, t domain.ProviderType, alias, redirectURI string, settings map[string]string) (string, string, error) {
	desc, err := s.registry.Descriptor(t)
	if err != nil {
		return "", "", err
	}
	ostrat, ok := desc.OAuth()
	if !ok {
		return "", "", fmt.Errorf("service: %s does not use oauth: %w", t, domain.ErrUnknownProviderType)
	}
	if redirectURI == "" {
		redirectURI = s.opts.RedirectURL
	}
	state := s.states.put(pendingOAuth{
		workspaceID: workspaceID,
		providerT:   t,
		alias:       alias,
		redirectURI: redirectURI,
		settings:    settings,
	})
	return ostrat.AuthURL(redirectURI, state), state, nil
}

// CompleteOAuth finishes an authorization begun by BeginOAuth. Unknown,
// reused and expired states are denied.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*domain.ProviderInstance, error) {
	p, ok := s.states.take(state)
	if !ok {
		return nil, fmt.Errorf("service: oauth state unknown or expired: %w", domain.ErrAuthorizationDenied)
	}
	if code == "" {
		return nil, fmt.Errorf("service: oauth callback without code: %w", domain.ErrAuthorizationDenied)
	}
	return s.ConnectProvider(ctx, provider.ConnectRequest{
		WorkspaceID: p.workspaceID,
		Type:        p.providerT,
		Alias:       p.alias,
		Settings:    p.settings,
		Code:        code,
		RedirectURI: p.redirectURI,
	})
}

func (s *Service) DisconnectProvider(ctx context.Context, id string) error {
	start := s.opts.Now()
	err := s.registry.Disconnect(ctx, id)
	s.audit(audit.Entry{Action: audit.ActionDisconnect, ProviderID: id, DurationMs: s.since(start)}, err)
	return err
}

func (s *Service) SetProviderEnabled(ctx context.Context, id string, enabled bool) (*domain.ProviderInstance, error) {
	inst, err := s.registry.SetEnabled(ctx, id, enabled)
	action := audit.ActionEnable
	if !enabled {
		action = audit.ActionDisable
	}
	s.audit(audit.Entry{Action: action, ProviderID: id}, err)
	return inst, err
}

func (s *Service) UpdateProviderMetadata(ctx context.Context, id string, md map[string]string) (*domain.ProviderInstance, error) {
	inst, err := s.registry.UpdateMetadata(ctx, id, md)
	s.audit(audit.Entry{Action: audit.ActionMetadata, ProviderID: id}, err)
	return inst, err
}

func (s *Service) GetProvider(ctx context.Context, id string) (*domain.ProviderInstance, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) ListProviders(ctx context.Context, workspaceID string) ([]*domain.ProviderInstance, error) {
	return s.registry.List(ctx, workspaceID)
}

func (s *Service) ProviderHealth(ctx context.Context, workspaceID string) ([]provider.Health, error) {
	return s.registry.Health(ctx, workspaceID)
}

func (s *Service) CreateRule(ctx context.Context, workspaceID string, in rules.NewRule) (domain.Rule, error) {
	r, err := s.rules.Create(ctx, workspaceID, in)
	s.audit(audit.Entry{Action: audit.ActionRuleCreate, Workspace: workspaceID, RuleID: r.ID, ProviderID: in.TargetProviderID}, err)
	return r, err
}

func (s *Service) UpdateRule(ctx context.Context, id string, patch rules.RulePatch) (domain.Rule, error) {
	r, err := s.rules.Update(ctx, id, patch)
	s.audit(audit.Entry{Action: audit.ActionRuleUpdate, Workspace: r.WorkspaceID, RuleID: id}, err)
	return r, err
}

func (s *Service) ListRules(ctx context.Context, workspaceID string) ([]domain.Rule, error) {
	return s.rules.List(ctx, workspaceID)
}

func (s *Service) ReorderRules(ctx context.Context, workspaceID string, ids []string) ([]domain.Rule, error) {
	rs, err := s.rules.Reorder(ctx, workspaceID, ids)
	s.audit(audit.Entry{Action: audit.ActionRuleReorder, Workspace: workspaceID}, err)
	return rs, err
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	err := s.rules.Delete(ctx, id)
	s.audit(audit.Entry{Action: audit.ActionRuleDelete, RuleID: id}, err)
	return err
}

// SetDefaultPlacement sets where files go when no rule matches. An empty
// providerID clears the default.
func (s *Service) SetDefaultPlacement(ctx context.Context, workspaceID, providerID, folderPath string) error {
	err := s.setDefault(ctx, workspaceID, providerID, folderPath)
	s.audit(audit.Entry{Action: audit.ActionDefaultSet, Workspace: workspaceID, ProviderID: providerID}, err)
	return err
}

func (s *Service) setDefault(ctx context.Context, workspaceID, providerID, folderPath string) error {
	if providerID != "" {
		if err := TargetValidator(s.registry)(ctx, workspaceID, providerID); err != nil {
			return fmt.Errorf("service: default placement: %w", err)
		}
		if _, err := provider.SplitFolderPath(folderPath); err != nil {
			return fmt.Errorf("service: default placement: %w: %w", domain.ErrInvalidRule, err)
		}
	}
	return s.defaults.SetDefaultPlacement(ctx, workspaceID, providerID, folderPath)
}

func (s *Service) DefaultPlacement(ctx context.Context, workspaceID string) (*domain.PlacementDecision, error) {
	return s.defaults.DefaultPlacement(ctx, workspaceID)
}

// RouteOptions tunes RouteUpload.
type RouteOptions struct {
	// Retries is how many more times a transfer that failed with a
	// retryable kind is attempted. Zero means no retry.
	Retries int
	// Backoff is the pause before the first retry; it doubles each time.
	Backoff     time.Duration
	TriggeredBy string
}

// RouteUpload evaluates the workspace's rules for up and transfers it. On
// failure the error is a *router.FailedError.
func (s *Service) RouteUpload(ctx context.Context, workspaceID string, up router.Upload, opts RouteOptions) (domain.Placement, error) {
	start := s.opts.Now()
	job := s.router.Begin(workspaceID, up)

	var (
		p   domain.Placement
		err error
	)
	backoff := opts.Backoff
attempts:
	for attempt := 0; ; attempt++ {
		p, err = job.Run(ctx)
		if err == nil {
			break
		}
		var fe *router.FailedError
		if !errors.As(err, &fe) || !domain.Retryable(fe.Kind) || attempt >= opts.Retries {
			break
		}
		log.Warn().Err(err).Str("workspace_id", workspaceID).Int("attempt", attempt+1).Msg("service: retrying upload")
		if backoff > 0 {
			select {
			case <-ctx.Done():
				err = &router.FailedError{LastState: fe.LastState, Kind: domain.KindOf(ctx.Err()), Err: ctx.Err()}
				break attempts
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	e := audit.Entry{
		Action:      audit.ActionUpload,
		Workspace:   workspaceID,
		File:        up.File.Name,
		Bytes:       up.File.Size,
		DurationMs:  s.since(start),
		TriggeredBy: opts.TriggeredBy,
	}
	if err == nil {
		e.ProviderID, e.ProviderType, e.RuleID, e.RemotePath = p.ProviderID, string(p.ProviderType), p.RuleID, p.RemotePath
	} else if d := job.Decision(); d != nil {
		e.ProviderID, e.RuleID = d.ProviderID, d.RuleID
	}
	s.audit(e, err)
	return p, err
}

func (s *Service) since(t time.Time) int64 {
	return s.opts.Now().Sub(t).Milliseconds()
}

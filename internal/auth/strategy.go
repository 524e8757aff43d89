// Package auth implements the closed set of authentication strategies used to
// connect storage providers: OAuth2, API key, basic credentials and none.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// Strategy validates a credential against its upstream and identifies the
// account behind it.
type Strategy interface {
	Family() domain.AuthFamily
	ValidateCredentials(ctx context.Context, cred domain.Credential, settings map[string]string) (bool, error)
	GetUserInfo(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error)
}

// OAuthStrategy adds the authorization-code grant to Strategy.
type OAuthStrategy interface {
	Strategy
	AuthURL(redirectURI, state string) string
	Exchange(ctx context.Context, code, redirectURI string) (domain.OAuthToken, error)
	Refresh(ctx context.Context, refreshToken string) (domain.OAuthToken, error)
	Revoke(ctx context.Context, token domain.OAuthToken) error
}

// Probe performs a provider-specific "who am I" call. It returns an error
// wrapping domain.ErrInvalidCredentials when the upstream rejects the
// credential.
type Probe func(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error)

// probing carries the Probe-backed half of Strategy shared by every family.
type probing struct {
	family domain.AuthFamily
	probe  Probe
}

func (p probing) Family() domain.AuthFamily { return p.family }

func (p probing) ValidateCredentials(ctx context.Context, cred domain.Credential, settings map[string]string) (bool, error) {
	if _, err := p.GetUserInfo(ctx, cred, settings); err != nil {
		if errors.Is(err, domain.ErrUpstreamTimeout) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p probing) GetUserInfo(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error) {
	if cred.Family != p.family {
		return domain.UserInfo{}, fmt.Errorf("auth: %s strategy got %s credential: %w", p.family, cred.Family, domain.ErrInvalidCredentials)
	}
	if err := cred.Validate(); err != nil {
		return domain.UserInfo{}, err
	}
	if p.probe == nil {
		return domain.UserInfo{}, nil
	}
	info, err := p.probe(ctx, cred, settings)
	if err != nil {
		if domain.IsTimeout(err) {
			return domain.UserInfo{}, fmt.Errorf("auth: probe: %w: %w", domain.ErrUpstreamTimeout, err)
		}
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return domain.UserInfo{}, err
		}
		return domain.UserInfo{}, fmt.Errorf("auth: probe: %w: %w", domain.ErrInvalidCredentials, err)
	}
	return info, nil
}

// NewAPIKey returns the API-key strategy.
func NewAPIKey(probe Probe) Strategy {
	return probing{family: domain.AuthAPIKey, probe: probe}
}

// NewBasic returns the username/password strategy.
func NewBasic(probe Probe) Strategy {
	return probing{family: domain.AuthBasic, probe: probe}
}

// NewNone returns the strategy for providers that need no credential. probe
// may be nil.
func NewNone(probe Probe) Strategy {
	return probing{family: domain.AuthNone, probe: probe}
}

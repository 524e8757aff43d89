package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// Revoker invalidates a token upstream.
type Revoker func(ctx context.Context, client *http.Client, tok domain.OAuthToken) error

// OAuthConfig describes one OAuth2 provider registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
	// AuthParams are extra authorization URL parameters, e.g. Dropbox's
	// token_access_type=offline.
	AuthParams map[string]string
	Revoke     Revoker
	HTTPClient *http.Client
}

// OAuth is the authorization-code strategy backed by golang.org/x/oauth2.
type OAuth struct {
	probing
	cfg        oauth2.Config
	params     map[string]string
	revoke     Revoker
	httpClient *http.Client
}

var _ OAuthStrategy = (*OAuth)(nil)

func NewOAuth(c OAuthConfig, probe Probe) *OAuth {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth{
		probing: probing{family: domain.AuthOAuth2, probe: probe},
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     c.Endpoint,
			Scopes:       c.Scopes,
		},
		params:     c.AuthParams,
		revoke:     c.Revoke,
		httpClient: client,
	}
}

// AuthURL builds the consent URL. It always requests offline access and
// forces the consent screen so the upstream issues a refresh token.
func (o *OAuth) AuthURL(redirectURI, state string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	}
	for k, v := range o.params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return o.cfg.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token.
func (o *OAuth) Exchange(ctx context.Context, code, redirectURI string) (domain.OAuthToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return domain.OAuthToken{}, classifyTokenError("exchange", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh obtains a new access token. When the upstream omits a refresh token
// in its response the previous one is kept.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (domain.OAuthToken, error) {
	if refreshToken == "" {
		return domain.OAuthToken{}, fmt.Errorf("auth: refresh: no refresh token: %w", domain.ErrAuthorizationDenied)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return domain.OAuthToken{}, classifyTokenError("refresh", err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// Revoke invalidates tok upstream. It is a no-op when the provider has no
// revocation endpoint.
func (o *OAuth) Revoke(ctx context.Context, tok domain.OAuthToken) error {
	if o.revoke == nil {
		return nil
	}
	if err := o.revoke(ctx, o.httpClient, tok); err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	return nil
}

// FormRevoker posts token=<refresh or access token> to endpoint, the RFC 7009
// shape Google uses.
func FormRevoker(endpoint string) Revoker {
	return func(ctx context.Context, client *http.Client, tok domain.OAuthToken) error {
		token := tok.RefreshToken
		if token == "" {
			token = tok.AccessToken
		}
		form := url.Values{"token": {token}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}

func fromOAuth2(tok *oauth2.Token) domain.OAuthToken {
	return domain.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.UTC(),
	}
}

// classifyTokenError maps token endpoint failures onto the error taxonomy.
func classifyTokenError(op string, err error) error {
	if domain.IsTimeout(err) {
		return fmt.Errorf("auth: %s: %w: %w", op, domain.ErrUpstreamTimeout, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "access_denied", "invalid_client", "unauthorized_client":
			return fmt.Errorf("auth: %s: %s: %w", op, re.ErrorCode, domain.ErrAuthorizationDenied)
		}
		if re.Response != nil {
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("auth: %s: status %d: %w", op, re.Response.StatusCode, domain.ErrAuthorizationDenied)
			}
		}
	}
	return fmt.Errorf("auth: %s: %w: %w", op, domain.ErrTokenExchangeFailed, err)
}

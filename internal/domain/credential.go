package domain

import (
	"fmt"
	"time"
)

// OAuthToken is the secret bundle of the OAuth2 family.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// APIKey is the secret bundle of the API-key family. Secret is optional
// (S3 secret access key); bot tokens only use Key.
type APIKey struct {
	Key    string `json:"key"`
	Secret string `json:"secret,omitempty"`
}

// BasicAuth is the secret bundle of the basic-credentials family.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credential is a tagged union keyed by Family. Exactly one of the
// pointer fields matching Family is set; AuthNone carries nothing.
type Credential struct {
	Family AuthFamily  `json:"family"`
	OAuth  *OAuthToken `json:"oauth,omitempty"`
	APIKey *APIKey     `json:"api_key,omitempty"`
	Basic  *BasicAuth  `json:"basic,omitempty"`
}

// OAuthCredential wraps a token as a credential.
func OAuthCredential(tok OAuthToken) Credential {
	return Credential{Family: AuthOAuth2, OAuth: &tok}
}

// APIKeyCredential wraps a key (and optional secret) as a credential.
func APIKeyCredential(key, secret string) Credential {
	return Credential{Family: AuthAPIKey, APIKey: &APIKey{Key: key, Secret: secret}}
}

// BasicCredential wraps a username/password pair as a credential.
func BasicCredential(user, pass string) Credential {
	return Credential{Family: AuthBasic, Basic: &BasicAuth{Username: user, Password: pass}}
}

// Validate checks that the payload matching Family is present.
func (c Credential) Validate() error {
	switch c.Family {
	case AuthOAuth2:
		if c.OAuth == nil || c.OAuth.AccessToken == "" {
			return fmt.Errorf("%w: oauth2 credential missing access token", ErrInvalidCredentials)
		}
	case AuthAPIKey:
		if c.APIKey == nil || c.APIKey.Key == "" {
			return fmt.Errorf("%w: api key missing", ErrInvalidCredentials)
		}
	case AuthBasic:
		if c.Basic == nil || c.Basic.Username == "" {
			return fmt.Errorf("%w: username missing", ErrInvalidCredentials)
		}
	case AuthNone:
	default:
		return fmt.Errorf("%w: unknown auth family %q", ErrInvalidCredentials, c.Family)
	}
	return nil
}

// ExpiresAt returns the OAuth expiry, or the zero time for families that do
// not expire.
func (c Credential) ExpiresAt() time.Time {
	if c.OAuth == nil {
		return time.Time{}
	}
	return c.OAuth.Expiry
}

// ExpiresWithin reports whether the credential expires before now+margin.
// A zero expiry never expires.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	exp := c.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !exp.After(now.Add(margin))
}

// String never prints secret material.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{family=%s, [REDACTED]}", c.Family)
}

// GoString keeps %#v from leaking secrets too.
func (c Credential) GoString() string { return c.String() }

package domain

import (
	"context"
	"errors"
	"net"
)

// Kind classifies an error for callers that decide whether to retry or to
// prompt for re-authorization.
type Kind string

const (
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	KindTokenExchangeFailed Kind = "TokenExchangeFailed"
	KindCredentialExpired   Kind = "CredentialExpired"
	KindCredentialNotFound  Kind = "CredentialNotFound"
	KindDecryptionFailed    Kind = "DecryptionFailed"
	KindInvalidCredentials  Kind = "InvalidCredentials"
	KindUnknownProviderType Kind = "UnknownProviderType"
	KindProviderDisabled    Kind = "ProviderDisabled"
	KindInvalidRule         Kind = "InvalidRule"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindTransferFailed      Kind = "TransferFailed"
	KindNotFound            Kind = "NotFound"
	KindNoPlacement         Kind = "NoPlacement"
	KindInternal            Kind = "Internal"
)

// Sentinel errors, one per Kind. Use errors.Is(err, domain.ErrNotFound).
var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrCredentialExpired   = errors.New("credential expired")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnknownProviderType = errors.New("unknown provider type")
	ErrProviderDisabled    = errors.New("provider disabled")
	ErrInvalidRule         = errors.New("invalid rule")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrNotFound            = errors.New("not found")
	ErrNoPlacement         = errors.New("no placement available")
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	// CredentialExpired wraps refresh failures, which may themselves carry
	// TokenExchangeFailed or UpstreamTimeout, so it is checked first.
	{ErrCredentialExpired, KindCredentialExpired},
	{ErrAuthorizationDenied, KindAuthorizationDenied},
	{ErrTokenExchangeFailed, KindTokenExchangeFailed},
	{ErrCredentialNotFound, KindCredentialNotFound},
	{ErrDecryptionFailed, KindDecryptionFailed},
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrUnknownProviderType, KindUnknownProviderType},
	{ErrProviderDisabled, KindProviderDisabled},
	{ErrInvalidRule, KindInvalidRule},
	{ErrUpstreamTimeout, KindUpstreamTimeout},
	{context.DeadlineExceeded, KindUpstreamTimeout},
	{ErrTransferFailed, KindTransferFailed},
	{ErrNotFound, KindNotFound},
	{ErrNoPlacement, KindNoPlacement},
}

// KindOf classifies err. Nil yields "", unrecognized errors yield KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	if IsTimeout(err) {
		return KindUpstreamTimeout
	}
	return KindInternal
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Retryable reports whether a caller may retry the transfer step without
// repeating credential resolution.
func Retryable(k Kind) bool {
	return k == KindUpstreamTimeout || k == KindTransferFailed
}

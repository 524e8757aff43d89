// Package keyref resolves secret references used in configuration: literal
// values, environment variables and 1Password op:// URIs.
package keyref

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	opScheme  = "op://"
	envScheme = "env:"
)

// SecretRef is a parsed op:// URI.
type SecretRef struct {
	Vault string
	Item  string
	Field string
	Raw   string
}

// IsOpURI returns true if the value starts with op://.
func IsOpURI(value string) bool {
	return strings.HasPrefix(value, opScheme)
}

// ParseOpURI parses op://vault/item/field.
func ParseOpURI(uri string) (*SecretRef, error) {
	if !IsOpURI(uri) {
		return nil, fmt.Errorf("keyref: not an op:// URI: %q", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, opScheme), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("keyref: invalid op:// URI %q: expected op://vault/item/field", uri)
	}
	return &SecretRef{Vault: parts[0], Item: parts[1], Field: parts[2], Raw: uri}, nil
}

// SecretResolver looks up an op:// reference.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolve turns a configured value into a secret.
//
//	op://vault/item/field  resolved through sr
//	env:NAME               read from the environment
//	anything else          returned unchanged
func Resolve(ctx context.Context, value string, sr SecretResolver) (string, error) {
	switch {
	case IsOpURI(value):
		ref, err := ParseOpURI(value)
		if err != nil {
			return "", err
		}
		if sr == nil {
			return "", fmt.Errorf("keyref: %s: no 1Password service account configured", ref.Raw)
		}
		v, err := sr.Resolve(ctx, ref.Raw)
		if err != nil {
			return "", fmt.Errorf("keyref: resolve %s/%s: %w", ref.Vault, ref.Item, err)
		}
		return v, nil
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("keyref: environment variable %s is not set", name)
		}
		return v, nil
	default:
		return value, nil
	}
}

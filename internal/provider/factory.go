package provider

import (
	"fmt"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
)

// Descriptor ties a provider type to its auth strategy and adapter
// constructor. Each adapter package exports one.
type Descriptor struct {
	Type     domain.ProviderType
	Strategy auth.Strategy
	// New builds an adapter bound to one credential snapshot. It must not
	// perform network calls.
	New func(inst *domain.ProviderInstance, cred domain.Credential) (Adapter, error)
}

// OAuth returns the descriptor's strategy as an OAuthStrategy, if it is one.
func (d Descriptor) OAuth() (auth.OAuthStrategy, bool) {
	s, ok := d.Strategy.(auth.OAuthStrategy)
	return s, ok
}

type descriptors map[domain.ProviderType]Descriptor

func newDescriptors(ds []Descriptor) (descriptors, error) {
	out := make(descriptors, len(ds))
	for _, d := range ds {
		if _, err := domain.ParseProviderType(string(d.Type)); err != nil {
			return nil, fmt.Errorf("provider: descriptor: %w", err)
		}
		if d.Strategy == nil || d.New == nil {
			return nil, fmt.Errorf("provider: descriptor %s: strategy and constructor are required", d.Type)
		}
		if _, dup := out[d.Type]; dup {
			return nil, fmt.Errorf("provider: descriptor %s registered twice", d.Type)
		}
		out[d.Type] = d
	}
	return out, nil
}

func (ds descriptors) lookup(t domain.ProviderType) (Descriptor, error) {
	d, ok := ds[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("provider: %q: %w", t, domain.ErrUnknownProviderType)
	}
	return d, nil
}

package provider

import "github.com/elabx-org/cloudmux/internal/domain"

var capabilityTable = map[domain.ProviderType][]domain.Capability{
	domain.ProviderGoogleDrive: {domain.CapOAuth, domain.CapRootFolder, domain.CapMetadata},
	domain.ProviderDropbox:     {domain.CapOAuth, domain.CapRootFolder},
	domain.ProviderS3:          {domain.CapMetadata},
	domain.ProviderTelegram:    nil,
	domain.ProviderWebDAV:      {domain.CapRootFolder},
	domain.ProviderLocal:       {domain.CapRootFolder},
}

// CapabilitiesOf returns the static capability set of a provider type. Unknown
// types have none.
func CapabilitiesOf(t domain.ProviderType) domain.CapabilitySet {
	return domain.NewCapabilitySet(capabilityTable[t]...)
}

// Has reports whether inst currently offers c. Disabled instances offer
// nothing.
func Has(inst *domain.ProviderInstance, c domain.Capability) bool {
	if inst == nil || !inst.Enabled {
		return false
	}
	return CapabilitiesOf(inst.Type).Has(c)
}

func withCapabilities(inst *domain.ProviderInstance) *domain.ProviderInstance {
	inst.Capabilities = CapabilitiesOf(inst.Type)
	return inst
}

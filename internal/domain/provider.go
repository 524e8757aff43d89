// Package domain holds the provider, credential and rule model shared by the
// vault, registry, rule engine and upload router, plus the error taxonomy.
package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ProviderType identifies a storage backend. It is chosen at connection time
// and never changes for an instance.
type ProviderType string

const (
	ProviderGoogleDrive ProviderType = "google_drive"
	ProviderDropbox     ProviderType = "dropbox"
	ProviderTelegram    ProviderType = "telegram"
	ProviderS3          ProviderType = "s3"
	ProviderWebDAV      ProviderType = "webdav"
	ProviderLocal       ProviderType = "local"
)

// ParseProviderType validates a provider type string.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(s); t {
	case ProviderGoogleDrive, ProviderDropbox, ProviderTelegram, ProviderS3, ProviderWebDAV, ProviderLocal:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProviderType, s)
	}
}

// AuthFamily is the authentication protocol a provider type uses.
type AuthFamily string

const (
	AuthOAuth2 AuthFamily = "oauth2"
	AuthAPIKey AuthFamily = "api_key"
	AuthBasic  AuthFamily = "basic"
	AuthNone   AuthFamily = "none"
)

// Capability names an optional adapter operation.
type Capability string

const (
	CapRootFolder Capability = "root_folder"
	CapMetadata   Capability = "metadata"
	CapOAuth      Capability = "oauth"
)

// CapabilitySet is an unordered set of capability tags.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given tags.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c. A nil set contains nothing.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// MarshalJSON encodes the set as a sorted list.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON decodes a list of tags.
func (s *CapabilitySet) UnmarshalJSON(b []byte) error {
	var caps []Capability
	if err := json.Unmarshal(b, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// List returns the tags sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProviderInstance is a connected storage account owned by a workspace.
// Credentials are never stored here; the vault keys them by ID.
type ProviderInstance struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	Type        ProviderType `json:"type"`
	Alias       string       `json:"alias"`
	Enabled     bool         `json:"enabled"`

	// Capabilities is filled in by the capability resolver on read and is
	// never persisted.
	Capabilities CapabilitySet `json:"capabilities"`

	// Settings are non-secret connection parameters (bucket, endpoint, chat id).
	Settings map[string]string `json:"settings,omitempty"`
	// Metadata is applied to metadata-capable adapters on every resolve.
	Metadata map[string]string `json:"metadata,omitempty"`

	RootFolderID string    `json:"root_folder_id,omitempty"`
	AccountEmail string    `json:"account_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Setting returns a settings value or "" if unset.
func (p *ProviderInstance) Setting(key string) string {
	if p.Settings == nil {
		return ""
	}
	return p.Settings[key]
}

// UserInfo is the upstream account identity returned by an auth probe.
type UserInfo struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// FolderRef points at a remote folder.
type FolderRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// FileInfo describes an incoming file for rule evaluation and transfer.
type FileInfo struct {
	Name         string
	MimeType     string
	Size         int64
	SourceFolder string
}

// RemoteObject is what an adapter reports after a successful transfer.
type RemoteObject struct {
	ID   string
	Path string
	Size int64
	Hash string
}

// Placement is the final result of routing one upload.
type Placement struct {
	ProviderID   string       `json:"provider_id"`
	ProviderType ProviderType `json:"provider_type"`
	RuleID       string       `json:"rule_id,omitempty"`
	RemoteID     string       `json:"remote_id"`
	RemotePath   string       `json:"remote_path"`
	Size         int64        `json:"size"`
	Hash         string       `json:"hash,omitempty"`
}

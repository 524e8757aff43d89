// Package provider connects storage accounts, resolves them into adapters
// bound to fresh credentials, and reports what each provider type supports.
package provider

import (
	"context"
	"io"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// UploadTarget tells an adapter where to place a file. RootFolderID is empty
// for providers without the root_folder capability.
type UploadTarget struct {
	RootFolderID string
	FolderPath   string
}

// Adapter performs operations against one provider account using a single
// credential snapshot. Adapters are built per resolution and never shared.
type Adapter interface {
	// Type returns the provider type this adapter talks to.
	Type() domain.ProviderType
	// Upload transfers size bytes from r into target. r may be read more than
	// once if the upload is retried.
	Upload(ctx context.Context, target UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error)
	// Healthy checks if the provider is reachable. Returns (ok, latencyMs, error).
	Healthy(ctx context.Context) (bool, int64, error)
}

// RootFolderCapable adapters keep uploads under an application folder.
// EnsureRootFolder looks the folder up before creating it.
type RootFolderCapable interface {
	EnsureRootFolder(ctx context.Context, name string) (domain.FolderRef, error)
}

// MetadataCapable adapters attach instance metadata to uploaded objects.
type MetadataCapable interface {
	SetMetadata(md map[string]string)
}

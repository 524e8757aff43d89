// Package gdrive stores uploads in Google Drive under an application folder.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	revokeURL      = "https://oauth2.googleapis.com/revoke"

	// appProperty marks folders this service created.
	appProperty = "cloudmux"
)

// Config is the Google OAuth client registration. Endpoint, APIURL and
// RevokeURL override the public endpoints for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Endpoint     oauth2.Endpoint
	APIURL       string
	RevokeURL    string
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if c.Endpoint.TokenURL == "" {
		c.Endpoint = google.Endpoint
	}
	if c.RevokeURL == "" {
		c.RevokeURL = revokeURL
	}
}

// Descriptor registers the Google Drive provider. It requests the
// drive.file scope, so only files created by this application are visible.
func Descriptor(cfg Config) provider.Descriptor {
	cfg.defaults()
	strategy := auth.NewOAuth(auth.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     cfg.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		Revoke:       auth.FormRevoker(cfg.RevokeURL),
		HTTPClient:   cfg.HTTPClient,
	}, func(ctx context.Context, cred domain.Credential, _ map[string]string) (domain.UserInfo, error) {
		a, err := newAdapter(ctx, cfg, cred.OAuth.AccessToken)
		if err != nil {
			return domain.UserInfo{}, err
		}
		about, err := a.svc.About.Get().Fields("user").Context(ctx).Do()
		if err != nil {
			return domain.UserInfo{}, classify("about", err)
		}
		if about.User == nil {
			return domain.UserInfo{}, nil
		}
		return domain.UserInfo{ID: about.User.PermissionId, Name: about.User.DisplayName, Email: about.User.EmailAddress}, nil
	})
	return provider.Descriptor{
		Type:     domain.ProviderGoogleDrive,
		Strategy: strategy,
		New: func(_ *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			if cred.OAuth == nil {
				return nil, fmt.Errorf("gdrive: oauth credential required")
			}
			return newAdapter(context.Background(), cfg, cred.OAuth.AccessToken)
		},
	}
}

// Adapter wraps a Drive service bound to one access token.
type Adapter struct {
	svc      *drive.Service
	metadata map[string]string
}

var (
	_ provider.Adapter           = (*Adapter)(nil)
	_ provider.RootFolderCapable = (*Adapter)(nil)
	_ provider.MetadataCapable   = (*Adapter)(nil)
)

func newAdapter(ctx context.Context, cfg Config, token string) (*Adapter, error) {
	base := context.WithValue(context.Background(), oauth2.HTTPClient, cfg.HTTPClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.APIURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.APIURL))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: new service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderGoogleDrive }

// SetMetadata sets appProperties attached to every uploaded file.
func (a *Adapter) SetMetadata(md map[string]string) {
	a.metadata = maps.Clone(md)
}

// EnsureRootFolder finds the application folder in My Drive or creates it.
func (a *Adapter) EnsureRootFolder(ctx context.Context, name string) (domain.FolderRef, error) {
	id, err := a.getOrCreateFolder(ctx, name, "root")
	if err != nil {
		return domain.FolderRef{}, err
	}
	return domain.FolderRef{ID: id, Path: "/" + name}, nil
}

func (a *Adapter) getOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), folderMimeType, escapeQuery(parentID))
	list, err := a.svc.Files.List().Q(q).Spaces("drive").Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", classify("list folders", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	f, err := a.svc.Files.Create(&drive.File{
		Name:          name,
		MimeType:      folderMimeType,
		Parents:       []string{parentID},
		AppProperties: map[string]string{appProperty: "true"},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify("create folder", err)
	}
	return f.Id, nil
}

func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	segs, err := provider.SplitFolderPath(target.FolderPath)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	parent := target.RootFolderID
	if parent == "" {
		parent = "root"
	}
	for _, seg := range segs {
		if parent, err = a.getOrCreateFolder(ctx, seg, parent); err != nil {
			return domain.RemoteObject{}, err
		}
	}

	meta := &drive.File{Name: file.Name, Parents: []string{parent}}
	if len(a.metadata) > 0 {
		meta.AppProperties = a.metadata
	}
	mediaOpts := []googleapi.MediaOption{}
	if file.MimeType != "" {
		meta.MimeType = file.MimeType
		mediaOpts = append(mediaOpts, googleapi.ContentType(file.MimeType))
	}
	f, err := a.svc.Files.Create(meta).
		Media(io.NewSectionReader(r, 0, file.Size), mediaOpts...).
		Fields("id, name, size, md5Checksum").
		Context(ctx).
		Do()
	if err != nil {
		return domain.RemoteObject{}, classify("upload", err)
	}

	size := f.Size
	if size == 0 {
		size = file.Size
	}
	return domain.RemoteObject{
		ID:   f.Id,
		Path: provider.JoinRemote(segs, file.Name),
		Size: size,
		Hash: f.Md5Checksum,
	}, nil
}

func (a *Adapter) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	_, err := a.svc.About.Get().Fields("user").Context(ctx).Do()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, classify("about", err)
	}
	return true, latency, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// classify maps Drive API errors onto the error taxonomy.
func classify(op string, err error) error {
	if domain.IsTimeout(err) {
		return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrUpstreamTimeout, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrCredentialExpired, err)
		case http.StatusForbidden:
			return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrInvalidCredentials, err)
		case http.StatusNotFound:
			return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrNotFound, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrUpstreamTimeout, err)
		}
	}
	return fmt.Errorf("gdrive: %s: %w: %w", op, domain.ErrTransferFailed, err)
}

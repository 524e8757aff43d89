// Package local stores uploads on a directory of the server's filesystem.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

// SettingRoot is the instance setting naming the base directory.
const SettingRoot = "root"

// Descriptor registers the local disk provider.
func Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Type:     domain.ProviderLocal,
		Strategy: auth.NewNone(probe),
		New: func(inst *domain.ProviderInstance, _ domain.Credential) (provider.Adapter, error) {
			return New(inst.Setting(SettingRoot))
		},
	}
}

func probe(_ context.Context, _ domain.Credential, settings map[string]string) (domain.UserInfo, error) {
	root := settings[SettingRoot]
	if root == "" {
		return domain.UserInfo{}, fmt.Errorf("local: %q setting is required: %w", SettingRoot, domain.ErrInvalidCredentials)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return domain.UserInfo{}, fmt.Errorf("local: %w: %w", domain.ErrInvalidCredentials, err)
	}
	return domain.UserInfo{Name: root}, nil
}

// Adapter writes files under a root directory.
type Adapter struct {
	root string
}

var (
	_ provider.Adapter           = (*Adapter)(nil)
	_ provider.RootFolderCapable = (*Adapter)(nil)
)

func New(root string) (*Adapter, error) {
	if root == "" {
		return nil, fmt.Errorf("local: %q setting is required", SettingRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	return &Adapter{root: abs}, nil
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderLocal }

// EnsureRootFolder creates root/name if needed. The folder id is the name.
func (a *Adapter) EnsureRootFolder(_ context.Context, name string) (domain.FolderRef, error) {
	segs, err := provider.SplitFolderPath(name)
	if err != nil {
		return domain.FolderRef{}, err
	}
	rel := filepath.Join(segs...)
	if err := os.MkdirAll(filepath.Join(a.root, rel), 0o750); err != nil {
		return domain.FolderRef{}, fmt.Errorf("local: create root folder: %w", err)
	}
	return domain.FolderRef{ID: filepath.ToSlash(rel), Path: "/" + filepath.ToSlash(rel)}, nil
}

// Upload writes the file atomically: it is streamed to a temp file in the
// destination directory, then renamed into place under a free name.
func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	segs, err := provider.SplitFolderPath(target.RootFolderID + "/" + target.FolderPath)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	name := filepath.Base(filepath.Clean("/" + file.Name))
	if name == "/" || name == "." {
		return domain.RemoteObject{}, fmt.Errorf("local: invalid file name %q: %w", file.Name, domain.ErrTransferFailed)
	}

	dir := filepath.Join(append([]string{a.root}, segs...)...)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.RemoteObject{}, fmt.Errorf("local: mkdir: %w: %w", domain.ErrTransferFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return domain.RemoteObject{}, fmt.Errorf("local: %w: %w", domain.ErrTransferFailed, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: io.NewSectionReader(r, 0, file.Size)})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return domain.RemoteObject{}, fmt.Errorf("local: write: %w: %w", domain.ErrTransferFailed, err)
	}

	final, err := freeName(dir, name)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return domain.RemoteObject{}, fmt.Errorf("local: rename: %w: %w", domain.ErrTransferFailed, err)
	}

	rel, _ := filepath.Rel(a.root, final)
	rel = filepath.ToSlash(rel)
	return domain.RemoteObject{ID: rel, Path: "/" + rel, Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// freeName returns dir/name, or dir/name-N.ext if that already exists.
func freeName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		p := filepath.Join(dir, candidate)
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		}
	}
	return "", fmt.Errorf("local: no free name for %s: %w", name, domain.ErrTransferFailed)
}

func (a *Adapter) Healthy(_ context.Context) (bool, int64, error) {
	start := time.Now()
	info, err := os.Stat(a.root)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	if !info.IsDir() {
		return false, latency, fmt.Errorf("not a directory: %s", a.root)
	}
	return true, latency, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

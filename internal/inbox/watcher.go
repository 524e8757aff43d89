// Package inbox uploads files dropped into a local directory. Each file is
// routed once its size has stopped changing for the settle interval.
package inbox

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/router"
	"github.com/elabx-org/cloudmux/internal/service"
)

// Uploader routes one file. *service.Service satisfies it.
type Uploader interface {
	RouteUpload(ctx context.Context, workspaceID string, up router.Upload, opts service.RouteOptions) (domain.Placement, error)
}

type Options struct {
	Dir               string
	WorkspaceID       string
	RemoveAfterUpload bool
	// Settle is how long a file must stay unchanged before upload.
	Settle time.Duration
	Route  service.RouteOptions
}

type Watcher struct {
	up      Uploader
	opts    Options
	pending map[string]time.Time
}

func New(up Uploader, opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("inbox: directory is required")
	}
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("inbox: workspace is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	if opts.Route.TriggeredBy == "" {
		opts.Route.TriggeredBy = "inbox"
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	opts.Dir = abs
	return &Watcher{up: up, opts: opts, pending: map[string]time.Time{}}, nil
}

// Run watches the inbox until ctx is done. Files already present are queued
// on start.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o750); err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	defer fw.Close()

	if err := w.scan(fw, w.opts.Dir); err != nil {
		return err
	}
	log.Info().Str("dir", w.opts.Dir).Str("workspace", w.opts.WorkspaceID).Msg("inbox: watching")

	tick := time.NewTicker(max(w.opts.Settle/2, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("inbox: watcher error")
		case now := <-tick.C:
			w.flush(ctx, now)
		}
	}
}

// scan adds watches for dir and its subdirectories and queues their files.
func (w *Watcher) scan(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(p); err != nil {
				return fmt.Errorf("inbox: watch %s: %w", p, err)
			}
			return nil
		}
		if d.Type().IsRegular() {
			w.pending[p] = time.Now()
		}
		return nil
	})
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ignored(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.scan(fw, ev.Name); err != nil {
				log.Warn().Err(err).Str("path", ev.Name).Msg("inbox: watch new directory")
			}
			return
		}
		w.pending[ev.Name] = time.Now()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
	}
}

// flush uploads every pending file that has settled.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	for p, seen := range w.pending {
		if now.Sub(seen) < w.opts.Settle {
			continue
		}
		delete(w.pending, p)
		if err := w.upload(ctx, p); err != nil {
			log.Error().Err(err).Str("path", p).Msg("inbox: upload failed")
		}
	}
}

func (w *Watcher) upload(ctx context.Context, p string) error {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	rel, _ := filepath.Rel(w.opts.Dir, filepath.Dir(p))
	folder := filepath.ToSlash(rel)
	if folder == "." {
		folder = ""
	}
	file := domain.FileInfo{
		Name:         filepath.Base(p),
		MimeType:     detectMime(f, p),
		Size:         info.Size(),
		SourceFolder: folder,
	}

	placed, err := w.up.RouteUpload(ctx, w.opts.WorkspaceID, router.Upload{File: file, Body: f}, w.opts.Route)
	if err != nil {
		return err
	}
	log.Info().Str("path", p).Str("provider_id", placed.ProviderID).Str("remote_path", placed.RemotePath).Msg("inbox: uploaded")

	if w.opts.RemoveAfterUpload {
		f.Close()
		if err := os.Remove(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("inbox: remove uploaded file")
		}
	}
	return nil
}

// detectMime prefers the extension and falls back to sniffing the content.
func detectMime(f *os.File, p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	buf := make([]byte, 512)
	n, _ := f.ReadAt(buf, 0)
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	return mt
}

// ignored skips dotfiles and editor or transfer temporaries.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp")
}

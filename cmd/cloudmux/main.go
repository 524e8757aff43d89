package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/api"
	"github.com/elabx-org/cloudmux/internal/audit"
	"github.com/elabx-org/cloudmux/internal/config"
	"github.com/elabx-org/cloudmux/internal/inbox"
	"github.com/elabx-org/cloudmux/internal/keyref"
	"github.com/elabx-org/cloudmux/internal/provider"
	"github.com/elabx-org/cloudmux/internal/provider/dropbox"
	"github.com/elabx-org/cloudmux/internal/provider/gdrive"
	"github.com/elabx-org/cloudmux/internal/provider/local"
	"github.com/elabx-org/cloudmux/internal/provider/s3"
	"github.com/elabx-org/cloudmux/internal/provider/telegram"
	"github.com/elabx-org/cloudmux/internal/provider/webdav"
	"github.com/elabx-org/cloudmux/internal/rules"
	"github.com/elabx-org/cloudmux/internal/service"
	"github.com/elabx-org/cloudmux/internal/store"
	"github.com/elabx-org/cloudmux/internal/vault"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("CLOUDMUX_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o750); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Data.Dir).Msg("failed to create data dir")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Secrets in config may be op:// references.
	var secrets keyref.SecretResolver
	var onePassword *keyref.OnePassword
	if cfg.OnePassword.ServiceAccountToken != "" {
		op, err := keyref.NewOnePassword(ctx, cfg.OnePassword.ServiceAccountToken, version)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create 1password client")
		}
		secrets = op
		onePassword = op
		log.Info().Msg("1password service account initialized")
	}
	resolve := func(what, v string) string {
		out, err := keyref.Resolve(ctx, v, secrets)
		if err != nil {
			log.Fatal().Err(err).Str("setting", what).Msg("failed to resolve secret")
		}
		return out
	}

	var src vault.KeySource
	if cfg.Vault.Key != "" {
		key, err := vault.ParseKey(resolve("vault.key", cfg.Vault.Key))
		if err != nil {
			log.Fatal().Err(err).Msg("invalid vault key")
		}
		src.Key = key
	} else {
		src.Passphrase = resolve("vault.passphrase", cfg.Vault.Passphrase)
	}
	creds, err := vault.Open(cfg.Vault.Path, src)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Vault.Path).Msg("failed to open vault")
	}
	defer creds.Close()

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer db.Close()

	client := &http.Client{Timeout: time.Duration(cfg.Providers.RequestTimeoutSeconds) * time.Second}
	descs := []provider.Descriptor{
		local.Descriptor(),
		webdav.Descriptor(client),
		s3.Descriptor(client),
		telegram.Descriptor(client),
	}
	if c := cfg.OAuth.GoogleDrive; c.Configured() {
		descs = append(descs, gdrive.Descriptor(gdrive.Config{
			ClientID:     c.ClientID,
			ClientSecret: resolve("oauth.google_drive.client_secret", c.ClientSecret),
			HTTPClient:   client,
		}))
	}
	if c := cfg.OAuth.Dropbox; c.Configured() {
		descs = append(descs, dropbox.Descriptor(dropbox.Config{
			ClientID:     c.ClientID,
			ClientSecret: resolve("oauth.dropbox.client_secret", c.ClientSecret),
			HTTPClient:   client,
		}))
	}

	reg, err := provider.NewRegistry(db, creds, descs, provider.Options{
		RefreshMargin:      time.Duration(cfg.Auth.RefreshMarginSeconds) * time.Second,
		RootFolderName:     cfg.Providers.RootFolderName,
		BootstrapOnConnect: cfg.Providers.BootstrapOnConnect,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create provider registry")
	}
	engine := rules.NewEngine(db, rules.Options{ValidateTarget: service.TargetValidator(reg)})

	opts := service.Options{RedirectURL: cfg.OAuth.RedirectURL}
	var auditor *audit.Logger
	if cfg.Audit.Enabled && cfg.Audit.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o750); err != nil {
			log.Fatal().Err(err).Str("path", cfg.Audit.Path).Msg("failed to create audit dir")
		}
		auditor, err = audit.New(cfg.Audit.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Audit.Path).Msg("failed to initialize auditor")
		}
		defer auditor.Close()
		opts.Audit = auditor
		go pruneAudit(ctx, auditor, cfg.Audit.RetentionDays)
		log.Info().Str("path", cfg.Audit.Path).Msg("auditor initialized")
	}
	svc := service.New(reg, engine, db, opts)

	srv := api.NewServer(cfg, svc)
	if auditor != nil {
		srv.SetAuditor(auditor)
	}
	srv.AddHealthCheck("database", db)
	if onePassword != nil {
		srv.AddHealthCheck("1password", onePassword)
	}
	if cfg.APIToken == "" {
		log.Warn().Msg("CLOUDMUX_API_TOKEN not set, API is unauthenticated")
	}
	log.Info().Int("providers", len(descs)).Msg("provider types registered")

	if cfg.Inbox.Enabled {
		w, err := inbox.New(svc, inbox.Options{
			Dir:               cfg.Inbox.Path,
			WorkspaceID:       cfg.Inbox.WorkspaceID,
			RemoveAfterUpload: cfg.Inbox.RemoveAfterUpload,
			Route:             service.RouteOptions{Retries: cfg.Inbox.Retries, Backoff: 2 * time.Second},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure inbox")
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("inbox stopped")
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

// pruneAudit trims the audit log on start and daily after.
func pruneAudit(ctx context.Context, a *audit.Logger, days int) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		if err := a.Prune(days); err != nil {
			log.Warn().Err(err).Msg("audit prune failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/audit"
	"github.com/elabx-org/cloudmux/internal/config"
	"github.com/elabx-org/cloudmux/internal/metrics"
	"github.com/elabx-org/cloudmux/internal/service"
)

// maxFieldBytes caps each non-file multipart field of an upload.
const maxFieldBytes = 4 << 10

type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	svc     *service.Service
	auditor *audit.Logger
	checks  []namedCheck
}

func NewServer(cfg *config.Config, svc *service.Service) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
	}
	s.router = chi.NewRouter()
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.instrument)
	s.mountRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) SetAuditor(a *audit.Logger) {
	s.auditor = a
}

func (s *Server) mountRoutes() {
	// Public (no auth)
	s.router.Get("/v1/health", s.handleHealth)
	s.router.Get("/v1/oauth/callback", s.handleOAuthCallback)
	s.router.Handle("/metrics", metrics.Handler())

	// Protected routes (bearer token required when APIToken is set)
	s.router.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Use(s.requireService)

		r.Get("/v1/provider-types", s.handleProviderTypes)

		r.Route("/v1/workspaces/{ws}", func(r chi.Router) {
			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleConnectProvider)
			r.Get("/providers/health", s.handleProviderHealth)
			r.Post("/providers/oauth/{type}", s.handleBeginOAuth)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Put("/rules/order", s.handleReorderRules)

			r.Get("/default-placement", s.handleGetDefault)
			r.Put("/default-placement", s.handleSetDefault)

			r.Post("/uploads", s.handleUpload)
		})

		r.Get("/v1/providers/{id}", s.handleGetProvider)
		r.Patch("/v1/providers/{id}", s.handlePatchProvider)
		r.Delete("/v1/providers/{id}", s.handleDeleteProvider)

		r.Patch("/v1/rules/{id}", s.handlePatchRule)
		r.Delete("/v1/rules/{id}", s.handleDeleteRule)

		r.Get("/v1/audit", s.handleAudit)
	})
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("cloudmux listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// Package server wires the outer transport (VAU envelope, health) and the
// inner FHIR surface onto chi routers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/open-eprescription/erx-service/internal/config"
	"github.com/open-eprescription/erx-service/internal/qes"
	"github.com/open-eprescription/erx-service/internal/receipt"
	"github.com/open-eprescription/erx-service/internal/server/middleware"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/token"
	"github.com/open-eprescription/erx-service/internal/trust"
	"github.com/open-eprescription/erx-service/internal/vau"
)

type Server struct {
	config   *config.ServerEnvironment
	logger   *slog.Logger
	store    *store.Store
	trust    *trust.Store
	qes      *qes.Verifier
	receipts *receipt.Builder
	outer    *chi.Mux
}

// Deps are the collaborators the launcher constructs before the server.
type Deps struct {
	Store     *store.Store
	Trust     *trust.Store
	QES       *qes.Verifier
	Receipts  *receipt.Builder
	Decrypter *vau.Decrypter
	VAUCert   []byte
}

func NewServer(cfg *config.ServerEnvironment, deps Deps, logger *slog.Logger) *Server {
	server := &Server{
		config:   cfg,
		logger:   logger,
		store:    deps.Store,
		trust:    deps.Trust,
		qes:      deps.QES,
		receipts: deps.Receipts,
		outer:    chi.NewRouter(),
	}

	inner := server.innerRouter()

	vauHandler := vau.NewHandler(
		deps.Decrypter,
		inner,
		&token.Checker{Store: deps.Trust},
		deps.VAUCert,
		cfg.MaxBodyBytes,
		logger,
	)

	server.outer.Use(chimiddleware.RequestID)
	server.outer.Use(chimiddleware.RealIP)
	server.outer.Use(chimiddleware.Recoverer)
	server.outer.Use(chimiddleware.Timeout(60 * time.Second))
	server.outer.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))

	vauHandler.Register(server.outer)
	server.outer.Get("/Health", server.handleHealth)
	server.outer.Get("/OCSPList", server.handleOCSPList)

	if cfg.CompatPlaintext {
		logger.Warn("compatibility mode: serving inner routes in plaintext")
		server.outer.Mount("/", inner)
	}

	return server
}

// innerRouter is the plaintext FHIR surface the VAU handler dispatches into.
func (s *Server) innerRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequireUserAgent)
	r.Use(middleware.RequestSizeLimit(s.config.MaxBodyBytes))

	r.Get("/metadata", s.handleMetadata)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/Task/$create", s.handleTaskCreate)
		r.Post("/Task/{id}/$activate", s.handleTaskActivate)
		r.Post("/Task/{id}/$accept", s.handleTaskAccept)
		r.Post("/Task/{id}/$reject", s.handleTaskReject)
		r.Post("/Task/{id}/$close", s.handleTaskClose)
		r.Post("/Task/{id}/$abort", s.handleTaskAbort)
		r.Get("/Task", s.handleTaskList)
		r.Get("/Task/{id}", s.handleTaskGet)

		r.Post("/Communication", s.handleCommunicationCreate)
		r.Get("/Communication", s.handleCommunicationList)
		r.Get("/Communication/{id}", s.handleCommunicationGet)
		r.Delete("/Communication/{id}", s.handleCommunicationDelete)

		r.Get("/AuditEvent", s.handleAuditEventList)
		r.Get("/AuditEvent/{id}", s.handleAuditEventGet)

		r.Get("/MedicationDispense", s.handleDispenseList)
		r.Get("/MedicationDispense/{id}", s.handleDispenseGet)
	})

	return r
}

// Handler exposes the outer router (tests).
func (s *Server) Handler() http.Handler {
	return s.outer
}

func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.outer,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("service listening",
			slog.String("environment", s.config.Environment),
			slog.String("address", s.config.ListenAddr))

		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ServerShutdownTimeout)
	defer shutdownCancel()

	s.logger.Info("shutting down HTTP server")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

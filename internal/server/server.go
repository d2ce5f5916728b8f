// Package server provides the HTTP API for docqa.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/config"
	"github.com/finsight/docqa/internal/consistency"
	"github.com/finsight/docqa/internal/retrieval"
)

// Server is the HTTP server for the docqa API.
type Server struct {
	store     *retrieval.Store
	retriever *retrieval.Retriever
	checker   *consistency.Checker
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	store *retrieval.Store,
	retriever *retrieval.Retriever,
	checker *consistency.Checker,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		store:     store,
		retriever: retriever,
		checker:   checker,
		config:    cfg,
		logger:    logger,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/documents", s.handleAddDocuments)
	r.Post("/api/v1/search", s.handleSearch)
	r.Post("/api/v1/query", s.handleQuery)
	r.Get("/api/v1/stats", s.handleStats)
	r.Get("/api/v1/check-sync", s.handleCheckSync)
	r.Post("/api/v1/repair", s.handleRepair)
	r.Post("/api/v1/reset", s.handleReset)
	r.Post("/api/v1/migrate-index", s.handleMigrateIndex)
	r.Get("/api/v1/queries/recent", s.handleRecentQueries)
	r.Get("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

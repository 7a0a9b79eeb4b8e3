// Package gateway is the webhook dispatcher: it authenticates inbound
// requests, validates their bodies, enforces per-endpoint deadlines, and
// fans out to the assembler, the search service and the extraction queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/recall/internal/assembler"
	"github.com/haasonsaas/recall/internal/config"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/payloads"
	"github.com/haasonsaas/recall/internal/registry"
	"github.com/haasonsaas/recall/internal/scheduler"
	"github.com/haasonsaas/recall/internal/search"
	"github.com/haasonsaas/recall/internal/signature"
)

// Server hosts the three webhook endpoints plus /metrics and /healthz.
type Server struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	verifier *signature.Verifier

	assembler *assembler.Assembler
	search    *search.Service
	jobs      *scheduler.Scheduler
	archive   *payloads.Store
	registry  *registry.Store

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the dispatcher.
func NewServer(cfg *config.Config, verifier *signature.Verifier, asm *assembler.Assembler, svc *search.Service, jobs *scheduler.Scheduler, archive *payloads.Store, reg *registry.Store, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		verifier:  verifier,
		assembler: asm,
		search:    svc,
		jobs:      jobs,
		archive:   archive,
		registry:  reg,
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("/webhooks/pre-call",
		s.webhook("pre_call", s.cfg.Server.PreCallDeadline, s.handlePreCall))
	mux.Handle("/webhooks/in-call-search",
		s.webhook("in_call_search", s.cfg.Server.SearchDeadline, s.handleSearch))
	mux.Handle("/webhooks/post-call",
		s.webhook("post_call", s.cfg.Server.PostCallAckDeadline, s.handlePostCall))

	return mux
}

// Start begins serving. Non-blocking; serve errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "webhook dispatcher listening", "addr", addr)
	return nil
}

// Stop drains open connections within the shutdown grace period.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

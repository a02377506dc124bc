package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/rs/zerolog"
)

// Config controls the HTTP surface
type Config struct {
	// AuthDisabled skips scope checks. Only for local development.
	AuthDisabled bool

	// Per remote address limits for the routes booting instances call.
	// A zero RateLimitPerSecond disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server exposes the registries over HTTP
type Server struct {
	reg     *registry.Registry
	cfg     Config
	mux     *http.ServeMux
	health  *HealthServer
	limiter *clientLimiter
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(reg *registry.Registry, cfg Config) *Server {
	s := &Server{
		reg:    reg,
		cfg:    cfg,
		mux:    http.NewServeMux(),
		health: NewHealthServer(reg.WorkerTypes),
		logger: log.WithComponent("api"),
	}
	if cfg.RateLimitPerSecond > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}
	s.routes()
	return s
}

type route struct {
	pattern   string
	operation string
	scopes    scopeFunc
	limited   bool
	handler   http.HandlerFunc
}

func (s *Server) routes() {
	routes := []route{
		{"PUT /v1/worker-type/{workerType}", "createWorkerType", pathScopes("workerType", "manage-worker-type"), false, s.createWorkerType},
		{"POST /v1/worker-type/{workerType}/update", "updateWorkerType", pathScopes("workerType", "manage-worker-type"), false, s.updateWorkerType},
		{"GET /v1/worker-type/{workerType}", "workerType", pathScopes("workerType", "view-worker-type", "manage-worker-type"), false, s.getWorkerType},
		{"DELETE /v1/worker-type/{workerType}", "removeWorkerType", pathScopes("workerType", "manage-worker-type"), false, s.removeWorkerType},
		{"GET /v1/worker-type/{workerType}/launch-specifications", "getLaunchSpecs", pathScopes("workerType", "view-worker-type", "manage-worker-type"), false, s.getLaunchSpecs},
		{"GET /v1/list-worker-types", "listWorkerTypes", fixedScope("list-worker-types"), false, s.listWorkerTypes},
		{"GET /v1/list-worker-type-summaries", "listWorkerTypeSummaries", fixedScope("list-worker-types"), false, s.listWorkerTypeSummaries},

		{"PUT /v1/ami-set/{id}", "createAmiSet", pathScopes("id", "manage-ami-set"), false, s.createAmiSet},
		{"POST /v1/ami-set/{id}/update", "updateAmiSet", pathScopes("id", "manage-ami-set"), false, s.updateAmiSet},
		{"GET /v1/ami-set/{id}", "amiSet", pathScopes("id", "view-ami-set", "manage-ami-set"), false, s.getAmiSet},
		{"DELETE /v1/ami-set/{id}", "removeAmiSet", pathScopes("id", "manage-ami-set"), false, s.removeAmiSet},
		{"GET /v1/list-ami-sets", "listAmiSets", fixedScope("list-ami-sets"), false, s.listAmiSets},

		{"PUT /v1/secret/{token}", "createSecret", fixedScope("create-secret"), false, s.createSecret},
		{"GET /v1/secret/{token}", "getSecret", nil, true, s.getSecret},
		{"DELETE /v1/secret/{token}", "removeSecret", nil, true, s.removeSecret},
		{"GET /v1/instance-started/{instanceId}/{token}", "instanceStarted", nil, true, s.instanceStarted},

		{"GET /v1/state/{workerType}", "state", pathScopes("workerType", "view-worker-type"), false, s.state},
		{"PUT /v1/state/{workerType}", "writeState", pathScopes("workerType", "update-worker-state"), false, s.writeState},
		{"GET /v1/ping", "ping", nil, false, s.ping},
	}

	for _, rt := range routes {
		h := limitBody(s.requireScopes(rt.scopes, rt.handler))
		if rt.limited {
			h = s.rateLimited(h)
		}
		s.mux.HandleFunc(rt.pattern, s.instrument(rt.operation, h))
	}

	health := s.health.Handler()
	s.mux.Handle("/health", health)
	s.mux.Handle("/ready", health)
	s.mux.Handle("/metrics", health)
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metrics.SetComponent("api", true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	metrics.SetComponent("api", false, "shutting down")
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

package server

import (
	"PerpKeeper/internal/ingestion"
	"PerpKeeper/internal/network"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/persistence"
	"PerpKeeper/internal/state"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server runs the admin surface: a gRPC server carrying the standard health
// service, and an HTTP server with status routes and the health probes.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *Deps
	logger       zerolog.Logger
}

// Deps holds everything the status routes read from.
type Deps struct {
	Store         *state.Store
	Selector      *network.Selector
	Injector      *ingestion.PriceInjector
	Audit         *persistence.AuditWriter // nil when the audit log is disabled
	HealthChecker *observability.HealthChecker
	StartTime     time.Time
}

func New(grpcAddr, httpAddr string, deps *Deps, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       logger,
	}
}

// StartGRPC serves gRPC until ctx ends. The health service follows the
// HealthChecker's readiness.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			s.syncHealth()
			select {
			case <-ctx.Done():
				s.healthServer.Shutdown()
				s.logger.Info().Msg("gRPC server shutting down")
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func (s *Server) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.deps.HealthChecker == nil || s.deps.HealthChecker.IsReady() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// Handler builds the HTTP routes: health probes plus the /v1 status API on a
// grpc-gateway mux.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/status", s.handleStatus},
		{http.MethodGet, "/v1/queues", s.handleQueues},
		{http.MethodGet, "/v1/upl", s.handleUPL},
		{http.MethodGet, "/v1/markets", s.handleMarkets},
		{http.MethodGet, "/v1/prices/{market}", s.handleGetPrice},
		{http.MethodPost, "/v1/prices/{market}", s.handleInjectPrice},
		{http.MethodGet, "/v1/submissions", s.handleSubmissions},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTP serves the HTTP routes until ctx ends.
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

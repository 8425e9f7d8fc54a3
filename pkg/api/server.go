package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/runfleet/pkg/metrics"
)

// DefaultSyncInterval is how often job health is pushed to the gRPC health
// service
const DefaultSyncInterval = 5 * time.Second

// Server exposes health, readiness, job progress and metrics over HTTP and
// the standard gRPC health service. Each scheduled job is a gRPC health
// service named after the job; the empty service name tracks readiness.
type Server struct {
	jobs    JobSource
	cluster Cluster
	logger  zerolog.Logger

	mux    *http.ServeMux
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	syncInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// NewServer creates the health server. cluster may be nil.
func NewServer(jobs JobSource, cluster Cluster, logger zerolog.Logger) *Server {
	s := &Server{
		jobs:         jobs,
		cluster:      cluster,
		logger:       logger,
		health:       health.NewServer(),
		syncInterval: DefaultSyncInterval,
		stopCh:       make(chan struct{}),
	}
	s.mux = s.newMux()
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(logger),
		LoggingInterceptor(logger),
	))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HealthServer returns the gRPC health service
func (s *Server) HealthServer() *health.Server {
	return s.health
}

// Start listens on both addresses and serves in the background. An empty
// address disables that listener.
func (s *Server) Start(httpAddr, grpcAddr string) error {
	if httpAddr != "" {
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		s.http = &http.Server{
			Handler:      s.mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP health server stopped")
			}
		}()
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP health endpoints listening")
	}

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpc.Serve(lis); err != nil {
				s.logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	}

	s.Sync()
	s.wg.Add(1)
	go s.syncLoop()
	return nil
}

// Sync pushes readiness and per-job health into the gRPC health service
func (s *Server) Sync() {
	overall := healthpb.HealthCheckResponse_SERVING
	if metrics.GetReadiness().Status != "ready" {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if s.cluster != nil && !s.cluster.IsLeader() && s.cluster.LeaderAddr() == "" {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	if s.jobs == nil {
		return
	}
	for _, j := range s.jobs.Health() {
		status := healthpb.HealthCheckResponse_SERVING
		if !j.Healthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(j.Name, status)
	}
}

func (s *Server) syncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sync()
		case <-s.stopCh:
			return
		}
	}
}

// Stop marks every service NOT_SERVING and shuts both listeners down
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.health.Shutdown()

		if s.http != nil {
			err = s.http.Shutdown(ctx)
		}
		s.grpc.GracefulStop()
		s.wg.Wait()
	})
	return err
}

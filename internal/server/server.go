package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/config"
	"github.com/adradan/chatty/internal/registry"
)

// RelayServer wires dependencies and hosts the public websocket listener and
// the admin listener.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	registry *registry.Registry
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	public *gin.Engine
	admin  *gin.Engine

	publicHTTP *http.Server
	adminHTTP  *http.Server

	// connCtx is cancelled on shutdown; every socket derives from it.
	connCtx      context.Context
	stopConns    context.CancelFunc
	conns        sync.WaitGroup
	ready        atomic.Bool
	saturated    atomic.Bool
	shutdownOnce sync.Once
	stopped      chan struct{}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRelayServer constructs a server with its dependencies. A nil registry
// gets a fresh one sized from cfg.
func NewRelayServer(cfg config.Config, logger *zap.Logger, reg *registry.Registry) *RelayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = registry.New(registry.WithMaxAttempts(cfg.Registry.MaxAttempts))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		cfg:       cfg,
		log:       logger,
		registry:  reg,
		metrics:   newRelayMetrics(promReg),
		upgrader:  newUpgrader(cfg.CORS.AllowedOrigins),
		connCtx:   ctx,
		stopConns: cancel,
		stopped:   make(chan struct{}),
	}
	s.public = s.publicRouter()
	s.admin = s.adminRouter(promReg)
	return s
}

// Handler serves the public endpoints.
func (s *RelayServer) Handler() http.Handler { return s.public }

// AdminHandler serves metrics, probes and the session listing.
func (s *RelayServer) AdminHandler() http.Handler { return s.admin }

// Ready reports whether the relay accepts new sessions.
func (s *RelayServer) Ready() bool {
	return s.ready.Load() && !s.saturated.Load()
}

func (s *RelayServer) markSaturated(v bool) {
	if s.saturated.Swap(v) != v && v {
		s.log.Error("identity space exhausted; reporting not ready")
	}
}

// Start boots the listeners and blocks until ctx is done or serving fails.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the public listener on lis. It is split from Start for tests.
func (s *RelayServer) Serve(ctx context.Context, lis net.Listener) error {
	s.startAdminServer()

	s.publicHTTP = &http.Server{
		Handler:           s.public,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening",
		zap.String("address", lis.Addr().String()),
		zap.String("ws_path", s.cfg.WSPath))
	s.ready.Store(true)
	err := s.publicHTTP.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		<-s.stopped
		return nil
	}
	if err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *RelayServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.admin,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown stops accepting connections, closes every session with 1001 and
// waits for them to deregister or for ctx to expire.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		defer close(s.stopped)
		s.ready.Store(false)

		if s.publicHTTP != nil {
			if err := s.publicHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("public server shutdown", zap.Error(err))
			}
		}

		// Hijacked sockets are not tracked by http.Server.
		s.stopConns()
		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log.Info("sessions drained")
		case <-ctx.Done():
			s.log.Warn("graceful shutdown timed out", zap.Int("sessions", s.registry.Len()))
		}

		if s.adminHTTP != nil {
			if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("admin server shutdown", zap.Error(err))
			}
		}
	})
}

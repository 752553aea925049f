package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
	"github.com/nerrad567/xenbackend/internal/infrastructure/logging"
	"github.com/nerrad567/xenbackend/internal/lifecycle"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by every infrastructure client the health
// endpoint reports on (database, MQTT, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RecorderStats exposes the lifecycle recorder's counters.
type RecorderStats interface {
	Recorded() uint64
	Dropped() uint64
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// Status is required; it answers the device endpoints.
	Status *lifecycle.StatusView

	// History is optional; without it the history endpoint returns 503.
	History lifecycle.HistoryRepository

	// Recorder is optional and feeds the metrics endpoint.
	Recorder RecorderStats

	// Checks are reported by /health under their map key.
	Checks map[string]HealthChecker

	// Hub, if set, is used instead of a hub created by Start. The daemon
	// creates it early so it can be registered as a lifecycle sink.
	Hub *Hub

	Version string
}

// Server is the HTTP status API of the backend daemon.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	status    *lifecycle.StatusView
	history   lifecycle.HistoryRepository
	recorder  RecorderStats
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	mu      sync.Mutex // guards server and addr
	server  *http.Server
	addr    string
	served  chan struct{} // closed when the serve goroutine exits
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger and Status are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("status view is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		status:    deps.Status,
		history:   deps.History,
		recorder:  deps.Recorder,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
		tickets:   newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It binds the listener synchronously, so a port already in use is
// reported here, then serves in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent of the hub and ticket-cleanup goroutines
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	served := make(chan struct{})

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr().String()
	s.cancel = cancel
	s.served = served
	s.mu.Unlock()

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.logger.Info("API server starting", "address", ln.Addr().String(), "auth", s.authEnabled())
	go func() {
		defer close(served)
		// Serve closes ln on return, including when Shutdown already ran.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address once started. With port 0 in
// the configuration this is where the kernel placed the server.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel, served := s.server, s.cancel, s.served
	s.server, s.cancel, s.served = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	err := srv.Shutdown(ctx)
	<-served
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	running := s.server != nil
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("api server not started")
	}
	return nil
}

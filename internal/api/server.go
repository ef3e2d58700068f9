package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/smartylighting/lightbus/internal/infrastructure/config"
	"github.com/smartylighting/lightbus/internal/infrastructure/logging"
	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
	"github.com/smartylighting/lightbus/internal/journal"
	"github.com/smartylighting/lightbus/internal/streetlight"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Runtime is the part of *mqtt.Runtime the API reads and publishes through.
type Runtime interface {
	State() mqtt.State
	Stats() mqtt.Stats
	HealthCheck(ctx context.Context) error
	Bindings() *mqtt.SubscriptionSet
	SubscribeResults() []mqtt.SubscribeResult
	Publish(ctx context.Context, req mqtt.PublishRequest) (mqtt.PublishOutcome, error)
	PublishBinding(ctx context.Context, name string, params map[string]string, payload []byte) (mqtt.PublishOutcome, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Runtime Runtime
	Journal journal.Repository    // optional
	Lamps   *streetlight.Registry // optional
	Hub     *Hub                  // optional; a private hub is created if nil
	Site    string
	Version string
}

// Server is the HTTP API server.
//
// It is created with New, started with Start and stopped with Close.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	runtime Runtime
	journal journal.Repository
	lamps   *streetlight.Registry
	hub     *Hub
	site    string
	version string
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("MQTT runtime is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(HubConfig{}, deps.Logger)
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		runtime: deps.Runtime,
		journal: deps.Journal,
		lamps:   deps.Lamps,
		hub:     hub,
		site:    deps.Site,
		version: deps.Version,
		started: time.Now(),
	}, nil
}

// Hub returns the WebSocket hub, for wiring it as a runtime observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background. A port that is
// already in use is reported here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	done := s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel, done := s.server, s.cancel, s.done
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Stops the hub, which closes every WebSocket.
	cancel()

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	<-done
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

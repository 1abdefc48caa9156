package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/bridges/relay"
	"github.com/nerrad567/gray-logic-relay/internal/history"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeView is the read side of the relay bridge. *relay.Bridge satisfies it.
type BridgeView interface {
	Registry() *relay.Registry
	ModuleStatuses() []relay.ModuleStatus
	SwitchStates() map[string]int
}

// BrokerStatus reports broker connectivity. *mqtt.Client satisfies it.
type BrokerStatus interface {
	IsConnected() bool
	SubscriptionCount() int
}

// HealthChecker is a dependency checked by the health endpoint.
// *mqtt.Client, *database.DB and *influxdb.Client satisfy it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	Logger *logging.Logger
	Bridge BridgeView

	// MQTT is optional; without it health reports the broker as disconnected.
	MQTT BrokerStatus

	// History is optional; without it the history endpoint returns 503.
	History history.Repository

	// Checks are run on every health request, keyed by the name reported
	// in the response. A failing check degrades the service.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP status API server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	bridge   BridgeView
	mqtt     BrokerStatus
	history  history.Repository
	checks   map[string]HealthChecker
	version  string
	started  time.Time
	server   *http.Server
	listener net.Listener
}

// New creates a new API server. It is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("relay bridge is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		bridge:  deps.Bridge,
		mqtt:    deps.MQTT,
		history: deps.History,
		checks:  deps.Checks,
		version: deps.Version,
	}, nil
}

// Start binds the listener and serves in a background goroutine. Binding
// errors such as a port in use are returned directly.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

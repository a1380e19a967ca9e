// Package api provides the HTTP REST API and WebSocket server for Keyway Core.
//
// It exposes the command queue, revocation ledger, route-pass issuance and
// signing operations to operator tooling and the facility management system,
// plus a WebSocket feed of command outcomes.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/command"
	"github.com/keyway-access/keyway-core/internal/credential"
	"github.com/keyway-access/keyway-core/internal/denylist"
	"github.com/keyway-access/keyway-core/internal/entitlement"
	"github.com/keyway-access/keyway-core/internal/gateway"
	"github.com/keyway-access/keyway-core/internal/infrastructure/config"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/infrastructure/mqtt"
	"github.com/keyway-access/keyway-core/internal/signer"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Commands *command.Service
	Queue    command.Repository // queue depth for metrics
	Denylist denylist.Repository
	Passes   credential.Repository
	Signer   *signer.Signer

	// Bus receives entitlement events posted by the resource service.
	Bus *entitlement.Bus

	AuditRepo audit.Repository
	MQTT      *mqtt.Client             // optional: connection state in metrics
	Presence  *gateway.PresenceTracker // optional: gateway counts in metrics
	DB        *sql.DB                  // optional: pool stats in metrics

	// RoutePassTTL is the validity window applied to issued route passes.
	RoutePassTTL time.Duration

	Version string
}

// Server is the HTTP API server for Keyway Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	commands  *command.Service
	queue     command.Repository
	denylist  denylist.Repository
	passes    credential.Repository
	signer    *signer.Signer
	bus       *entitlement.Bus
	auditRepo audit.Repository
	auditCh   chan *audit.AuditLog
	mqtt      *mqtt.Client
	presence  *gateway.PresenceTracker
	db        *sql.DB
	passTTL   time.Duration
	version   string

	server    *http.Server
	hub       *Hub
	tickets   *ticketStore
	startTime time.Time
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command service is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}

	passTTL := deps.RoutePassTTL
	if passTTL <= 0 {
		passTTL = 24 * time.Hour
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		commands:  deps.Commands,
		queue:     deps.Queue,
		denylist:  deps.Denylist,
		passes:    deps.Passes,
		signer:    deps.Signer,
		bus:       deps.Bus,
		auditRepo: deps.AuditRepo,
		mqtt:      deps.MQTT,
		presence:  deps.Presence,
		db:        deps.DB,
		passTTL:   passTTL,
		version:   deps.Version,
		tickets:   newTicketStore(),
		startTime: time.Now(),
	}

	if deps.AuditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
	}

	s.hub = NewHub(deps.WS, deps.Logger)

	return s, nil
}

// Hub returns the WebSocket hub, for wiring as the dispatcher's notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, the async audit writer and the HTTP
// listener in background goroutines. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup, audit writer)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
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

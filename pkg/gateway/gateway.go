// Package gateway is the duplex RPC surface in front of the dispatcher: one
// websocket connection per client, JSON frames in both directions, client
// cancellation by correlation id. It binds to loopback; anything beyond that
// is a deployment concern.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/sentience-labs/warden/pkg/dispatch"
	"github.com/sentience-labs/warden/pkg/metrics"
)

// DefaultAddr keeps the gateway on loopback unless configured otherwise.
const DefaultAddr = "127.0.0.1:8420"

const defaultWriteTimeout = 10 * time.Second

// Config holds the gateway knobs.
type Config struct {
	Addr         string
	WriteTimeout time.Duration
}

// Server owns the HTTP listener and the websocket connections.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// New builds the gateway around dispatcher.
func New(cfg Config, dispatcher *dispatch.Dispatcher) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "gateway"),
	}

	e := echo.New()
	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener is bound; serving
// continues until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway server stopped", "error", err)
		}
	}()
	s.logger.Info("Gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address; empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener and drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// wsHandler upgrades the connection and blocks until it closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Loopback-only surface; origin checks add nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.handleConnection(c.Request().Context(), conn)
	return nil
}

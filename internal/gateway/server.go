// Package gateway owns the websocket endpoint: it upgrades connections,
// registers them with the connection registry, pumps inbound frames into
// the relay, and delivers relay fan-out back onto the wire.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/observability"
	"github.com/crosstalkhq/crosstalk/internal/registry"
	"github.com/crosstalkhq/crosstalk/internal/relay"
)

// Server is the websocket gateway process.
type Server struct {
	cfg     atomic.Pointer[config.ServerConfig]
	reg     *registry.Registry
	relay   *relay.Relay
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	httpServer   *http.Server
	httpListener net.Listener
}

// New creates a gateway server around reg. metrics may be nil. If logger
// is nil, slog.Default() is used.
func New(cfg *config.Config, reg *registry.Registry, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		reg:     reg,
		metrics: metrics,
		logger:  logger.With("component", "gateway"),
		conns:   make(map[string]*conn),
	}
	serverCfg := cfg.Server
	s.cfg.Store(&serverCfg)
	s.relay = relay.New(reg, s, metrics, logger)
	return s
}

// UpdateConfig swaps the server configuration. Origin checks and the
// tuning of connections accepted after the call use the new values;
// established connections keep the settings they were accepted with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	serverCfg := cfg.Server
	s.cfg.Store(&serverCfg)
	s.logger.Info("server config updated", "allowed_origins", serverCfg.AllowedOrigins)
}

// Handler returns the HTTP mux: /ws for the realtime transport, plus
// /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Load()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("gateway shutdown error", "error", err)
	}
	s.closeAllConns()
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return s.cfg.Load().OriginAllowed(r.Header.Get("Origin"))
		},
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, sock, *cfg)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.reg.Register(c.id)
	s.metrics.ConnectionOpened()
	s.logger.Debug("connection accepted", "conn_id", c.id, "remote", r.RemoteAddr)

	c.run()
}

// Send implements relay.Sender: a non-blocking enqueue onto the
// connection's write queue. When the queue is full the event is dropped
// and counted; the relay never waits for a slow consumer.
func (s *Server) Send(connID, event string, payload json.RawMessage) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	data, err := relay.EncodeFrame(event, payload)
	if err != nil {
		s.logger.Warn("frame encode failed", "event", event, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.metrics.Dropped(event)
		s.logger.Warn("send buffer full, dropping event", "conn_id", connID, "event", event)
	}
}

// dropConn tears down one connection: registry, connection table,
// metrics. Idempotent via the conn's close once.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !present {
		return
	}
	s.reg.Unregister(c.id)
	s.metrics.ConnectionClosed()
	s.logger.Debug("connection closed", "conn_id", c.id)
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ConnectionIDs returns the ids of currently attached connections.
func (s *Server) ConnectionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

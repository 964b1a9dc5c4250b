// Package server exposes the execution engine over HTTP and WebSocket:
// trigger admission, execution lookup, live log streaming with
// sequence-number resumption, and a status surface.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run"
	"github.com/teranos/relay/run/stream"
)

// MaxClients caps concurrent WebSocket connections
const MaxClients = 256

// RelayServer serves trigger admission and live execution streams
type RelayServer struct {
	coordinator Coordinator
	hub         *stream.Hub
	store       *run.Store
	cfg         config.ServerConfig
	heartbeat   time.Duration
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	clients  map[*Client]bool
	upgrader websocket.Upgrader

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Coordinator is the engine surface the server depends on. Satisfied by
// *run.Coordinator; narrowed here so handler tests can stub it.
type Coordinator interface {
	Admit(t run.Trigger) (run.AdmitResult, error)
	Get(executionID string) (*run.Execution, error)
	Abort(executionID string) error
	GetStats() (*run.Stats, error)
}

// New creates a relay server
func New(coordinator Coordinator, hub *stream.Hub, store *run.Store, cfg config.ServerConfig, heartbeat time.Duration, logger *zap.SugaredLogger) *RelayServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		coordinator: coordinator,
		hub:         hub,
		store:       store,
		cfg:         cfg,
		heartbeat:   heartbeat,
		logger:      logger,
		clients:     make(map[*Client]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// setupHTTPRoutes configures all HTTP handlers
func (s *RelayServer) setupHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/triggers", s.HandleTrigger)            // Admit a trigger (POST)
	mux.HandleFunc("/api/executions", s.HandleExecutions)       // List executions (GET)
	mux.HandleFunc("/api/executions/", s.HandleExecution)       // Individual execution (GET) and abort (POST /abort)
	mux.HandleFunc("/api/status", s.HandleStatus)               // Engine status (GET)
	mux.HandleFunc("/ws/executions/", s.HandleExecutionStream)  // Live log stream (WebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
}

// Start begins serving on the configured port. Blocks until the
// listener fails or Shutdown is called.
func (s *RelayServer) Start() error {
	port := s.cfg.Port
	if port == 0 {
		port = config.DefaultServerPort
	}

	mux := http.NewServeMux()
	s.setupHTTPRoutes(mux)

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server listening",
		"port", port,
		"url", fmt.Sprintf("http://localhost:%d", port),
	)

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Shutdown stops accepting connections, closes every streaming client,
// and waits for in-flight handlers up to the given timeout.
func (s *RelayServer) Shutdown(timeout time.Duration) error {
	s.cancel()

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warnw("Timed out waiting for streaming clients to drain")
	}

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// registerClient tracks a streaming client, enforcing the client cap.
// Returns false when the server is at capacity.
func (s *RelayServer) registerClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		return false
	}
	s.clients[client] = true
	return true
}

func (s *RelayServer) unregisterClient(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Debugw("Client disconnected",
		"client_id", client.id,
		"execution_id", client.executionID,
		"total_clients", total,
	)
}

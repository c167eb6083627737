// Package gateway is the daemon's HTTP front door: the JSON API for
// messages, responses, and queue inspection, plus the /ws stream that
// pushes every lifecycle event to connected dashboards and tails.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/config"
	httpapi "github.com/crewdhq/crewd/internal/http"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/team"
	"github.com/crewdhq/crewd/pkg/protocol"
)

// Server handles the WebSocket event stream and the HTTP API.
type Server struct {
	cfg     *config.Config
	bus     bus.Publisher
	store   queue.Store
	convs   *team.Tracker
	version string

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. convs may be nil when no
// conversation tracker is running (e.g. the send/status CLI paths).
func NewServer(cfg *config.Config, pub bus.Publisher, store queue.Store, convs *team.Tracker) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     pub,
		store:   store,
		convs:   convs,
		version: "dev",
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Token auth guards the upgrade; origin checks add nothing for
		// non-browser consumers (CLI tails, dashboards on localhost).
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// SetVersion sets the build version reported in hello frames and /healthz.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start when the same routes must be served on an
// additional listener (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	token := s.cfg.Gateway.Token
	httpapi.NewQueueHandler(s.store, s.convs, token).RegisterRoutes(mux)
	httpapi.NewMessagesHandler(s.store, s.bus, token).RegisterRoutes(mux)
	httpapi.NewResponsesHandler(s.store, token).RegisterRoutes(mux)
	httpapi.NewAgentsHandler(s.cfg, token).RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Gateway.Addr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway.started", "addr", addr, "auth", s.cfg.Gateway.Token != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and streams bus events until
// the client hangs up.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if bearerToken(r) != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	// Hello goes out before the write pump starts; events buffered
	// during registration flush right after it.
	if err := client.SendHello("crewd", s.version); err != nil {
		return
	}

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// BroadcastEvent sends a frame to every connected client, bypassing
// the bus. Used for server-local notices like shutdown.
func (s *Server) BroadcastEvent(ev *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(ev)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Every bus event goes out verbatim; the protocol mirrors the bus
	// one-to-one.
	s.bus.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.bus.Unsubscribe(c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		client.Close()
		delete(s.clients, id)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// StartTestServer binds the full mux on a random localhost port and
// returns the address plus a start function. Integration tests dial
// the address after calling start.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeClients()
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}

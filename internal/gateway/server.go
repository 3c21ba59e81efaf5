// Package gateway serves the visual debugger: a WebSocket stream of every
// routed event plus HTTP status endpoints. It observes the workspace through
// the router's listener path and never affects delivery.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fractalmind-ai/chorus/internal/workspace"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// DefaultReplaySize is how many recent events a newly connected client
// receives.
const DefaultReplaySize = 256

// Config holds the gateway listen settings.
type Config struct {
	Bind           string
	Port           int
	AllowedOrigins []string
	ReplaySize     int
}

// Server is the debugger gateway.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	clients      map[string]*Client
	clientsMutex sync.RWMutex

	recent   *lru.Cache[int64, protocol.Message]
	recentMu sync.Mutex

	controller *workspace.Controller
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = DefaultReplaySize
	}
	recent, err := lru.New[int64, protocol.Message](cfg.ReplaySize)
	if err != nil {
		return nil, fmt.Errorf("failed to build replay ring: %w", err)
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     buildOriginChecker(cfg.AllowedOrigins),
		},
		clients: make(map[string]*Client),
		recent:  recent,
	}, nil
}

// Attach wires the gateway to a workspace: every routed event is streamed to
// connected clients and remembered for replay.
func (s *Server) Attach(c *workspace.Controller) {
	s.controller = c
	c.AddMessageListener(s.Broadcast)
}

// Broadcast pushes one event to the replay ring and all connected clients.
func (s *Server) Broadcast(msg protocol.Message) {
	s.recentMu.Lock()
	s.recent.Add(msg.Timestamp, msg)
	s.recentMu.Unlock()

	for _, client := range s.snapshotClients() {
		if !client.Deliver(msg) {
			log.Printf("gateway: dropping slow client %s", client.ID)
			client.Close()
		}
	}
}

// Start serves HTTP until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", s.handleStatus)

	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler:           mux,
		ErrorLog:          log.New(os.Stderr, "HTTP: ", log.LstdFlags),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("debugger gateway listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway server error: %v", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// Stop disconnects all clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, client := range s.snapshotClients() {
		client.Close()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("gateway shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	clientID := r.URL.Query().Get("session")
	if clientID == "" {
		clientID = fmt.Sprintf("%d", time.Now().UnixNano())
	}

	client := NewClient(clientID, conn, s)
	s.clientsMutex.Lock()
	s.clients[clientID] = client
	s.clientsMutex.Unlock()
	log.Printf("debugger client connected: %s", clientID)

	for _, msg := range s.replay() {
		client.Deliver(msg)
	}
	go client.writePump()
	go client.readPump()
}

// replay returns the remembered events in routing order.
func (s *Server) replay() []protocol.Message {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	ticks := s.recent.Keys()
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	out := make([]protocol.Message, 0, len(ticks))
	for _, tick := range ticks {
		if msg, ok := s.recent.Peek(tick); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (s *Server) snapshotClients() []*Client {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, client)
	}
	return out
}

func (s *Server) removeClient(id string) {
	s.clientsMutex.Lock()
	delete(s.clients, id)
	s.clientsMutex.Unlock()
}

type statusResponse struct {
	Status        string            `json:"status"`
	ActiveClients int               `json:"active_clients"`
	Uptime        string            `json:"uptime"`
	Messages      int64             `json:"messages"`
	Agents        map[string]string `json:"agents,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "ok",
		ActiveClients: len(s.snapshotClients()),
		Uptime:        humanize.RelTime(s.startTime, time.Now(), "", ""),
	}
	if s.controller != nil {
		resp.Messages = s.controller.Activity().MessageCount()
		resp.Agents = make(map[string]string)
		for name, status := range s.controller.AgentStatus() {
			resp.Agents[name] = string(status)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func buildOriginChecker(allowed []string) func(*http.Request) bool {
	configured := len(allowed) > 0
	allowedSet := make(map[string]struct{})
	for _, origin := range allowed {
		normalized, ok := normalizeOrigin(origin)
		if !ok {
			continue
		}
		allowedSet[normalized] = struct{}{}
	}

	return func(r *http.Request) bool {
		if !configured {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return false
		}
		normalized, ok := normalizeOrigin(origin)
		if !ok {
			return false
		}
		_, ok = allowedSet[normalized]
		return ok
	}
}

func normalizeOrigin(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), true
}

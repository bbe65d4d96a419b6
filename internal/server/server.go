// Package server exposes the local control plane over HTTP. It binds to the
// loopback interface only; the daemon is a per-user tool and the API carries
// no authentication of its own.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/engine"
	"github.com/storyforge/adosync/internal/store"
)

// InboundAPI is the inbound engine surface the control plane exposes.
type InboundAPI interface {
	SyncNow(ctx context.Context) *engine.SyncResult
	SyncOne(ctx context.Context, remoteID int) (*ado.WorkItem, *engine.SyncError)
	Status() engine.InboundStatus
}

// OutboundAPI is the outbound engine surface the control plane exposes.
type OutboundAPI interface {
	PushStateChange(ctx context.Context, storyID string, newStatus store.Status) *engine.PushResult
	PushPendingChanges(ctx context.Context) *engine.SyncResult
	CreateWorkItemFromStory(ctx context.Context, storyID, remoteType string) *engine.CreateResult
	Status(ctx context.Context) engine.OutboundStatus
	ResetErrors()
}

// Config holds server settings.
type Config struct {
	// Host must resolve to a loopback address; Start refuses anything
	// else. Empty means 127.0.0.1.
	Host string

	// Port to listen on.
	Port int

	Logger *log.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg      Config
	inbound  InboundAPI
	outbound OutboundAPI
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New creates a control-plane server.
func New(cfg Config, inbound InboundAPI, outbound OutboundAPI) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		inbound:  inbound,
		outbound: outbound,
		logger:   cfg.Logger,
	}
}

// Start begins serving. It returns once the listener is bound; request
// handling runs in the background until Stop.
func (s *Server) Start() error {
	ip := net.ParseIP(s.cfg.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("control plane must bind a loopback address, got %q", s.cfg.Host)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("control plane listening on %s", addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	s.logger.Printf("control plane stopped")
	return nil
}

// Addr returns the bound address, useful when Port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/sync/{remoteId}", s.handleSyncOne)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/push/pending", s.handlePushPending)
	mux.HandleFunc("POST /api/push/{storyId}", s.handlePush)
	mux.HandleFunc("POST /api/stories/{storyId}/workitem", s.handleCreateWorkItem)
	mux.HandleFunc("POST /api/errors/reset", s.handleResetErrors)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

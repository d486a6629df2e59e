// Package monitor serves a live view of a running simulation: a JSON
// status endpoint and a websocket stream of frame summaries.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvandessel/phenosim/internal/ratelimit"
	"github.com/nvandessel/phenosim/internal/sim"
	"github.com/nvandessel/phenosim/internal/trajectory"
)

// DefaultAddr lets the OS pick a free localhost port.
const DefaultAddr = "localhost:0"

// Per-client limits on /api/status and /ws.
const (
	requestRate  = 5.0
	requestBurst = 20
)

// FrameMessage is the websocket payload sent once per frame.
type FrameMessage struct {
	Type    string             `json:"type"`
	RunID   string             `json:"run_id,omitempty"`
	Index   int                `json:"index"`
	Total   int                `json:"total"`
	Step    uint64             `json:"step"`
	Summary trajectory.Summary `json:"summary"`
}

// Status is the body of GET /api/status.
type Status struct {
	RunID     string        `json:"run_id,omitempty"`
	Frames    int           `json:"frames"`
	Total     int           `json:"total"`
	Clients   int           `json:"clients"`
	StartedAt time.Time     `json:"started_at"`
	Latest    *FrameMessage `json:"latest,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server streams frames of one run. It implements sim.Observer.
type Server struct {
	hub        *Hub
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
	listenAddr string

	mu         sync.Mutex
	addr       string
	httpServer *http.Server
	status     Status
}

// NewServer creates a monitor that will listen on listenAddr, or on
// DefaultAddr when listenAddr is empty.
func NewServer(listenAddr string, logger *slog.Logger) *Server {
	if listenAddr == "" {
		listenAddr = DefaultAddr
	}
	return &Server{
		hub:        NewHub(logger),
		logger:     logger,
		limiter:    ratelimit.NewLimiter(requestRate, requestBurst),
		listenAddr: listenAddr,
		status:     Status{StartedAt: time.Now()},
	}
}

// SetRunID tags subsequent frames and the status with a run ID.
func (s *Server) SetRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RunID = id
}

// Addr returns the address the server is listening on (e.g., "localhost:PORT").
// Returns empty string if the server hasn't started yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the page URL, or "" before the server has started.
func (s *Server) URL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr + "/"
	}
	return ""
}

// OnFrame records fi as the latest frame and broadcasts it.
func (s *Server) OnFrame(fi sim.FrameInfo) {
	s.mu.Lock()
	msg := &FrameMessage{
		Type:    "frame",
		RunID:   s.status.RunID,
		Index:   fi.Index,
		Total:   fi.Total,
		Step:    fi.Step,
		Summary: fi.Summary,
	}
	s.status.Frames = fi.Index + 1
	s.status.Total = fi.Total
	s.status.Latest = msg
	s.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("encoding monitor frame", "error", err)
		return
	}
	s.hub.Publish(payload)
}

// ListenAndServe starts the hub and the HTTP server and blocks until the
// context is cancelled. A clean shutdown returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	static, err := fs.Sub(templates, "templates")
	if err != nil {
		return fmt.Errorf("loading page: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(static)))
	mux.Handle("/api/status", s.limiter.Middleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/ws", s.limiter.Middleware(http.HandlerFunc(s.handleWS)))

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	go s.hub.Run(ctx)

	// Graceful shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("monitor listening", "url", "http://"+s.addr+"/")
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Clients = s.hub.Clients()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, conn)
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

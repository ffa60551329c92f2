package preview

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonwatson/watson-vision/internal/fabric"
)

//go:embed index.html
var indexHTML []byte

// Readiness is the /readiness document.
type Readiness struct {
	Status     string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Components map[string]any `json:"components,omitempty"`
}

// StatusFunc reports the current readiness of the process.
type StatusFunc func() Readiness

// Server serves the preview page, the MJPEG stream and health endpoints.
type Server struct {
	addr    string
	preview fabric.Preview
	status  StatusFunc
	logger  *slog.Logger
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}

	streams atomic.Int64
}

// NewServer creates a preview server. status may be nil.
func NewServer(addr string, preview fabric.Preview, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		preview: preview,
		status:  status,
		logger:  logger.With("component", "preview"),
		started: time.Now(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/test.mjpeg", s.handleStream)
	mux.HandleFunc("/health", s.handleLiveness)
	mux.HandleFunc("/readiness", s.handleReadiness)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("preview server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	// no WriteTimeout: stream responses live as long as the viewer
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.logger.Info("starting preview server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/", "/test.mjpeg", "/health", "/readiness"},
	)

	srv, done := s.server, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("preview server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting connections. Open streams end when the preview
// fabric closes or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		srv.Close()
	}
	<-done
	s.logger.Info("preview server stopped")
	return err
}

// ActiveStreams returns the number of connected stream viewers.
func (s *Server) ActiveStreams() int {
	return int(s.streams.Load())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	rx, err := s.preview.Attach(id)
	if err != nil {
		s.logger.Warn("viewer rejected", "viewer", id, "error", err)
		http.Error(w, "preview unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.preview.Detach(id)

	s.streams.Add(1)
	defer s.streams.Add(-1)

	s.logger.Info("viewer connected", "viewer", id, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var parts uint64
	for {
		chunk, err := rx.Receive(r.Context())
		if err != nil {
			s.logger.Info("viewer disconnected", "viewer", id, "parts", parts, "reason", err)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			s.logger.Info("viewer disconnected", "viewer", id, "parts", parts, "reason", err)
			return
		}
		flusher.Flush()
		parts++
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rd := Readiness{Status: "healthy"}
	if s.status != nil {
		rd = s.status()
	}
	if rd.Components == nil {
		rd.Components = make(map[string]any)
	}
	rd.Components["preview"] = s.preview.Stats()
	rd.Components["streams"] = s.ActiveStreams()

	statusCode := http.StatusOK
	if rd.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(rd)
}

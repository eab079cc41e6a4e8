package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/span-profiler/pkg/utils"
)

// SourceTypeHTTP is the source type of the HTTP intake.
const SourceTypeHTTP SourceType = "http"

func init() {
	Register(SourceTypeHTTP, NewHTTPSource)
}

// HTTPOptions holds HTTP source configuration.
type HTTPOptions struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// Path is the HTTP path dumps are announced on.
	Path string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64

	// BufferSize is the capacity of the event channel.
	BufferSize int
}

// DefaultHTTPOptions returns the default options.
func DefaultHTTPOptions() *HTTPOptions {
	return &HTTPOptions{
		ListenAddr:   ":8080",
		Path:         "/dumps",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		MaxBodySize:  1 << 20,
		BufferSize:   100,
	}
}

// DumpRequest announces a stored dump.
type DumpRequest struct {
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DumpResponse is the reply to a DumpRequest.
type DumpResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// HTTPSource accepts dump announcements over HTTP.
type HTTPSource struct {
	name    string
	options *HTTPOptions
	logger  utils.Logger

	server    *http.Server
	listener  net.Listener
	eventChan chan *DumpEvent

	mu      sync.RWMutex
	running bool
}

// NewHTTPSource creates an HTTP source from configuration.
func NewHTTPSource(cfg *SourceConfig, deps Deps) (DumpSource, error) {
	defaults := DefaultHTTPOptions()
	opts := &HTTPOptions{
		ListenAddr:   cfg.GetString("listen_addr", defaults.ListenAddr),
		Path:         cfg.GetString("path", defaults.Path),
		ReadTimeout:  cfg.GetDuration("read_timeout", defaults.ReadTimeout),
		WriteTimeout: cfg.GetDuration("write_timeout", defaults.WriteTimeout),
		MaxBodySize:  int64(cfg.GetInt("max_body_size", int(defaults.MaxBodySize))),
		BufferSize:   cfg.GetInt("buffer_size", defaults.BufferSize),
	}
	return NewHTTPSourceWithOptions(cfg.Name, opts, deps.Logger), nil
}

// NewHTTPSourceWithOptions creates an HTTP source with explicit options.
func NewHTTPSourceWithOptions(name string, opts *HTTPOptions, logger utils.Logger) *HTTPSource {
	if opts == nil {
		opts = DefaultHTTPOptions()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	return &HTTPSource{
		name:      name,
		options:   opts,
		logger:    utils.OrNull(logger),
		eventChan: make(chan *DumpEvent, opts.BufferSize),
	}
}

func (s *HTTPSource) Type() SourceType { return SourceTypeHTTP }

func (s *HTTPSource) Name() string { return s.name }

// Handler returns the HTTP handler serving the intake and health endpoints.
func (s *HTTPSource) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.options.Path, s.handleDump)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (s *HTTPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.options.ListenAddr)
	if err != nil {
		return fmt.Errorf("HTTP source %s failed to listen on %s: %w", s.name, s.options.ListenAddr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.options.ReadTimeout,
		WriteTimeout: s.options.WriteTimeout,
	}
	s.running = true

	s.logger.Info("HTTP source %s listening on %s%s", s.name, ln.Addr(), s.options.Path)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP source %s server error: %v", s.name, err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *HTTPSource) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down.
func (s *HTTPSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.server
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (s *HTTPSource) Events() <-chan *DumpEvent {
	return s.eventChan
}

// Ack is a no-op: the request was answered when the dump was accepted.
func (s *HTTPSource) Ack(ctx context.Context, event *DumpEvent) error {
	s.logger.Debug("HTTP source %s acked dump %s", s.name, event.Key)
	return nil
}

// Nack only logs the failure.
func (s *HTTPSource) Nack(ctx context.Context, event *DumpEvent, cause error) error {
	s.logger.Warn("HTTP source %s nacked dump %s: %v", s.name, event.Key, cause)
	return nil
}

// HealthCheck checks if the HTTP server is running.
func (s *HTTPSource) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		return fmt.Errorf("HTTP source %s is not running", s.name)
	}
	return nil
}

func (s *HTTPSource) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.options.MaxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req DumpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Key == "" {
		s.sendError(w, http.StatusBadRequest, "key is required")
		return
	}

	event := NewDumpEvent(uuid.NewString(), req.Key, SourceTypeHTTP, s.name)
	for k, v := range req.Metadata {
		event.WithMetadata(k, v)
	}

	select {
	case s.eventChan <- event:
		s.logger.Debug("HTTP source %s received dump %s", s.name, req.Key)
		s.sendJSON(w, http.StatusAccepted, DumpResponse{Success: true, EventID: event.ID, Message: "dump accepted"})
	default:
		s.sendError(w, http.StatusServiceUnavailable, "dump queue is full")
	}
}

func (s *HTTPSource) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"source": s.name,
		"type":   string(SourceTypeHTTP),
	})
}

func (s *HTTPSource) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, DumpResponse{Success: false, Message: message})
}

func (s *HTTPSource) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

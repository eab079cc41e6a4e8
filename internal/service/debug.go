package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/span-profiler/pkg/config"
	"github.com/span-profiler/pkg/utils"
)

// DebugServer exposes the runtime profiles of the process together with the
// statistics and health of the service.
type DebugServer struct {
	config  config.DebugConfig
	service *Service
	logger  utils.Logger
	mux     *http.ServeMux

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewDebugServer creates a DebugServer for svc.
func NewDebugServer(cfg config.DebugConfig, svc *Service, logger utils.Logger) *DebugServer {
	d := &DebugServer{
		config:  cfg,
		service: svc,
		logger:  utils.OrNull(logger),
		mux:     http.NewServeMux(),
	}
	d.registerHandlers()
	return d
}

// Handler returns the HTTP handler of the debug endpoints.
func (d *DebugServer) Handler() http.Handler {
	return d.mux
}

func (d *DebugServer) registerHandlers() {
	d.mux.HandleFunc("/debug/pprof/", d.auth(pprof.Index))
	d.mux.HandleFunc("/debug/pprof/cmdline", d.auth(pprof.Cmdline))
	d.mux.HandleFunc("/debug/pprof/profile", d.auth(pprof.Profile))
	d.mux.HandleFunc("/debug/pprof/symbol", d.auth(pprof.Symbol))
	d.mux.HandleFunc("/debug/pprof/trace", d.auth(pprof.Trace))
	d.mux.HandleFunc("/debug/stats", d.auth(d.handleStats))
	d.mux.HandleFunc("/health", d.handleHealth)
}

func (d *DebugServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if d.config.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "Bearer "+d.config.Token || token == d.config.Token {
			next(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}

func (d *DebugServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.service.Stats())
}

func (d *DebugServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, map[string]string{"status": "healthy"}
	if err := d.service.HealthCheck(r.Context()); err != nil {
		status, body = http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start listens on the configured address.
func (d *DebugServer) Start() error {
	ln, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Addr, err)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler:     d.mux,
		ReadTimeout: 5 * time.Minute,
		// CPU profiles stream for as long as requested.
		WriteTimeout: 5 * time.Minute,
	}

	d.logger.Info("Debug endpoint listening on %s", ln.Addr())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("Debug server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (d *DebugServer) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Stop shuts the server down.
func (d *DebugServer) Stop(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := d.server.Shutdown(ctx)
	d.wg.Wait()
	return err
}

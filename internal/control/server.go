// Package control provides a Unix-socket HTTP server for querying a
// running wgmeshd process: its current node/route snapshot over /status,
// and its Prometheus collectors over /metrics. The coordinator starts the
// server as part of its lifecycle; the "wgmeshd status" CLI command
// connects to it.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wgmeshd/wgmeshd/internal/netmanager"
)

// ResolveSocketPath returns the socket path for the control server.
//
// Since wgmeshd typically runs as root, the socket is placed in the system
// runtime directory. On Linux, systemd's RuntimeDirectory= creates
// /run/wgmeshd automatically. On macOS, /var/run/wgmeshd is used. Falls
// back to /tmp/wgmeshd if the system directory doesn't exist yet (e.g.
// running outside of a service).
func ResolveSocketPath() string {
	if runtime.GOOS == "darwin" {
		if info, err := os.Stat("/var/run/wgmeshd"); err == nil && info.IsDir() {
			return "/var/run/wgmeshd/control.sock"
		}
		return "/tmp/wgmeshd/control.sock"
	}

	if info, err := os.Stat("/run/wgmeshd"); err == nil && info.IsDir() {
		return "/run/wgmeshd/control.sock"
	}
	return "/tmp/wgmeshd/control.sock"
}

// StatusProvider returns the current mesh snapshot.
type StatusProvider func() netmanager.Status

// Server is an HTTP server that listens on a Unix domain socket and serves
// mesh status and Prometheus metrics.
type Server struct {
	socketPath string
	provider   StatusProvider
	registry   *prometheus.Registry
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new control server. registry may be nil, in which
// case /metrics serves prometheus.DefaultGatherer.
func NewServer(socketPath string, provider StatusProvider, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		provider:   provider,
		registry:   registry,
		log:        logger.With("component", "control"),
	}
}

// Start begins listening on the Unix socket and serving HTTP requests. It
// returns immediately; the server runs in the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	if err := os.Chmod(s.socketPath, 0666); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("control server error", "error", err)
		}
	}()

	s.log.Info("control server started", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("control server shutdown", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}

	s.log.Info("control server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.provider()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encoding status response", "error", err)
	}
}

// FetchStatus connects to a running control server and returns its status
// snapshot. Used by the "wgmeshd status" CLI command.
func FetchStatus(socketPath string) (*netmanager.Status, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://wgmeshd/status")
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var status netmanager.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
}

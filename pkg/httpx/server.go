// Package httpx provides the HTTP server wrapper, JSON helpers and middleware
// shared by the fivedreg API.
package httpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	fivedregtls "github.com/HatiCode/fivedreg/pkg/tls"
)

// Server wraps http.Server with graceful shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on addr. Upload bodies can be large, so
// the read timeout is generous while the header timeout stays short.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       2 * time.Minute,
			WriteTimeout:      time.Minute,
			IdleTimeout:       2 * time.Minute,
		},
		logger: logger,
	}
}

// SetTLSConfig makes Start serve HTTPS. Must be called before Start.
func (s *Server) SetTLSConfig(config *tls.Config) {
	s.server.TLSConfig = config
}

// Start serves until Stop is called. It serves HTTPS when a TLS config carrying
// certificates was set, plain HTTP otherwise.
func (s *Server) Start() error {
	var err error
	if cfg := s.server.TLSConfig; cfg != nil && len(cfg.Certificates) > 0 {
		s.logger.Info("starting HTTPS server", "addr", s.server.Addr, "mtls", cfg.ClientAuth == tls.RequireAndVerifyClientCert)
		err = s.server.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("starting HTTP server", "addr", s.server.Addr)
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting up to timeout for active
// requests to complete.
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("stopping HTTP server", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server stopped gracefully")
	return nil
}

// NewClient creates the HTTP client used to fetch remote datasets. When tlsCfg is
// enabled, its CA bundle and optional client certificate are applied.
func NewClient(tlsCfg fivedregtls.Config, timeout time.Duration) (*http.Client, error) {
	clientTLS, err := tlsCfg.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("create TLS config: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     clientTLS,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"quotepush/internal/shared/config"
	"quotepush/internal/shared/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Handler      http.Handler
	Addr         string
	TLSEnabled   bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
	AllowedHosts []string
}

// StartServers creates and starts the main server and optional redirect server.
// Returns the main server and redirect server (nil if not enabled).
func StartServers(scfg ServerConfig, logger *slog.Logger) (*http.Server, *http.Server) {
	srv := &http.Server{
		Addr:         scfg.Addr,
		Handler:      scfg.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	var redirectSrv *http.Server

	// Start HTTP redirect server if TLS redirect is enabled
	if scfg.TLSEnabled && scfg.RedirectHTTP {
		redirectSrv = createRedirectServer(scfg.AllowedHosts)
		go func() {
			logger.Info("HTTP redirect server starting", "addr", redirectSrv.Addr)
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP redirect server error", "error", err)
			}
		}()
	}

	// Start main server
	go func() {
		var err error
		if scfg.TLSEnabled {
			logger.Info("HTTPS server starting", "addr", scfg.Addr)
			err = srv.ListenAndServeTLS(scfg.CertPath, scfg.KeyPath)
		} else {
			logger.Info("HTTP server starting", "addr", scfg.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	return srv, redirectSrv
}

// GracefulShutdown stops accepting requests, then drains background work
// in dependency order: sweeper, listener, worker pool.
func GracefulShutdown(srv, redirectSrv *http.Server, deps *Dependencies, timeout time.Duration, logger *slog.Logger) {
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Shutdown HTTP redirect server if running
	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			logger.Error("error shutting down HTTP redirect server", "error", err)
		}
	}

	// Shutdown main server
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("error shutting down main server", "error", err)
	}

	deps.Sweeper.Stop()
	deps.Listener.Stop()
	deps.WorkerPool.ShutdownWithTimeout(timeout)

	logger.Info("server stopped")
}

// createRedirectServer creates an HTTP server that redirects all requests to HTTPS.
func createRedirectServer(allowedHosts []string) *http.Server {
	return &http.Server{
		Addr:         ":80",
		Handler:      redirectHandler(allowedHosts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func redirectHandler(allowedHosts []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Header.Get("X-Forwarded-Host")
		if host == "" {
			host = r.Host
		}

		if !middleware.IsHostAllowed(host, allowedHosts) {
			http.Error(w, "Invalid host", http.StatusBadRequest)
			return
		}

		canonicalHost := host
		if h, _, err := net.SplitHostPort(host); err == nil {
			canonicalHost = h
		}

		http.Redirect(w, r, "https://"+canonicalHost+r.RequestURI, http.StatusMovedPermanently)
	})
}

// NewServerConfigFromConfig creates ServerConfig from application config.
func NewServerConfigFromConfig(handler http.Handler, cfg *config.Config) ServerConfig {
	return ServerConfig{
		Handler:      handler,
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		TLSEnabled:   cfg.TLS.Enabled,
		CertPath:     cfg.TLS.CertPath,
		KeyPath:      cfg.TLS.KeyPath,
		RedirectHTTP: cfg.TLS.RedirectHTTP,
		AllowedHosts: cfg.Server.AllowedHosts,
	}
}

package main

import (
	"log/slog"
	"net/http"

	httphandlers "quotepush/internal/interfaces/http"
	"quotepush/internal/shared/config"
	"quotepush/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", httphandlers.HandleHealth(deps.DB))

	// Public push routes
	mux.HandleFunc("/api/push/vapid-public-key", deps.NotificationHandler.HandleVAPIDPublicKey)

	// Service routes
	serviceMiddleware := middleware.ServiceKey(cfg.Auth.ServiceKeyHash)

	mux.Handle("/api/push/send", serviceMiddleware(http.HandlerFunc(deps.NotificationHandler.HandleSend)))
	mux.Handle("/api/push/{kind}/send", serviceMiddleware(http.HandlerFunc(deps.NotificationHandler.HandleSendKind)))

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)

	mux.Handle("/api/devices", authMiddleware(http.HandlerFunc(deps.NotificationHandler.HandleDevices)))
	mux.Handle("/api/quote-requests", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleRequests)))
	mux.Handle("/api/quote-requests/open", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleOpenRequests)))
	mux.Handle("/api/quote-requests/{id}", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleRequestByID)))
	mux.Handle("/api/quote-requests/{id}/close", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleCloseRequest)))
	mux.Handle("/api/quote-requests/{id}/quotes", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleRequestQuotes)))
	mux.Handle("/api/stores", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleStores)))
	mux.Handle("/api/stores/{id}/quotes", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleStoreQuotes)))
	mux.Handle("/api/quotes", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleSendQuote)))
	mux.Handle("/api/quotes/{id}", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleQuoteByID)))
	mux.Handle("/api/quotes/{id}/{action}", authMiddleware(http.HandlerFunc(deps.QuoteHandler.HandleQuoteAction)))

	var api http.Handler = mux
	if cfg.Telemetry.Enabled {
		api = middleware.Telemetry(api)
	}

	// The websocket route stays outside otelhttp, whose writer wrapper
	// cannot be hijacked.
	root := http.NewServeMux()
	root.Handle("/api/realtime", middleware.Tracing(deps.RealtimeHandler))
	root.Handle("/", api)

	// Apply global middleware
	handler := middleware.Logging(middleware.CORS(cfg.Server.AllowedHosts)(middleware.SecurityHeaders(root)))

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info("TLS security middleware enabled (HSTS)")
	}

	return handler
}

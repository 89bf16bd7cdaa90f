// Package httpserver wraps net/http with graceful shutdown, environment
// driven configuration and health-check handlers.
//
// Run blocks until the context is cancelled or an interrupt/TERM signal is
// received, then shuts the server down with a bounded deadline. Listen
// errors are wrapped with ErrStart and shutdown errors with ErrShutdown so
// callers can distinguish them with errors.Is.
//
// HealthCheckHandler doubles as a liveness probe (no dependency checks) and
// a readiness probe (each supplied check must succeed).
//
// Usage:
//
//	var cfg httpserver.Config
//	config.MustLoad(&cfg)
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server stopped", slog.Any("error", err))
//	}
package httpserver

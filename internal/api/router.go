package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keyway-access/keyway-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - caller must hold a valid
			// service token to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Command queue
			r.Route("/commands", func(r chi.Router) {
				r.Get("/", s.handleListCommands)
				r.Post("/", s.handleSubmitCommand)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCommand)
					r.Get("/attempts", s.handleListAttempts)
					r.Post("/cancel", s.handleCancelCommand)
				})
			})

			// Entitlement change ingress; service callers only.
			r.With(s.requireRole(auth.RoleService, auth.RoleAdmin)).
				Post("/entitlements/events", s.handleEntitlementEvent)

			// Revocation ledger (read-only; mutations flow through the
			// entitlement listener)
			r.Get("/denylist", s.handleListDenylist)

			// Route passes
			r.Route("/route-passes", func(r chi.Router) {
				r.Get("/", s.handleListRoutePasses)
				r.Post("/", s.handleIssueRoutePass)
			})

			// Signing operations
			r.Post("/signer/time-sync", s.handleTimeSync)

			// Key rotation is the one root-signed operation; admin only.
			r.With(s.requireRole(auth.RoleAdmin)).Post("/signer/rotate", s.handleRotate)

			// Audit trail
			r.Get("/audit", s.handleListAuditLogs)

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

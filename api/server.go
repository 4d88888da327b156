/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to
  handlers (C7 Wire Layer).

ROUTER: chi
  Lightweight, context-based, and RESTful-pattern friendly.

MIDDLEWARE STACK:
  1. requestID:  uuid-based request id, attached via chi's own
                 middleware.RequestIDKey so downstream code (including
                 chi's Recoverer) finds it the usual way
  2. accessLog:  one structured zerolog line per request (method, path,
                 status, duration, requestId)
  3. Recoverer:  chi's panic recovery (500 instead of crash)
  4. CORS:       cross-origin requests for an offline-first client shell

ROUTE GROUPS:
  /api/sync                      Batch sync (C4)
  /api/sync/health                Liveness probe
  /api/sync/ledger/:operationId  Idempotency ledger inspection (read-only)
  /api/conflicts*                 Conflict lifecycle (C3, C5)
  /api/records/:kind/:id          Single-record read (read-only)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/nimbusnote/syncd/internal/logging"
)

// requestID stamps every request with a uuid instead of a process
// counter, so ids stay unique across restarts and instances. It's
// stored under chi's own RequestIDKey so middleware.GetReqID keeps
// working for anything downstream that expects it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog emits one structured line per request via zerolog.
func accessLog(next http.Handler) http.Handler {
	log := logging.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request handled")
	})
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.Sync)
			r.Get("/health", h.Health)
			r.Get("/ledger/{operationId}", h.GetLedgerEntry)
		})

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Get("/stats", h.ConflictStats)
			r.Get("/{id}", h.GetConflict)
			r.Put("/{id}/resolve", h.ResolveConflict)
			r.Put("/{id}/dismiss", h.DismissConflict)
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/{kind}/{id}", h.GetRecord)
		})
	})

	return r
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. Actor:      Caller identity from X-User-ID / X-Role

ROUTE GROUPS:
  /api/agents/*         Agent directory, team and audit
  /api/orders/*         Order collaborator notifications
  /api/commissions/*    Commission history and settlement
  /api/withdrawals/*    Payout requests and processing
  /api/profile/*        Finance summary
  /api/admin/*          Rate adjustment, audit runs and platform stats
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  Identity headers are trusted as-is. Deploy behind a gateway that
  authenticates callers and sets them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/ledger"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-Role"
)

// RouterOptions configures the optional parts of the router.
type RouterOptions struct {
	CORSOrigins []string
	// Limiter throttles withdrawal requests. Nil disables throttling.
	Limiter *UserLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderRole},
		AllowCredentials: true,
	}))
	r.Use(actorMiddleware)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/policy", h.GetPolicy)

		// Agent routes
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.ApplyAgent)
			r.Get("/{id}", h.GetAgent)
			r.Put("/{id}/review", h.ReviewAgent)
			r.Post("/{id}/adjust-rate", h.AdjustAgentRate)
			r.Get("/{id}/team", h.GetTeam)
			r.Get("/{id}/audit", h.AuditAgent)
		})

		// Order collaborator
		r.Post("/orders/completed", h.OrderCompleted)

		// Commission routes
		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", h.ListCommissions)
			r.Post("/settle", h.SettleCommissions)
		})

		// Withdrawal routes
		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/", h.ListWithdrawals)
			r.With(limit(opts.Limiter)).Post("/", h.RequestWithdrawal)
			r.Get("/{id}", h.GetWithdrawal)
			r.Put("/{id}", h.ProcessWithdrawal)
		})

		r.Get("/profile/finance", h.GetFinance)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjust-rates", h.AdjustAllRates)
			r.Get("/audit", h.AuditAll)
			r.Get("/stats", h.GetStats)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

func limit(l *UserLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}

// =============================================================================
// ACTOR
// =============================================================================

type actorKey struct{}

// WithActor stores the caller on the context.
func WithActor(ctx context.Context, a ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// actorFrom returns the caller, or an anonymous user when none was set.
func actorFrom(ctx context.Context) ledger.Actor {
	if a, ok := ctx.Value(actorKey{}).(ledger.Actor); ok {
		return a
	}
	return ledger.Actor{Role: ledger.RoleUser}
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		role := ledger.Role(r.Header.Get(HeaderRole))
		switch role {
		case "":
			role = ledger.RoleUser
		case ledger.RoleAdmin, ledger.RoleAgent, ledger.RoleUser, ledger.RoleSystem:
		default:
			writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Unknown role", nil)
			return
		}
		actor := ledger.Actor{ID: userID, UserID: ledger.UserID(userID), Role: role}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// =============================================================================
// LOGGING
// =============================================================================

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

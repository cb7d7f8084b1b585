// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, compression,
// CORS, security headers, rate limiting, and idempotency.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/config"
	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/http/handlers"
	"github.com/freightdesk/go-helpdesk-backend/internal/http/middleware"
	"github.com/freightdesk/go-helpdesk-backend/internal/notify"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
	"github.com/freightdesk/go-helpdesk-backend/internal/services"
)

// idempotencyStore adapts the repository free functions to the
// middleware.IdempotencyStore interface expected by the idempotency
// coordinator. Absent rows and lost claim races are reported as (nil, nil),
// matching the interface contract; only real storage failures surface as
// errors (which the coordinator treats as fail-open signals).
type idempotencyStore struct {
	db *gorm.DB
}

// Lookup proxies repo.GetIdempotency.
func (s idempotencyStore) Lookup(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// LookupContent proxies repo.FindCompletedContent.
func (s idempotencyStore) LookupContent(ctx context.Context, scope, method, path, bodyHash string, now time.Time) (*domain.Idempotency, error) {
	rec, err := repo.FindCompletedContent(ctx, s.db, scope, method, path, bodyHash, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Claim proxies repo.ClaimIdempotency, translating a lost insert race into
// the interface's (nil, nil) form.
func (s idempotencyStore) Claim(ctx context.Context, scope, key, method, path, bodyHash string, ttl time.Duration) (*domain.Idempotency, error) {
	rec, err := repo.ClaimIdempotency(ctx, s.db, scope, key, method, path, bodyHash, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, nil
	}
	return rec, err
}

// Complete proxies repo.CompleteIdempotency. A record that was already
// completed by a concurrent writer is not an error worth surfacing.
func (s idempotencyStore) Complete(ctx context.Context, id string, status int, response []byte) error {
	err := repo.CompleteIdempotency(ctx, s.db, id, status, response)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// Release proxies repo.ReleaseIdempotency.
func (s idempotencyStore) Release(ctx context.Context, id string) error {
	return repo.ReleaseIdempotency(ctx, s.db, id)
}

// DBPrincipalResolver returns a resolver that treats the bearer credential as
// a user id and loads the role from the users table. Suitable for internal
// deployments where an upstream gateway has already verified the token.
func DBPrincipalResolver(db *gorm.DB) middleware.PrincipalResolver {
	return func(ctx context.Context, credential string) (middleware.Principal, error) {
		u, err := repo.GetUser(ctx, db, credential)
		if err != nil {
			return middleware.Principal{}, err
		}
		return middleware.Principal{UserID: u.ID, Role: u.Role}, nil
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), compression, CORS
// and security headers, authentication, rate limiting, idempotency, health
// and metrics endpoints, and then mounts the versioned public API under
// /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip (stream path excluded: SSE must flush uncompressed)
//  8. CORS and Security headers
//  9. Auth: resolve the request principal (never rejects by itself)
//  10. Rate limiter: fixed windows per actor and class (stream exempt)
//  11. Idempotency coordinator: dedupe/replay for mutating requests
func RegisterRoutes(r *gin.Engine, db *gorm.DB, hub *notify.Hub, resolve middleware.PrincipalResolver, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	streamPath := apiBase + "/notifications/stream"

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured access logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Response compression; SSE stays uncompressed so events flush promptly
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streamPath})))

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-User-Role", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplay, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", "X-User-Role", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplay, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// 9) Principal resolution (downstream guards fall back to IP scoping)
	r.Use(middleware.Auth(resolve))

	// 10) Fixed-window rate limiter per actor and request class
	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		Window:      cfg.RateWindow,
		ReadLimit:   cfg.RateReadLimit,
		WriteLimit:  cfg.RateWriteLimit,
		ExemptPaths: []string{streamPath},
	}, middleware.KeyByUserOrIP(), nil)
	r.Use(rl.Handler())

	// 11) Idempotency coordinator for mutating requests
	r.Use(middleware.Idempotency(middleware.IdempotencyOptions{
		TTL: cfg.IdempotencyTTL,
	}, idempotencyStore{db: db}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/hub
	notifSvc := &services.NotificationService{DB: db, Hub: hub}
	ticketSvc := &services.TicketService{
		DB:              db,
		Notifier:        notifSvc,
		MaxSubjectRunes: cfg.MaxSubjectRunes,
		MaxBodyRunes:    cfg.MaxBodyRunes,
		SubjectLocale:   language.English,
	}
	cmtSvc := &services.CommentService{
		DB:           db,
		Notifier:     notifSvc,
		MaxBodyRunes: cfg.MaxBodyRunes,
	}
	streamer := &handlers.NotificationStreamer{Hub: hub, KeepAlive: cfg.SSEKeepAlive}
	h := handlers.New(ticketSvc, cmtSvc, notifSvc, streamer)

	// Public API
	api := groupWithPrefix(r, apiBase)
	{
		// Tickets
		api.POST("/tickets", h.CreateTicket)
		api.GET("/tickets", h.ListTickets)
		api.GET("/tickets/:id", h.GetTicket)
		api.PUT("/tickets/:id/status", h.UpdateTicketStatus)
		api.PUT("/tickets/:id/assignee", h.AssignTicket)
		api.POST("/tickets/:id/watchers", h.AddWatcher)

		// Comments
		api.POST("/tickets/:id/comments", h.PostComment)
		api.GET("/tickets/:id/comments", h.ListComments)

		// Notifications
		api.GET("/notifications", h.ListNotifications)
		api.GET("/notifications/unread-count", h.UnreadCount)
		api.POST("/notifications/:id/read", h.MarkNotificationRead)
		api.POST("/notifications/:id/dismiss", h.DismissNotification)
		api.GET("/notifications/stream", h.StreamNotifications)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// Package server exposes the notification HTTP API.
//
// Identity is owned by the SSO layer in front of this service; handlers read
// the authenticated user key from the X-User-Key header.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"blogwatch/internal/poller"
	"blogwatch/internal/push"
	"blogwatch/internal/storage"
)

const userKeyHeader = "X-User-Key"

// Refresher triggers and reports on out-of-band poll cycles.
type Refresher interface {
	Refresh(ctx context.Context) error
	Status() poller.Status
}

// SubscriptionManager owns the push subscription lifecycle.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, userID string, payload push.SubscriptionPayload) (bool, error)
	Unsubscribe(ctx context.Context, userID string, payload push.SubscriptionPayload) error
}

// TestSender delivers a verification payload to a user.
type TestSender interface {
	SendTest(ctx context.Context, userID string) push.Outcome
}

// Server wires the HTTP API to the core services.
type Server struct {
	store     storage.Storage
	subs      SubscriptionManager
	tester    TestSender
	refresher Refresher
	log       *slog.Logger
	http      *http.Server
}

// New creates a Server listening on addr.
func New(addr string, store storage.Storage, subs SubscriptionManager, tester TestSender, refresher Refresher, log *slog.Logger) *Server {
	s := &Server{
		store:     store,
		subs:      subs,
		tester:    tester,
		refresher: refresher,
		log:       log,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthcheck)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/api/notifications/status", s.handleNotificationStatus)
		r.Post("/api/notifications/mark-read", s.handleMarkRead)
		r.Get("/api/notifications/settings", s.handleGetSettings)
		r.Post("/api/notifications/settings", s.handleSaveSettings)
		r.Post("/api/subscriptions", s.handleSubscribe)
		r.Delete("/api/subscriptions", s.handleUnsubscribe)
		r.Post("/api/refresh", s.handleRefresh)
		r.Post("/api/test-notification", s.handleTestNotification)
	})
	return r
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// requireUser rejects requests without an authenticated user key. The SSO
// proxy in front of the service sets the header after login.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userKeyHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userKey(r *http.Request) string {
	return r.Header.Get(userKeyHeader)
}

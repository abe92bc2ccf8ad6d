// Package mocktarget serves an in-process stand-in for the task API a load
// run exercises: readiness, magic-link authentication, organizations,
// projects, tasks and the Stripe webhook receiver.
//
// It exists for local smoke runs and tests. Latency and per-route status
// faults can be injected; everything is kept in memory.
package mocktarget

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Route names, also used as fault and stats keys.
const (
	RouteReady         = "ready"
	RouteRequestLink   = "auth_request_link"
	RouteRedeem        = "auth_redeem"
	RouteOrgCreate     = "org_create"
	RouteProjectCreate = "project_create"
	RouteTasksCreate   = "tasks_create"
	RouteTasksList     = "tasks_list"
	RouteWebhook       = "webhook_stripe"
)

// Server is the mock target.
type Server struct {
	router *mux.Router
	logger *zap.Logger

	latency       time.Duration
	signingKey    []byte
	webhookSecret string
	readyAfter    int64
	neverReady    bool

	faultsMu sync.Mutex
	faults   map[string][]int

	hitsMu sync.Mutex
	hits   map[string]*atomic.Int64

	readyPolls atomic.Int64
	store      *store

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLatency delays every response by d.
func WithLatency(d time.Duration) Option {
	return func(s *Server) {
		s.latency = d
	}
}

// WithWebhookSecret requires a valid Stripe-Signature on webhook deliveries.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		s.webhookSecret = secret
	}
}

// WithSigningKey sets the HS256 key for access tokens.
func WithSigningKey(key []byte) Option {
	return func(s *Server) {
		s.signingKey = key
	}
}

// WithReadyAfter answers 503 to the first n readiness polls.
func WithReadyAfter(n int) Option {
	return func(s *Server) {
		s.readyAfter = int64(n)
	}
}

// WithNeverReady answers 503 to every readiness poll.
func WithNeverReady() Option {
	return func(s *Server) {
		s.neverReady = true
	}
}

// WithFaults makes route answer the given statuses, in order, before it
// starts behaving normally.
func WithFaults(route string, statuses ...int) Option {
	return func(s *Server) {
		s.faults[route] = append(s.faults[route], statuses...)
	}
}

// New creates a mock target.
func New(opts ...Option) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     zap.NewNop(),
		signingKey: []byte("loadgate-mock-signing-key"),
		faults:     make(map[string][]int),
		hits:       make(map[string]*atomic.Int64),
		store:      newStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.countHits, s.delay, s.injectFaults)

	s.router.HandleFunc("/ready", s.handleReady).Methods("GET").Name(RouteReady)
	s.router.HandleFunc("/auth/request-link", s.handleRequestLink).Methods("POST").Name(RouteRequestLink)
	s.router.HandleFunc("/auth/redeem", s.handleRedeem).Methods("POST").Name(RouteRedeem)
	s.router.HandleFunc("/webhooks/stripe", s.handleWebhook).Methods("POST").Name(RouteWebhook)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/orgs", s.handleOrgCreate).Methods("POST").Name(RouteOrgCreate)
	authed.HandleFunc("/orgs/{org}/projects", s.handleProjectCreate).Methods("POST").Name(RouteProjectCreate)
	authed.HandleFunc("/orgs/{org}/projects/{project}/tasks", s.handleTaskCreate).Methods("POST").Name(RouteTasksCreate)
	authed.HandleFunc("/orgs/{org}/projects/{project}/tasks", s.handleTaskList).Methods("GET").Name(RouteTasksList)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hits returns how many requests reached route, faults included.
func (s *Server) Hits(route string) int64 {
	s.hitsMu.Lock()
	defer s.hitsMu.Unlock()
	if c, ok := s.hits[route]; ok {
		return c.Load()
	}
	return 0
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("mock target listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)
		s.hitsMu.Lock()
		c, ok := s.hits[name]
		if !ok {
			c = &atomic.Int64{}
			s.hits[name] = c
		}
		s.hitsMu.Unlock()
		c.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.latency > 0 {
			timer := time.NewTimer(s.latency)
			select {
			case <-r.Context().Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)
		s.faultsMu.Lock()
		queue := s.faults[name]
		var status int
		if len(queue) > 0 {
			status = queue[0]
			s.faults[name] = queue[1:]
		}
		s.faultsMu.Unlock()

		if status != 0 {
			s.logger.Debug("injecting fault", zap.String("route", name), zap.Int("status", status))
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

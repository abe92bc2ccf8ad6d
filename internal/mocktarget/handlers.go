package mocktarget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/zap"
)

type store struct {
	mu         sync.Mutex
	linkTokens map[string]linkToken
	orgs       map[string]string
	projects   map[string]string
	tasks      map[string][]task
	events     map[string]stripe.EventType
}

type linkToken struct {
	email string
	used  bool
}

type task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func newStore() *store {
	return &store{
		linkTokens: make(map[string]linkToken),
		orgs:       make(map[string]string),
		projects:   make(map[string]string),
		tasks:      make(map[string][]task),
		events:     make(map[string]stripe.EventType),
	}
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type principalKey struct{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	polls := s.readyPolls.Add(1)
	if s.neverReady || polls <= s.readyAfter {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unready",
			"checks": map[string]string{"db": "starting"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"checks": map[string]string{"db": "ok"},
	})
}

func (s *Server) handleRequestLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &in); err != nil || !strings.Contains(in.Email, "@") {
		detail(w, http.StatusUnprocessableEntity, "valid email required")
		return
	}

	token := uuid.NewString()
	s.store.mu.Lock()
	s.store.linkTokens[token] = linkToken{email: in.Email}
	s.store.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &in); err != nil || in.Token == "" {
		detail(w, http.StatusUnprocessableEntity, "token required")
		return
	}

	s.store.mu.Lock()
	link, ok := s.store.linkTokens[in.Token]
	alreadyUsed := link.used
	if ok && !alreadyUsed {
		link.used = true
		s.store.linkTokens[in.Token] = link
	}
	s.store.mu.Unlock()

	if !ok {
		detail(w, http.StatusBadRequest, "invalid token")
		return
	}
	if alreadyUsed {
		detail(w, http.StatusBadRequest, "token already used")
		return
	}

	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: link.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   link.email,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "loadgate-mock",
		},
	}).SignedString(s.signingKey)
	if err != nil {
		detail(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": signed,
		"token_type":   "bearer",
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			detail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.signingKey, nil
		})
		if err != nil || !parsed.Valid {
			detail(w, http.StatusUnauthorized, "invalid token")
			return
		}

		c := parsed.Claims.(*claims)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, c.Email)))
	})
}

func (s *Server) handleOrgCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil || in.Name == "" {
		detail(w, http.StatusUnprocessableEntity, "name required")
		return
	}

	owner, _ := r.Context().Value(principalKey{}).(string)
	id := uuid.NewString()
	s.store.mu.Lock()
	s.store.orgs[id] = in.Name
	s.store.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": in.Name, "owner": owner})
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	var in struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil || in.Name == "" {
		detail(w, http.StatusUnprocessableEntity, "name required")
		return
	}

	s.store.mu.Lock()
	_, orgExists := s.store.orgs[orgID]
	id := uuid.NewString()
	if orgExists {
		s.store.projects[id] = orgID
	}
	s.store.mu.Unlock()

	if !orgExists {
		detail(w, http.StatusNotFound, "org not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "org_id": orgID, "name": in.Name})
}

// projectOf reports whether project belongs to org.
func (s *Server) projectOf(orgID, projectID string) bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.projects[projectID] == orgID && orgID != ""
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.projectOf(vars["org"], vars["project"]) {
		detail(w, http.StatusNotFound, "project not found")
		return
	}

	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &in); err != nil || in.Title == "" {
		detail(w, http.StatusUnprocessableEntity, "title required")
		return
	}

	t := task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.store.mu.Lock()
	s.store.tasks[vars["project"]] = append(s.store.tasks[vars["project"]], t)
	s.store.mu.Unlock()

	writeJSON(w, http.StatusOK, t)
}

const listLimit = 50

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.projectOf(vars["org"], vars["project"]) {
		detail(w, http.StatusNotFound, "project not found")
		return
	}

	s.store.mu.Lock()
	all := s.store.tasks[vars["project"]]
	start := 0
	if len(all) > listLimit {
		start = len(all) - listLimit
	}
	out := make([]task, len(all)-start)
	copy(out, all[start:])
	s.store.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		detail(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.webhookSecret != "" {
		if err := webhook.ValidatePayload(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret); err != nil {
			s.logger.Debug("webhook signature rejected", zap.Error(err))
			detail(w, http.StatusBadRequest, "invalid signature")
			return
		}
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		detail(w, http.StatusBadRequest, "invalid event")
		return
	}

	s.store.mu.Lock()
	_, duplicate := s.store.events[event.ID]
	if !duplicate {
		s.store.events[event.ID] = event.Type
	}
	s.store.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":  true,
		"duplicate": duplicate,
	})
}

// Events returns how many distinct webhook events were accepted.
func (s *Server) Events() int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return len(s.store.events)
}

// Package api is the HTTP dispatcher (spec §6): a thin translation layer
// from gorilla/mux requests to Broker calls and back to JSON, the same
// router and request-id-middleware structure as the teacher's
// pkg/daemon/daemon.go.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/logging"
)

// Server wraps the gorilla/mux router bound to a Broker.
type Server struct {
	router *mux.Router
	b      *broker.Broker
	apiKey string
}

// New builds a Server and attaches every route from spec §6.
func New(b *broker.Broker, apiKey string) *Server {
	s := &Server{b: b, apiKey: apiKey}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/", s.createInstance).Methods(http.MethodPost)
	r.HandleFunc("/", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/user/{user}", s.userInstance).Methods(http.MethodGet)
	r.HandleFunc("/reset/{id}", s.requestReset).Methods(http.MethodPost)
	r.HandleFunc("/disconnect/{user}", s.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/challenges", s.addChallenge).Methods(http.MethodPost)
	r.HandleFunc("/challenges/{id}", s.deleteChallenge).Methods(http.MethodDelete)
	r.HandleFunc("/log/{id}", s.logs).Methods(http.MethodGet)
	r.HandleFunc("/{id}/docker_stats", s.dockerStats).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.detailInstance).Methods(http.MethodGet)

	s.router = r
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Request-ID", uuid.New()[:8])
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the pre-shared API key check (spec §6): missing
// or mismatched Authorization header yields 403.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != s.apiKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.S().Warnw("failed to encode response", "err", err)
	}
}

// writeError maps a broker error kind to the status code spec §7 assigns
// it, unwrapping with errors.Is the way the teacher unwraps sentinel
// errors in its client/daemon boundary.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrUnknownChallenge), errors.Is(err, broker.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, broker.ErrAlreadyAssigned), errors.Is(err, broker.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, broker.ErrMissingField):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, broker.ErrRuntimeUnavailable), errors.Is(err, broker.ErrNoPortAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logging.S().Errorw("unhandled scheduler error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

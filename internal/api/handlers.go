package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/logging"
)

type createInstanceRequest struct {
	Challenge string `json:"challenge"`
	User      string `json:"user"`
}

// createInstance is POST / (spec §6): assign user an instance of challenge.
func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if _, ok := s.b.Catalog.Get(req.Challenge); !ok {
		writeError(w, fmt.Errorf("%w: %s", broker.ErrUnknownChallenge, req.Challenge))
		return
	}
	if _, assigned, err := s.b.Scheduler.IsAssigned(req.User); err != nil {
		writeError(w, err)
		return
	} else if assigned {
		writeError(w, fmt.Errorf("%w: %s", broker.ErrAlreadyAssigned, req.User))
		return
	}

	inst, err := s.b.Scheduler.GetInstanceFor(r.Context(), req.User, req.Challenge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// listInstances is GET / (spec §6): every live container id.
func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	ids, err := s.b.Scheduler.Repository().AllIDs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// detailInstance is GET /<id>.
func (s *Server) detailInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok, err := s.b.Scheduler.Repository().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", broker.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// dockerStats is GET /<id>/docker_stats.
func (s *Server) dockerStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok, err := s.b.Scheduler.Repository().Get(id); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		writeError(w, fmt.Errorf("%w: %s", broker.ErrNotFound, id))
		return
	}

	raw, err := s.b.Runtime.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// userInstance is GET /user/<user>.
func (s *Server) userInstance(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	inst, ok, err := s.b.Scheduler.InstanceForUser(user)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: no instance for %s", broker.ErrNotFound, user))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type requestResetRequest struct {
	User string `json:"user"`
}

// requestReset is POST /reset/<id>.
func (s *Server) requestReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req requestResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	inst, err := s.b.Scheduler.RequestReset(r.Context(), req.User, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// disconnect is POST /disconnect/<user>; always 200 (spec §6).
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if err := s.b.Scheduler.Disconnect(user); err != nil {
		logging.S().Warnw("disconnect failed", "user", user, "err", err)
	}
	writeJSON(w, http.StatusOK, "disconnected")
}

type addChallengeRequest struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Lifetime    int    `json:"lifetime"`
	MemLimit    int    `json:"mem_limit"`
	UserLimit   int    `json:"user_limit"`
	CanPrestart bool   `json:"can_prestart"`
}

// addChallenge is POST /challenges (spec §6, §9 design note): validates
// the payload synchronously (missing_field -> 400), then builds the image
// and registers the Challenge on a background worker so the request isn't
// held open for a multi-minute Docker build. The Challenge is registered
// only after its build succeeds, under the Catalog's own mutex; the
// scheduler lock is not taken for the registration. A warm instance is then
// started for can_prestart challenges.
func (s *Server) addChallenge(w http.ResponseWriter, r *http.Request) {
	var req addChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Port == 0 || req.Lifetime == 0 || req.MemLimit == 0 || req.UserLimit == 0 {
		writeError(w, fmt.Errorf("%w: name, port, lifetime, mem_limit and user_limit are all required", broker.ErrMissingField))
		return
	}

	ch := catalog.Challenge{
		Name:            req.Name,
		InternalPort:    req.Port,
		MemLimitMB:      req.MemLimit,
		UserLimit:       req.UserLimit,
		LifetimeSeconds: req.Lifetime,
		CanPrestart:     req.CanPrestart,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.b.Catalog.AddChallenge(ctx, ch); err != nil {
			logging.S().Warnw("background challenge add failed", "challenge", ch.Name, "err", err)
			return
		}
		if ch.CanPrestart {
			if _, err := s.b.Scheduler.StartInstance(ctx, ch.Name); err != nil {
				logging.S().Warnw("failed to seed warm instance for new challenge", "challenge", ch.Name, "err", err)
			}
		}
	}()

	writeJSON(w, http.StatusOK, "ok")
}

// deleteChallenge is DELETE /challenges/<id>: removes only the Challenge
// entry; existing Instances drain naturally (spec §4.3).
func (s *Server) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.b.Catalog.DeleteChallenge(id)
	writeJSON(w, http.StatusOK, "deleted")
}

// stats is GET /stats.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.b.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// logs is GET /log/<id>.
func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok, err := s.b.Scheduler.Repository().Get(id); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		writeError(w, fmt.Errorf("%w: %s", broker.ErrNotFound, id))
		return
	}

	raw, err := s.b.Runtime.Logs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

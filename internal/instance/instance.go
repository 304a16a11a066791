// Package instance is the Instance Repository (spec §4.4): it owns the
// serialized form of Instance records and keeps the by_challenge,
// all_instances, and used_ports index sets consistent with them. It is
// grounded on original_source/challenges.py's Instance dataclass and its
// save()/stop() pipeline usage.
package instance

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ractf/challenge-broker/internal/store"
)

// Index key names (spec §3 "Indices"). Each is distinct from any
// container_id, under which Instance records are stored (spec §6).
const (
	KeyAllInstances   = "all_instances"
	KeyUsedPorts      = "used_ports"
	KeyPrewarmQueue   = "prewarm_queue"
	KeyInstanceCount  = "instance_count"
	byChallengePrefix = "by_challenge:"
)

// ByChallengeKey returns the index set key holding container ids for challenge.
func ByChallengeKey(challenge string) string {
	return byChallengePrefix + challenge
}

// Instance is one running container dedicated to one challenge (spec §3).
type Instance struct {
	ContainerID  string   `json:"container_id"`
	Challenge    string   `json:"challenge"`
	ExternalPort int      `json:"external_port"`
	StartedAt    int64    `json:"started_at"`
	Users        []string `json:"users"`
	UserLimit    int      `json:"user_limit"`
}

// HasFreeSeat reports whether another user can attach.
func (i *Instance) HasFreeSeat() bool {
	return len(i.Users) < i.UserLimit
}

// FreeSeatsAfterAttach reports the number of seats that would remain free
// if one more user attached, used for the pre-warm trigger (spec §4.5.3).
func (i *Instance) FreeSeatsAfterAttach() int {
	return i.UserLimit - (len(i.Users) + 1)
}

// Empty reports whether no user is currently attached.
func (i *Instance) Empty() bool {
	return len(i.Users) == 0
}

// removeUser removes user from Users if present, reporting whether it was.
func (i *Instance) removeUser(user string) bool {
	for idx, u := range i.Users {
		if u == user {
			i.Users = append(i.Users[:idx], i.Users[idx+1:]...)
			return true
		}
	}
	return false
}

// Repository persists Instance records and their index-set memberships.
type Repository struct {
	store store.Store
}

// NewRepository constructs a Repository over s.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Save atomically writes inst's serialized record and adds it to all three
// index sets (spec §4.4). Concurrent callers are serialized by the
// scheduler's lock (spec §5), so Save itself does not need to re-check
// uniqueness of the port or id.
func (r *Repository) Save(inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ContainerID, err)
	}

	return r.store.Pipeline(
		store.SetOp(inst.ContainerID, string(data)),
		store.SAddOp(KeyUsedPorts, strconv.Itoa(inst.ExternalPort)),
		store.SAddOp(ByChallengeKey(inst.Challenge), inst.ContainerID),
		store.SAddOp(KeyAllInstances, inst.ContainerID),
	)
}

// Forget is the atomic inverse of Save: it deletes the record and removes
// inst from all three index sets.
func (r *Repository) Forget(inst *Instance) error {
	return r.store.Pipeline(
		store.DelOp(inst.ContainerID),
		store.SRemOp(KeyUsedPorts, strconv.Itoa(inst.ExternalPort)),
		store.SRemOp(ByChallengeKey(inst.Challenge), inst.ContainerID),
		store.SRemOp(KeyAllInstances, inst.ContainerID),
	)
}

// Get deserializes the Instance record for containerID, returning
// (nil, false, nil) if absent.
func (r *Repository) Get(containerID string) (*Instance, bool, error) {
	raw, ok, err := r.store.Get(containerID)
	if err != nil {
		return nil, false, fmt.Errorf("get instance %s: %w", containerID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, false, fmt.Errorf("unmarshal instance %s: %w", containerID, err)
	}
	return &inst, true, nil
}

// ListForChallenge returns every live Instance belonging to challenge, in
// the set's iteration order (spec §4.5.3 step 1: "unspecified but
// deterministic-per-call order").
func (r *Repository) ListForChallenge(challenge string) ([]*Instance, error) {
	ids, err := r.store.SMembers(ByChallengeKey(challenge))
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", challenge, err)
	}
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, ok, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Index drifted from the record; skip rather than fail the
			// whole listing. The stale id is left in the index set.
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// AllIDs returns every live container id (spec §6 GET /).
func (r *Repository) AllIDs() ([]string, error) {
	ids, err := r.store.SMembers(KeyAllInstances)
	if err != nil {
		return nil, fmt.Errorf("list all instances: %w", err)
	}
	return ids, nil
}

// RemoveUser detaches user from inst's Users list in memory; callers must
// Save (or Forget) afterward to persist the change.
func (i *Instance) RemoveUser(user string) bool {
	return i.removeUser(user)
}

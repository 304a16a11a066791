// Package scheduler is the Scheduler Core (spec §4.5): the assignment
// algorithm, avoid-list handling, port allocation, and the pre-warm queue
// trigger. It is grounded on original_source/blueprints/instances.py and
// original_source/challenges.py, restructured around the State Store
// (spec §4.2) instead of the Python source's module-level dicts (spec §9).
//
// All mutations of scheduler state acquire one exclusive lock held for the
// duration of one logical operation (spec §5, "the simple, correct
// design"); the lock is held across the Runtime Adapter calls it makes.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/logging"
	"github.com/ractf/challenge-broker/internal/store"
)

const (
	assignmentPrefix = "assignment:"
	avoidPrefix      = "avoid:"
)

func assignmentKey(user string) string { return assignmentPrefix + user }
func avoidKey(user string) string      { return avoidPrefix + user }

// Config tunes the parts of the scheduler the spec leaves as constants
// with suggested defaults (spec §4.5.1's "e.g., 32" collision budget).
type Config struct {
	PortRangeLow        int
	PortRangeHigh       int
	PortCollisionBudget int
}

// DefaultConfig matches the values named in spec §4.5.1.
var DefaultConfig = Config{
	PortRangeLow:        1025,
	PortRangeHigh:       65535,
	PortCollisionBudget: 32,
}

// Scheduler implements the assignment algorithm over a Catalog, a Runtime
// Adapter, and an Instance Repository, all backed by one State Store.
type Scheduler struct {
	mu sync.Mutex

	cfg     Config
	store   store.Store
	repo    *instance.Repository
	catalog *catalog.Catalog
	runtime dockerrt.Runtime
	rand    *rand.Rand
}

// New constructs a Scheduler. cfg's zero value is not valid; pass
// DefaultConfig (or a copy with fields overridden) unless the caller needs
// something else.
func New(cfg Config, s store.Store, repo *instance.Repository, cat *catalog.Catalog, rt dockerrt.Runtime) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   s,
		repo:    repo,
		catalog: cat,
		runtime: rt,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// allocatePort picks a random port in [PortRangeLow, PortRangeHigh) not
// already present in the used_ports index, giving up after
// PortCollisionBudget collisions (spec §4.5.1). Must be called with mu held.
func (s *Scheduler) allocatePort() (int, error) {
	for i := 0; i < s.cfg.PortCollisionBudget; i++ {
		candidate := s.cfg.PortRangeLow + s.rand.Intn(s.cfg.PortRangeHigh-s.cfg.PortRangeLow)
		used, err := s.store.SIsMember(instance.KeyUsedPorts, strconv.Itoa(candidate))
		if err != nil {
			return 0, fmt.Errorf("check port availability: %w", err)
		}
		if !used {
			return candidate, nil
		}
	}
	return 0, broker.ErrNoPortAvailable
}

// StartInstance builds and registers a new Instance for challenge (spec
// §4.5.2). It holds the scheduler lock across the Runtime Adapter calls,
// accepting the resulting serialization of container starts (spec §5).
func (s *Scheduler) StartInstance(ctx context.Context, challengeName string) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startInstanceLocked(ctx, challengeName)
}

func (s *Scheduler) startInstanceLocked(ctx context.Context, challengeName string) (*instance.Instance, error) {
	ch, ok := s.catalog.Get(challengeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownChallenge, challengeName)
	}

	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	memLimitBytes := int64(ch.MemLimitMB) * 1048576

	containerID, err := s.runtime.Run(ctx, ch.Name, dockerrt.PortMap{ch.InternalPort: port}, memLimitBytes)
	if err != nil {
		return nil, fmt.Errorf("start instance for %s: %w", challengeName, err)
	}

	inst := &instance.Instance{
		ContainerID:  containerID,
		Challenge:    ch.Name,
		ExternalPort: port,
		StartedAt:    time.Now().Unix(),
		Users:        nil,
		UserLimit:    ch.UserLimit,
	}

	if err := s.repo.Save(inst); err != nil {
		// Compensate for the container we already started, then propagate
		// the original failure (spec §7's "rare case" concession).
		var merr *multierror.Error
		merr = multierror.Append(merr, fmt.Errorf("save instance %s: %w", containerID, err))
		if stopErr := s.runtime.Stop(ctx, containerID, 5); stopErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("compensating stop failed: %w", stopErr))
		}
		return nil, merr.ErrorOrNil()
	}

	if _, err := s.store.Incr(instance.KeyInstanceCount); err != nil {
		logging.S().Warnw("failed to increment instance_count", "err", err)
	}
	if err := s.store.SRem(instance.KeyPrewarmQueue, challengeName); err != nil {
		logging.S().Warnw("failed to clear prewarm queue entry", "challenge", challengeName, "err", err)
	}

	logging.S().Infow("instance event", "action", "start", "challenge", ch.Name, "container", containerID, "port", port)
	return inst, nil
}

// GetInstanceFor assigns user to a live instance of challenge, packing
// onto an existing instance when one has room and isn't on user's
// avoid-list, or starting a fresh one otherwise (spec §4.5.3). Callers
// must have already checked that challenge is known and user has no
// existing assignment.
func (s *Scheduler) GetInstanceFor(ctx context.Context, user, challengeName string) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInstanceForLocked(ctx, user, challengeName)
}

func (s *Scheduler) getInstanceForLocked(ctx context.Context, user, challengeName string) (*instance.Instance, error) {
	candidates, err := s.repo.ListForChallenge(challengeName)
	if err != nil {
		return nil, err
	}

	avoided, err := s.store.SMembers(avoidKey(user))
	if err != nil {
		return nil, fmt.Errorf("read avoid-list for %s: %w", user, err)
	}
	avoidSet := make(map[string]bool, len(avoided))
	for _, id := range avoided {
		avoidSet[id] = true
	}

	for _, inst := range candidates {
		if !inst.HasFreeSeat() {
			continue
		}
		if avoidSet[inst.ContainerID] {
			continue
		}
		return s.attach(ctx, inst, user, challengeName)
	}

	inst, err := s.startInstanceLocked(ctx, challengeName)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, inst, user, challengeName)
}

// attach appends user to inst's Users, persists it, records the
// assignment, and queues a pre-warm if headroom is now thin (spec
// §4.5.3 steps 2-3). Must be called with mu held.
func (s *Scheduler) attach(ctx context.Context, inst *instance.Instance, user, challengeName string) (*instance.Instance, error) {
	freeSeatsAfter := inst.FreeSeatsAfterAttach()
	inst.Users = append(inst.Users, user)

	if err := s.repo.Save(inst); err != nil {
		return nil, fmt.Errorf("attach %s to %s: %w", user, inst.ContainerID, err)
	}
	if err := s.store.Set(assignmentKey(user), inst.ContainerID); err != nil {
		return nil, fmt.Errorf("record assignment for %s: %w", user, err)
	}

	if ch, ok := s.catalog.Get(challengeName); ok && freeSeatsAfter < 2 && ch.CanPrestart {
		if err := s.store.SAdd(instance.KeyPrewarmQueue, challengeName); err != nil {
			logging.S().Warnw("failed to queue prewarm", "challenge", challengeName, "err", err)
		}
	}

	logging.S().Infow("instance event", "action", "attach", "user", user, "challenge", inst.Challenge, "container", inst.ContainerID, "port", inst.ExternalPort)
	return inst, nil
}

// Disconnect removes user's assignment, if any (spec §4.5.4). Idempotent.
func (s *Scheduler) Disconnect(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	containerID, ok, err := s.store.Get(assignmentKey(user))
	if err != nil {
		return fmt.Errorf("read assignment for %s: %w", user, err)
	}
	if !ok {
		return nil
	}

	inst, found, err := s.repo.Get(containerID)
	if err != nil {
		return err
	}
	if found {
		inst.RemoveUser(user)
		if err := s.repo.Save(inst); err != nil {
			return fmt.Errorf("persist disconnect of %s from %s: %w", user, containerID, err)
		}
	}

	if err := s.store.Del(assignmentKey(user)); err != nil {
		return fmt.Errorf("clear assignment for %s: %w", user, err)
	}
	if err := s.store.Del(avoidKey(user)); err != nil {
		return fmt.Errorf("clear avoid-list for %s: %w", user, err)
	}

	logging.S().Infow("instance event", "action", "disconnect", "user", user, "container", containerID)
	return nil
}

// RequestReset moves user off currentInstanceID onto a different instance
// of the same challenge, adding currentInstanceID to user's avoid-list
// first (spec §4.5.5). The vacated instance is not stopped here; the
// cleanup loop reclaims it once it is empty.
func (s *Scheduler) RequestReset(ctx context.Context, user, currentInstanceID string) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned, ok, err := s.store.Get(assignmentKey(user))
	if err != nil {
		return nil, fmt.Errorf("read assignment for %s: %w", user, err)
	}
	if !ok || assigned != currentInstanceID {
		return nil, fmt.Errorf("%w: %s is not assigned to %s", broker.ErrForbidden, user, currentInstanceID)
	}

	current, found, err := s.repo.Get(currentInstanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", broker.ErrNotFound, currentInstanceID)
	}

	current.RemoveUser(user)
	if err := s.repo.Save(current); err != nil {
		return nil, fmt.Errorf("persist reset departure from %s: %w", currentInstanceID, err)
	}
	if err := s.store.SAdd(avoidKey(user), currentInstanceID); err != nil {
		return nil, fmt.Errorf("record avoid-list entry for %s: %w", user, err)
	}
	if err := s.store.Del(assignmentKey(user)); err != nil {
		return nil, fmt.Errorf("clear assignment for %s: %w", user, err)
	}

	logging.S().Infow("instance event", "action", "reset", "user", user, "challenge", current.Challenge, "container", currentInstanceID)

	return s.getInstanceForLocked(ctx, user, current.Challenge)
}

// StopInstance stops inst's container and forgets its record (spec
// §4.5.6). It is only called on instances with no attached users; the
// caller (the cleanup loop, or an explicit admin action) is responsible
// for that precondition.
func (s *Scheduler) StopInstance(ctx context.Context, inst *instance.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopInstanceLocked(ctx, inst)
}

func (s *Scheduler) stopInstanceLocked(ctx context.Context, inst *instance.Instance) error {
	if err := s.runtime.Stop(ctx, inst.ContainerID, 5); err != nil {
		logging.S().Warnw("best-effort container stop failed", "container", inst.ContainerID, "err", err)
	}
	if err := s.repo.Forget(inst); err != nil {
		return fmt.Errorf("forget instance %s: %w", inst.ContainerID, err)
	}
	logging.S().Infow("instance event", "action", "stop", "challenge", inst.Challenge, "container", inst.ContainerID, "port", inst.ExternalPort)
	return nil
}

// Lock exposes the scheduler's mutex to the control loops (internal/control),
// which need to run multi-step, multi-challenge passes under the same
// exclusivity guarantee as a single API operation (spec §4.6, §5).
func (s *Scheduler) Lock() {
	s.mu.Lock()
}

// Unlock releases the lock taken by Lock.
func (s *Scheduler) Unlock() {
	s.mu.Unlock()
}

// Repository exposes the underlying Instance Repository for read paths
// that don't mutate scheduler state (e.g. GET handlers, cleanup's
// read-then-stop pass, which takes Lock/Unlock itself around its own
// StopInstanceLocked calls).
func (s *Scheduler) Repository() *instance.Repository { return s.repo }

// Catalog exposes the underlying Catalog for read paths (e.g. the HTTP
// layer resolving whether a challenge name is known).
func (s *Scheduler) Catalog() *catalog.Catalog { return s.catalog }

// Store exposes the underlying State Store to the control loops, which
// read and add to the pre-warm queue through it.
func (s *Scheduler) Store() store.Store { return s.store }

// StopInstanceLocked stops inst assuming the caller already holds the
// scheduler lock (used by the cleanup loop, which holds the lock across
// an entire per-challenge pass per spec §4.6.1).
func (s *Scheduler) StopInstanceLocked(ctx context.Context, inst *instance.Instance) error {
	return s.stopInstanceLocked(ctx, inst)
}

// StartInstanceLocked starts an instance of challengeName assuming the
// caller already holds the scheduler lock (used by the prestart loop).
func (s *Scheduler) StartInstanceLocked(ctx context.Context, challengeName string) (*instance.Instance, error) {
	return s.startInstanceLocked(ctx, challengeName)
}

// IsAssigned reports whether user currently holds a live assignment, and
// the container id it points to (spec §3 "assignment[user]").
func (s *Scheduler) IsAssigned(user string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	containerID, ok, err := s.store.Get(assignmentKey(user))
	if err != nil {
		return "", false, fmt.Errorf("read assignment for %s: %w", user, err)
	}
	return containerID, ok, nil
}

// InstanceForUser returns the Instance user is currently assigned to, if any.
func (s *Scheduler) InstanceForUser(user string) (*instance.Instance, bool, error) {
	containerID, ok, err := s.IsAssigned(user)
	if err != nil || !ok {
		return nil, ok, err
	}
	return s.repo.Get(containerID)
}

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/config"
	"github.com/ractf/challenge-broker/internal/control"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/logging"
	"github.com/ractf/challenge-broker/internal/scheduler"
	"github.com/ractf/challenge-broker/internal/store"
)

// Broker is the façade composing the Catalog, Scheduler Core, and Control
// Loops into the single object cmd/broker serve constructs. It is the
// thing internal/api is a thin dispatcher in front of (spec §1).
type Broker struct {
	Catalog   *catalog.Catalog
	Scheduler *scheduler.Scheduler
	Loops     *control.Loops
	Runtime   dockerrt.Runtime
	Store     store.Store
}

// New wires a Broker together. It does not yet build any images or start
// any instances; call Bootstrap for that.
func New(cfg *config.Config, st store.Store, rt dockerrt.Runtime) *Broker {
	repo := instance.NewRepository(st)
	cat := catalog.New(rt, cfg.Tunables.ChallengeDir)
	schedCfg := scheduler.Config{
		PortRangeLow:        cfg.Tunables.PortRangeLow,
		PortRangeHigh:       cfg.Tunables.PortRangeHigh,
		PortCollisionBudget: cfg.Tunables.PortCollisionBudget,
	}
	sched := scheduler.New(schedCfg, st, repo, cat, rt)
	loops := control.New(
		sched,
		secondsOrDefault(cfg.Tunables.CleanupInterval, control.DefaultCleanupInterval),
		secondsOrDefault(cfg.Tunables.PrestartInterval, control.DefaultPrestartInterval),
	)

	return &Broker{
		Catalog:   cat,
		Scheduler: sched,
		Loops:     loops,
		Runtime:   rt,
		Store:     st,
	}
}

// Bootstrap runs the Catalog's startup sequence (spec §4.3): discover and
// build every challenge, then seed one warm instance for each surviving
// can_prestart challenge.
func (b *Broker) Bootstrap(ctx context.Context) error {
	failed, err := b.Catalog.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	if len(failed) > 0 {
		logging.S().Warnw("some challenges failed to build and were dropped", "challenges", failed)
	}

	for _, ch := range b.Catalog.All() {
		if !ch.CanPrestart {
			continue
		}
		if _, err := b.Scheduler.StartInstance(ctx, ch.Name); err != nil {
			logging.S().Warnw("failed to seed warm instance", "challenge", ch.Name, "err", err)
		}
	}
	return nil
}

// Stats is the projection returned by GET /stats (spec §6). CurrentUsers
// counts distinct users across every live instance's Users list (spec §9's
// resolution of the source's unpopulated 'users' set question); invariant
// 5 guarantees each user appears in at most one instance, so a straight
// sum is already the distinct count.
type Stats struct {
	CurrentInstances int `json:"current_instances"`
	TotalInstances   int `json:"total_instances"`
	CurrentUsers     int `json:"current_users"`
	Challenges       int `json:"challenges"`
}

// Stats computes the current fleet snapshot.
func (b *Broker) Stats() (Stats, error) {
	ids, err := b.Scheduler.Repository().AllIDs()
	if err != nil {
		return Stats{}, err
	}

	currentUsers := 0
	for _, id := range ids {
		inst, ok, err := b.Scheduler.Repository().Get(id)
		if err != nil {
			return Stats{}, err
		}
		if ok {
			currentUsers += len(inst.Users)
		}
	}

	total := 0
	if raw, ok, err := b.Store.Get(instance.KeyInstanceCount); err == nil && ok {
		fmt.Sscanf(raw, "%d", &total)
	}

	return Stats{
		CurrentInstances: len(ids),
		TotalInstances:   total,
		CurrentUsers:     currentUsers,
		Challenges:       b.Catalog.Count(),
	}, nil
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Package control implements the two background loops (spec §4.6):
// cleanup, which garbage-collects idle instances and queues pre-warms,
// and prestart, which drains the pre-warm queue. Both run on
// time.Ticker-driven goroutines with context-based graceful shutdown, per
// spec §9's design note that the Python source's one-shot
// threading.Timer calls are meant to recur for the process lifetime.
package control

import (
	"context"
	"sort"
	"time"

	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/logging"
	"github.com/ractf/challenge-broker/internal/scheduler"
)

// Periods match spec §4.6's defaults.
const (
	DefaultCleanupInterval  = 30 * time.Second
	DefaultPrestartInterval = 5 * time.Second
)

// Loops owns the two periodic goroutines and lets the caller stop them
// together.
type Loops struct {
	sched             *scheduler.Scheduler
	cleanupInterval   time.Duration
	prestartInterval  time.Duration
}

// New constructs a Loops bound to sched, with the given periods.
func New(sched *scheduler.Scheduler, cleanupInterval, prestartInterval time.Duration) *Loops {
	return &Loops{sched: sched, cleanupInterval: cleanupInterval, prestartInterval: prestartInterval}
}

// Run blocks, driving both loops on their own tickers, until ctx is
// cancelled. Call it from a goroutine and cancel ctx for graceful shutdown.
func (l *Loops) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(l.cleanupInterval)
	prestartTicker := time.NewTicker(l.prestartInterval)
	defer cleanupTicker.Stop()
	defer prestartTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.S().Infow("control loops stopping")
			return
		case <-cleanupTicker.C:
			l.cleanup(ctx)
		case <-prestartTicker.C:
			l.prestart(ctx)
		}
	}
}

// cleanup implements spec §4.6.1. It holds the scheduler lock across one
// challenge's pass, consistent with spec §5's "observe a consistent
// snapshot only within one iteration of one challenge".
func (l *Loops) cleanup(ctx context.Context) {
	catalog := l.sched.Catalog()
	for _, ch := range catalog.All() {
		l.cleanupChallenge(ctx, ch.Name)
	}
}

func (l *Loops) cleanupChallenge(ctx context.Context, challengeName string) {
	l.sched.Lock()
	defer l.sched.Unlock()

	instances, err := l.sched.Repository().ListForChallenge(challengeName)
	if err != nil {
		logging.S().Warnw("cleanup: failed to list instances", "challenge", challengeName, "err", err)
		return
	}

	ch, ok := l.sched.Catalog().Get(challengeName)
	if !ok {
		// Challenge was deleted mid-pass. Later passes only visit
		// challenges still in the Catalog, so its instances are not
		// stopped by the cleanup loop.
		return
	}

	var empty []*instance.Instance
	hasFreeInstance := false
	for _, inst := range instances {
		if inst.Empty() {
			empty = append(empty, inst)
		}
		if len(inst.Users)+2 <= inst.UserLimit {
			hasFreeInstance = true
		}
	}

	// Sort ascending by StartedAt so index 0 is the oldest; keep only the
	// youngest empty instance as a warm spare (spec §4.6.1 steps 3-4).
	sort.Slice(empty, func(i, j int) bool { return empty[i].StartedAt < empty[j].StartedAt })
	for _, inst := range empty[:max(0, len(empty)-1)] {
		if err := l.sched.StopInstanceLocked(ctx, inst); err != nil {
			logging.S().Warnw("cleanup: failed to stop idle instance", "container", inst.ContainerID, "err", err)
		}
	}

	if !hasFreeInstance && ch.CanPrestart {
		if err := l.sched.Store().SAdd(instance.KeyPrewarmQueue, challengeName); err != nil {
			logging.S().Warnw("cleanup: failed to queue prewarm", "challenge", challengeName, "err", err)
		}
	}
}

// prestart implements spec §4.6.2: drain the pre-warm queue one challenge
// at a time, leaving entries that fail to start for the next pass.
func (l *Loops) prestart(ctx context.Context) {
	l.sched.Lock()
	defer l.sched.Unlock()

	pending, err := l.sched.Store().SMembers(instance.KeyPrewarmQueue)
	if err != nil {
		logging.S().Warnw("prestart: failed to read prewarm queue", "err", err)
		return
	}

	for _, challengeName := range pending {
		if _, err := l.sched.StartInstanceLocked(ctx, challengeName); err != nil {
			logging.S().Warnw("prestart: failed to start instance", "challenge", challengeName, "err", err)
			continue
		}
		// StartInstanceLocked already removes challengeName from the
		// queue on success (spec §4.5.2 step 5).
	}
}

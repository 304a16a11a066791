// Package catalog is the Catalog (spec §4.3): it discovers challenge
// manifests on disk, builds their images through the Runtime Adapter, and
// tracks which challenges are live. It is grounded on
// original_source/challenges.py's module-level build_image loop and on
// the teacher's pkg/build/docker.go image-build flow.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/logging"
)

// Challenge is a static template for instances (spec §3).
type Challenge struct {
	Name            string `json:"name"`
	InternalPort    int    `json:"internal_port"`
	MemLimitMB      int    `json:"mem_limit_mb"`
	UserLimit       int    `json:"user_limit"`
	LifetimeSeconds int    `json:"lifetime_seconds"`
	CanPrestart     bool   `json:"can_prestart"`
}

// Catalog holds the set of challenges that built successfully. It is
// read-mostly after boot (spec §4.3); LoadAll, AddChallenge and
// DeleteChallenge are the mutators, and all of them take the Catalog's own
// mutex rather than relying on the scheduler lock.
type Catalog struct {
	mu         sync.RWMutex
	challenges map[string]Challenge
	runtime    dockerrt.Runtime
	dir        string
}

// New constructs an empty Catalog that builds challenge images found
// under dir through runtime.
func New(runtime dockerrt.Runtime, dir string) *Catalog {
	return &Catalog{
		challenges: make(map[string]Challenge),
		runtime:    runtime,
		dir:        dir,
	}
}

// manifestFile is the on-disk schema at challenges/<name>/challenge.json
// (spec §6 "On-disk layout").
type manifestFile struct {
	Port            int  `json:"port"`
	MemLimitMB      int  `json:"mem_limit"`
	UserLimit       int  `json:"user_limit"`
	LifetimeSeconds int  `json:"lifetime"`
	CanPrestart     bool `json:"can_prestart"`
}

// Discover lists the subdirectories of the catalog's challenge directory,
// each expected to hold a challenge.json manifest plus a Dockerfile build
// context (spec §4.3 step 1).
func (c *Catalog) Discover() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge directory %s: %w", c.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LoadAll discovers and builds every challenge, in parallel, dropping any
// whose build fails (spec §4.3 steps 1-3). It returns the names that
// failed to build, for logging/reporting.
func (c *Catalog) LoadAll(ctx context.Context) (failed []string, err error) {
	names, err := c.Discover()
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		failedSet []string
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := c.buildAndRegister(gctx, name); err != nil {
				logging.S().Warnw("challenge build failed, dropping", "challenge", name, "err", err)
				mu.Lock()
				failedSet = append(failedSet, name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failedSet, nil
}

// buildAndRegister builds name's image and, on success, registers its
// Challenge entry. It does not start a pre-warm instance; that is the
// Broker's job once the whole Catalog has finished loading, so that a
// burst of container starts at boot doesn't race the initial build fan-out.
func (c *Catalog) buildAndRegister(ctx context.Context, name string) error {
	dir := filepath.Join(c.dir, name)
	manifestPath := filepath.Join(dir, "challenge.json")

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifestFile
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	logging.S().Infow("building challenge image", "challenge", name)
	if err := c.runtime.BuildImage(ctx, name, dir); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrBuildFailed, err)
	}

	c.mu.Lock()
	c.challenges[name] = Challenge{
		Name:            name,
		InternalPort:    m.Port,
		MemLimitMB:      m.MemLimitMB,
		UserLimit:       m.UserLimit,
		LifetimeSeconds: m.LifetimeSeconds,
		CanPrestart:     m.CanPrestart,
	}
	c.mu.Unlock()
	return nil
}

// Get returns the Challenge named name, if the Catalog currently carries it.
func (c *Catalog) Get(name string) (Challenge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.challenges[name]
	return ch, ok
}

// All returns a snapshot of every registered Challenge.
func (c *Catalog) All() []Challenge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Challenge, 0, len(c.challenges))
	for _, ch := range c.challenges {
		out = append(out, ch)
	}
	return out
}

// Count returns the number of registered challenges, for /stats.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.challenges)
}

// AddChallenge builds name's image (which may block for a while) and only
// registers it in the Catalog once the build succeeds — the atomic
// build-then-register sequence called for in spec §9's design note, fixing
// the source's fire-and-forget Thread(target=build_image) that never
// joined the catalog update.
func (c *Catalog) AddChallenge(ctx context.Context, ch Challenge) error {
	dir := filepath.Join(c.dir, ch.Name)
	if err := c.runtime.BuildImage(ctx, ch.Name, dir); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrBuildFailed, err)
	}
	c.mu.Lock()
	c.challenges[ch.Name] = ch
	c.mu.Unlock()
	return nil
}

// DeleteChallenge removes the Challenge entry only; existing Instances are
// left running (spec §4.3 "deletion" lifecycle). The cleanup loop only
// visits challenges still in the Catalog, so it does not stop them.
func (c *Catalog) DeleteChallenge(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.challenges, name)
}

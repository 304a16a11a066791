package control_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/control"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/scheduler"
	"github.com/ractf/challenge-broker/internal/store"
)

func writeChallenge(t *testing.T, dir, name string, userLimit int, canPrestart bool) {
	t.Helper()
	challengeDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(challengeDir, 0o755))
	manifest := map[string]interface{}{
		"port":         9000,
		"mem_limit":    64,
		"user_limit":   userLimit,
		"lifetime":     600,
		"can_prestart": canPrestart,
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(challengeDir, "challenge.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(challengeDir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
}

// Scenario 5: cleanup stops all empty instances but the youngest.
func TestCleanupKeepsYoungestEmptyInstance(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromClient(client)

	dir := t.TempDir()
	writeChallenge(t, dir, "ch", 4, false)

	rt := dockerrt.NewFake()
	cat := catalog.New(rt, dir)
	_, err = cat.LoadAll(context.Background())
	require.NoError(t, err)

	repo := instance.NewRepository(st)
	sched := scheduler.New(scheduler.DefaultConfig, st, repo, cat, rt)

	x := &instance.Instance{ContainerID: "X", Challenge: "ch", ExternalPort: 9001, StartedAt: 0, UserLimit: 4}
	y := &instance.Instance{ContainerID: "Y", Challenge: "ch", ExternalPort: 9002, StartedAt: 10, UserLimit: 4}
	z := &instance.Instance{ContainerID: "Z", Challenge: "ch", ExternalPort: 9003, StartedAt: 20, UserLimit: 4, Users: []string{"u1"}}
	require.NoError(t, repo.Save(x))
	require.NoError(t, repo.Save(y))
	require.NoError(t, repo.Save(z))

	// A fast cleanup tick and a prestart interval long enough to never
	// fire keeps this test exercising only the cleanup pass.
	loops := control.New(sched, 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loops.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok, err := repo.Get("X")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond, "X (oldest empty) should be stopped")

	_, ok, err := repo.Get("Y")
	require.NoError(t, err)
	assert.True(t, ok, "Y (youngest empty) should survive as the warm spare")

	_, ok, err = repo.Get("Z")
	require.NoError(t, err)
	assert.True(t, ok, "Z (has a user) should survive")
}

func TestPrestartDrainsQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromClient(client)

	dir := t.TempDir()
	writeChallenge(t, dir, "ch", 4, true)

	rt := dockerrt.NewFake()
	cat := catalog.New(rt, dir)
	_, err = cat.LoadAll(context.Background())
	require.NoError(t, err)

	repo := instance.NewRepository(st)
	sched := scheduler.New(scheduler.DefaultConfig, st, repo, cat, rt)

	require.NoError(t, st.SAdd(instance.KeyPrewarmQueue, "ch"))

	loops := control.New(sched, time.Hour, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loops.Run(ctx)

	require.Eventually(t, func() bool {
		ids, err := repo.AllIDs()
		return err == nil && len(ids) == 1
	}, time.Second, 5*time.Millisecond, "prestart should start one instance for ch")

	queued, err := st.SIsMember(instance.KeyPrewarmQueue, "ch")
	require.NoError(t, err)
	assert.False(t, queued)
}

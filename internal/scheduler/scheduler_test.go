package scheduler_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/catalog"
	"github.com/ractf/challenge-broker/internal/dockerrt"
	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/scheduler"
	"github.com/ractf/challenge-broker/internal/store"
)

type testManifest struct {
	Port        int  `json:"port"`
	MemLimitMB  int  `json:"mem_limit"`
	UserLimit   int  `json:"user_limit"`
	Lifetime    int  `json:"lifetime"`
	CanPrestart bool `json:"can_prestart"`
}

// writeChallenge stages challenges/<name>/challenge.json (and a minimal
// Dockerfile the Fake runtime never actually reads) under dir.
func writeChallenge(t *testing.T, dir, name string, m testManifest) {
	t.Helper()
	challengeDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(challengeDir, 0o755))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(challengeDir, "challenge.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(challengeDir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
}

type fixture struct {
	sched *scheduler.Scheduler
	cat   *catalog.Catalog
	rt    *dockerrt.Fake
	store store.Store
}

func newFixture(t *testing.T, challenges map[string]testManifest) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromClient(client)

	dir := t.TempDir()
	for name, m := range challenges {
		writeChallenge(t, dir, name, m)
	}

	rt := dockerrt.NewFake()
	cat := catalog.New(rt, dir)
	_, err = cat.LoadAll(context.Background())
	require.NoError(t, err)

	repo := instance.NewRepository(st)
	sched := scheduler.New(scheduler.DefaultConfig, st, repo, cat, rt)

	return &fixture{sched: sched, cat: cat, rt: rt, store: st}
}

// Scenario 1: single user, cold start.
func TestColdStartAssignsSingleUser(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: false},
	})

	inst, err := f.sched.GetInstanceFor(context.Background(), "alice", "echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, inst.Users)
	assert.NotEmpty(t, inst.ContainerID)
	assert.GreaterOrEqual(t, inst.ExternalPort, 1025)
	assert.Less(t, inst.ExternalPort, 65535)

	ids, err := f.sched.Repository().AllIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

// Scenario 2: packing then overflow to a new instance.
func TestPackingThenOverflow(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: false},
	})
	ctx := context.Background()

	var containerID string
	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		inst, err := f.sched.GetInstanceFor(ctx, user, "echo")
		require.NoError(t, err)
		if containerID == "" {
			containerID = inst.ContainerID
		} else {
			assert.Equal(t, containerID, inst.ContainerID)
		}
	}

	fifth, err := f.sched.GetInstanceFor(ctx, "u5", "echo")
	require.NoError(t, err)
	assert.NotEqual(t, containerID, fifth.ContainerID)
}

// Scenario 3: pre-warm trigger at 2-free-seats headroom.
func TestPrewarmTriggersAtTwoFreeSeats(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: true},
	})
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := f.sched.GetInstanceFor(ctx, user, "echo")
		require.NoError(t, err)
	}

	queued, err := f.store.SIsMember(instance.KeyPrewarmQueue, "echo")
	require.NoError(t, err)
	assert.True(t, queued, "prewarm_queue should contain echo once only one seat remains")

	// The next prestart tick drains the queue into a second instance.
	second, err := f.sched.StartInstance(ctx, "echo")
	require.NoError(t, err)
	assert.NotEmpty(t, second.ContainerID)

	queued, err = f.store.SIsMember(instance.KeyPrewarmQueue, "echo")
	require.NoError(t, err)
	assert.False(t, queued, "starting the instance should clear the queue entry")
}

// Scenario 4: reset moves a user to a different instance and grows the avoid-list.
func TestResetMovesUserAndGrowsAvoidList(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: false},
	})
	ctx := context.Background()

	a, err := f.sched.GetInstanceFor(ctx, "u1", "echo")
	require.NoError(t, err)

	// Seed a second instance B with room, so reset has somewhere to land.
	b, err := f.sched.StartInstance(ctx, "echo")
	require.NoError(t, err)
	require.NotEqual(t, a.ContainerID, b.ContainerID)

	reassigned, err := f.sched.RequestReset(ctx, "u1", a.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, b.ContainerID, reassigned.ContainerID)

	avoided, err := f.store.SMembers("avoid:u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ContainerID}, avoided)

	// Second reset, with nowhere free to land, creates a third instance C.
	_, err = f.sched.RequestReset(ctx, "u1", b.ContainerID)
	require.NoError(t, err)

	avoided, err = f.store.SMembers("avoid:u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ContainerID, b.ContainerID}, avoided)
}

func TestResetForbiddenWhenNotAssigned(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: false},
	})
	ctx := context.Background()

	_, err := f.sched.RequestReset(ctx, "ghost", "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrForbidden)
}

// Scenario 6: disconnecting a user with no assignment is a no-op.
func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]testManifest{
		"echo": {Port: 9000, MemLimitMB: 64, UserLimit: 4, Lifetime: 600, CanPrestart: false},
	})

	require.NoError(t, f.sched.Disconnect("nobody"))

	ctx := context.Background()
	inst, err := f.sched.GetInstanceFor(ctx, "u1", "echo")
	require.NoError(t, err)

	require.NoError(t, f.sched.Disconnect("u1"))
	_, ok, err := f.sched.IsAssigned("u1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := f.sched.Repository().Get(inst.ContainerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, got.Users, "u1")
}

func TestUnknownChallengeRejected(t *testing.T) {
	f := newFixture(t, map[string]testManifest{})
	_, err := f.sched.GetInstanceFor(context.Background(), "u1", "nope")
	require.Error(t, err)
}

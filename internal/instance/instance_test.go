package instance_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ractf/challenge-broker/internal/instance"
	"github.com/ractf/challenge-broker/internal/store"
)

func newTestRepo(t *testing.T) *instance.Repository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return instance.NewRepository(store.NewFromClient(client))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	inst := &instance.Instance{
		ContainerID:  "c1",
		Challenge:    "echo",
		ExternalPort: 9001,
		StartedAt:    1000,
		Users:        []string{"alice"},
		UserLimit:    4,
	}
	require.NoError(t, repo.Save(inst))

	got, ok, err := repo.Get("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inst, got)
}

func TestSaveUpdatesIndices(t *testing.T) {
	repo := newTestRepo(t)

	inst := &instance.Instance{ContainerID: "c1", Challenge: "echo", ExternalPort: 9001, UserLimit: 4}
	require.NoError(t, repo.Save(inst))

	ids, err := repo.AllIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, "c1")

	challengeInstances, err := repo.ListForChallenge("echo")
	require.NoError(t, err)
	require.Len(t, challengeInstances, 1)
	assert.Equal(t, "c1", challengeInstances[0].ContainerID)
}

func TestForgetRemovesRecordAndIndices(t *testing.T) {
	repo := newTestRepo(t)

	inst := &instance.Instance{ContainerID: "c1", Challenge: "echo", ExternalPort: 9001, UserLimit: 4}
	require.NoError(t, repo.Save(inst))
	require.NoError(t, repo.Forget(inst))

	_, ok, err := repo.Get("c1")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := repo.AllIDs()
	require.NoError(t, err)
	assert.NotContains(t, ids, "c1")

	challengeInstances, err := repo.ListForChallenge("echo")
	require.NoError(t, err)
	assert.Empty(t, challengeInstances)
}

func TestInstanceHelpers(t *testing.T) {
	inst := &instance.Instance{Users: []string{"a", "b"}, UserLimit: 4}
	assert.True(t, inst.HasFreeSeat())
	assert.Equal(t, 1, inst.FreeSeatsAfterAttach())
	assert.False(t, inst.Empty())

	assert.True(t, inst.RemoveUser("a"))
	assert.Equal(t, []string{"b"}, inst.Users)
	assert.False(t, inst.RemoveUser("a"))
}

package store_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ractf/challenge-broker/internal/store"
)

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return store.NewFromClient(client)
}

func TestGetSetDel(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("key", "value"))
	v, ok, err := s.Get("key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	require.NoError(t, s.Del("key"))
	_, ok, err = s.Get("key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncr(t *testing.T) {
	s := newTestStore(t)

	v, err := s.Incr("counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.Incr("counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestSetOperations(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SAdd("myset", "a"))
	require.NoError(t, s.SAdd("myset", "b"))

	card, err := s.SCard("myset")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	isMember, err := s.SIsMember("myset", "a")
	require.NoError(t, err)
	assert.True(t, isMember)

	members, err := s.SMembers("myset")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem("myset", "a"))
	isMember, err = s.SIsMember("myset", "a")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestPipelineAppliesEveryOp(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Pipeline(
		store.SetOp("container-1", `{"challenge":"echo"}`),
		store.SAddOp("used_ports", "9001"),
		store.SAddOp("all_instances", "container-1"),
	))

	v, ok, err := s.Get("container-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, v, "echo")

	isMember, err := s.SIsMember("all_instances", "container-1")
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestFlushDB(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("key", "value"))
	require.NoError(t, s.FlushDB())

	_, ok, err := s.Get("key")
	require.NoError(t, err)
	assert.False(t, ok)
}

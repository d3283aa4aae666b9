package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ Heartbeats = (*RedisHeartbeats)(nil)
	_ Heartbeats = (*MemoryHeartbeats)(nil)
)

type mockReleaser struct {
	mu        sync.Mutex
	released  []string
	releaseFn func(node string) error
}

func (m *mockReleaser) ReleaseDeadNode(ctx context.Context, node string) (store.DeadNodeRelease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseFn != nil {
		if err := m.releaseFn(node); err != nil {
			return store.DeadNodeRelease{}, err
		}
	}
	m.released = append(m.released, node)
	return store.DeadNodeRelease{Released: 1}, nil
}

func newMonitor(hb Heartbeats, r Releaser, node string) *Monitor {
	return NewMonitor(hb, r, nil, zap.NewNop().Sugar(), Options{Node: node, Interval: time.Second, TTL: 3 * time.Second})
}

func TestMonitor_ReleasesExpiredPeers(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	hb := NewMemoryHeartbeats(clk)
	releaser := &mockReleaser{}

	a := newMonitor(hb, releaser, "node-a")
	b := newMonitor(hb, &mockReleaser{}, "node-b")
	a.Tick(ctx)
	b.Tick(ctx)

	clk.Advance(2 * time.Second)
	a.Tick(ctx)
	assert.Empty(t, releaser.released, "node-b is still within its ttl")

	clk.Advance(2 * time.Second)
	a.Tick(ctx)
	assert.Equal(t, []string{"node-b"}, releaser.released)

	members, err := hb.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, members)

	a.Tick(ctx)
	assert.Len(t, releaser.released, 1, "a forgotten node is released once")
}

func TestMonitor_KeepsPeerWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	hb := NewMemoryHeartbeats(clk)
	require.NoError(t, hb.Beat(ctx, "node-b", time.Second))
	clk.Advance(5 * time.Second)

	failing := true
	releaser := &mockReleaser{releaseFn: func(node string) error {
		if failing {
			return errors.New("store down")
		}
		return nil
	}}
	a := newMonitor(hb, releaser, "node-a")

	a.Tick(ctx)
	members, err := hb.Members(ctx)
	require.NoError(t, err)
	assert.Contains(t, members, "node-b")

	failing = false
	a.Tick(ctx)
	assert.Equal(t, []string{"node-b"}, releaser.released)
}

func TestMonitor_RunForgetsSelfOnShutdown(t *testing.T) {
	hb := NewMemoryHeartbeats(nil)
	m := NewMonitor(hb, &mockReleaser{}, nil, zap.NewNop().Sugar(), Options{Node: "node-a", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Run(ctx))
	}()

	require.Eventually(t, func() bool {
		alive, _ := hb.Alive(context.Background(), "node-a")
		return alive
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	members, err := hb.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisHeartbeats_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	hb := NewRedisHeartbeats(client, "test")

	ctx := context.Background()
	assert.Error(t, hb.Beat(ctx, "node-a", time.Second))
	_, err := hb.Members(ctx)
	assert.Error(t, err)
	_, err = hb.Alive(ctx, "node-a")
	assert.Error(t, err)
}

func TestRedisHeartbeats_Keys(t *testing.T) {
	hb := NewRedisHeartbeats(nil, "")
	assert.Equal(t, "gofire:nodes", hb.membersKey())
	assert.Equal(t, "gofire:nodes:node-a", hb.nodeKey("node-a"))
}

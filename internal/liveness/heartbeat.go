// Package liveness tracks which nodes are alive through expiring
// heartbeats and hands the work of a node that stopped beating back to
// the cluster.
package liveness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Heartbeats is where nodes announce themselves.
type Heartbeats interface {
	// Beat marks node alive for ttl.
	Beat(ctx context.Context, node string, ttl time.Duration) error
	// Members lists every node that has beaten and not been forgotten.
	Members(ctx context.Context) ([]string, error)
	Alive(ctx context.Context, node string) (bool, error)
	Forget(ctx context.Context, node string) error
}

// RedisHeartbeats keeps one expiring key per node plus a set of members.
type RedisHeartbeats struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisHeartbeats(client redis.UniversalClient, prefix string) *RedisHeartbeats {
	if prefix == "" {
		prefix = "gofire"
	}
	return &RedisHeartbeats{client: client, prefix: prefix}
}

func (r *RedisHeartbeats) membersKey() string {
	return r.prefix + ":nodes"
}

func (r *RedisHeartbeats) nodeKey(node string) string {
	return r.prefix + ":nodes:" + node
}

func (r *RedisHeartbeats) Beat(ctx context.Context, node string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.nodeKey(node), time.Now().UTC().Format(time.RFC3339Nano), ttl)
		p.SAdd(ctx, r.membersKey(), node)
		return nil
	})
	return errors.Wrapf(err, "heartbeat of %s", node)
}

func (r *RedisHeartbeats) Members(ctx context.Context) ([]string, error) {
	nodes, err := r.client.SMembers(ctx, r.membersKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	sort.Strings(nodes)
	return nodes, nil
}

func (r *RedisHeartbeats) Alive(ctx context.Context, node string) (bool, error) {
	n, err := r.client.Exists(ctx, r.nodeKey(node)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check %s", node)
	}
	return n > 0, nil
}

func (r *RedisHeartbeats) Forget(ctx context.Context, node string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.nodeKey(node))
		p.SRem(ctx, r.membersKey(), node)
		return nil
	})
	return errors.Wrapf(err, "forget %s", node)
}

// MemoryHeartbeats is the process-local variant used with the in-memory store.
type MemoryHeartbeats struct {
	clock clock.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryHeartbeats(clk clock.Clock) *MemoryHeartbeats {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryHeartbeats{clock: clk, expires: make(map[string]time.Time)}
}

func (m *MemoryHeartbeats) Beat(ctx context.Context, node string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[node] = m.clock.Now().Add(ttl)
	return nil
}

func (m *MemoryHeartbeats) Members(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]string, 0, len(m.expires))
	for n := range m.expires {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

func (m *MemoryHeartbeats) Alive(ctx context.Context, node string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[node]
	return ok && m.clock.Now().Before(exp), nil
}

func (m *MemoryHeartbeats) Forget(ctx context.Context, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, node)
	return nil
}

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store durably persists one State per planId. It is the coordinator's
// only requirement on external storage, grounded on the teacher's
// RedisStatus key-per-job pattern but storing the full nested record as a
// single JSON blob (the state's sets and maps don't flatten into a Redis
// hash the way the teacher's flat Status struct did).
type Store interface {
	Load(ctx context.Context, planID string) (*State, error) // nil, nil if absent
	Save(ctx context.Context, s *State) error
}

// RedisStore is the production Store backed by go-redis.
type RedisStore struct {
	client *redis.Client
	keyNS  string
}

// NewRedisStore connects to redisURL and verifies connectivity.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordinator: redis ping: %w", err)
	}
	return &RedisStore{client: c, keyNS: "plan"}, nil
}

func (r *RedisStore) key(planID string) string {
	return fmt.Sprintf("%s:%s:state", r.keyNS, planID)
}

func (r *RedisStore) Load(ctx context.Context, planID string) (*State, error) {
	raw, err := r.client.Get(ctx, r.key(planID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("coordinator: decode state for %s: %w", planID, err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("coordinator: encode state for %s: %w", s.PlanID, err)
	}
	// No TTL: a plan's durable record outlives the pipeline run so late
	// queries (and audits of failed plans) still resolve it.
	return r.client.Set(ctx, r.key(s.PlanID), raw, 0).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

// memoryStore is an in-process Store used by tests.
type memoryStore struct {
	states map[string]*State
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]*State{}}
}

func (m *memoryStore) Load(_ context.Context, planID string) (*State, error) {
	s, ok := m.states[planID]
	if !ok {
		return nil, nil
	}
	return s.clone(), nil
}

func (m *memoryStore) Save(_ context.Context, s *State) error {
	m.states[s.PlanID] = s.clone()
	return nil
}

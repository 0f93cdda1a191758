// Package limiter bounds and circuit-breaks concurrent outbound calls to
// one external collaborator, adapted from the teacher's per-provider/model
// adaptive breaker (internal/limiter/limiter.go): the same Redis-backed
// cooldown-with-exponential-backoff plus an in-process inflight semaphore,
// collapsed from a two-part provider:model key down to a single stage
// name, since the plan pipeline has one external collaborator (the
// compute container) addressed by stage rather than many AI providers.
package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Adaptive is a per-stage circuit breaker plus inflight-call semaphore.
type Adaptive struct {
	rdb         *redis.Client
	maxInflight int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	mu          sync.Mutex
	sem         map[string]chan struct{}
}

// Options configures an Adaptive limiter.
type Options struct {
	RedisURL    string
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New connects to Redis and builds an Adaptive limiter.
func New(opts Options) (*Adaptive, error) {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 10 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	ro, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(ro)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Adaptive{
		rdb: c, maxInflight: opts.MaxInflight, baseBackoff: opts.BaseBackoff, maxBackoff: opts.MaxBackoff,
		sem: map[string]chan struct{}{},
	}, nil
}

func (a *Adaptive) key(stage string) string {
	return fmt.Sprintf("cb:container:%s", strings.ToLower(stage))
}

// IsOpen reports whether stage's breaker is open (cooldown active).
func (a *Adaptive) IsOpen(ctx context.Context, stage string) bool {
	k := a.key(stage)
	ts, err := a.rdb.Get(ctx, k).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open sets/extends stage's cooldown with exponential backoff per attempt.
func (a *Adaptive) Open(ctx context.Context, stage string) {
	k := a.key(stage)
	cntKey := k + ":attempts"
	attempts, _ := a.rdb.Incr(ctx, cntKey).Result()
	if attempts < 1 {
		attempts = 1
	}
	d := a.baseBackoff * (1 << (attempts - 1))
	if d > a.maxBackoff {
		d = a.maxBackoff
	}
	until := time.Now().Add(d).Unix()
	_ = a.rdb.Set(ctx, k, until, d).Err()
}

// Close resets stage's breaker after a successful call.
func (a *Adaptive) Close(ctx context.Context, stage string) {
	k := a.key(stage)
	_ = a.rdb.Del(ctx, k, k+":attempts").Err()
}

// Allow reserves a local in-process inflight slot for stage. The returned
// func releases it; ok is false when the stage is already at max inflight.
func (a *Adaptive) Allow(stage string) (func(), bool) {
	key := strings.ToLower(stage)
	a.mu.Lock()
	ch, ok := a.sem[key]
	if !ok {
		ch = make(chan struct{}, a.maxInflight)
		a.sem[key] = ch
	}
	a.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return func() {}, false
	}
}

// CloseClient releases the limiter's Redis connection.
func (a *Adaptive) CloseClient() error { return a.rdb.Close() }

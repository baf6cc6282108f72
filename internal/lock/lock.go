// Package lock serializes work per key (one invoice at a time).
//
// Local serves a single process. Redis extends the guarantee across engine
// processes that share a ledger.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/pairwise/internal/ir"
)

// Locker acquires an exclusive lock on a key. The returned unlock function
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process Locker: one channel semaphore per key, dropped when
// the last holder or waiter leaves.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx ends.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.leave(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.leave(key, s)
		})
	}, nil
}

func (l *Local) leave(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held returns the number of keys currently locked or awaited.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// ErrBusy is wrapped by Redis.Lock when another process holds the key past
// the caller's deadline.
var ErrBusy = errors.New("lock held by another process")

// RedisConfig configures the Redis locker.
type RedisConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
	// Wait bounds how long Lock retries when the caller's context has no
	// deadline.
	Wait time.Duration `json:"wait" yaml:"wait"`
}

// Redis is a Locker backed by bsm/redislock.
type Redis struct {
	client *redislock.Client
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedis connects to Redis and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisWithClient(rdb, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "pairwise:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = cfg.TTL
	}
	return &Redis{
		client: redislock.New(rdb),
		rdb:    rdb,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		wait:   cfg.Wait,
	}
}

// Lock obtains the key, retrying with linear backoff until the context
// deadline (or the configured wait) passes.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}
	lk, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		e := ir.Errorf(ir.KindStateConflict, "Lock", "%s is being changed by another process", key)
		e.Err = ErrBusy
		return nil, e
	}
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The lock expires on its own if release fails.
			_ = lk.Release(context.Background())
		})
	}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

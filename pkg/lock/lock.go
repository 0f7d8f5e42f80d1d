package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/util"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock", fx.Provide(ProvideLocker))

var ErrNotAcquired = errors.New("lock: not acquired")

// Unlock releases a held lock. Calling it more than once is safe.
type Unlock func()

type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

// ProvideLocker uses Redis when a client is wired, the in-process locker otherwise.
func ProvideLocker(p Params) Locker {
	if p.Redis != nil {
		zap.L().Info("[Lock] using redis locker", zap.Duration("ttl", p.Config.Lock.TTL))
		return NewRedisLocker(p.Redis, p.Config.Lock.TTL, p.Config.Lock.RetryInterval)
	}
	zap.L().Info("[Lock] using in-process locker")
	return NewLocalLocker()
}

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is a keyed mutex. Entries are dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*entry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker is a SET NX PX lock with token-checked release, shared across replicas.
type RedisLocker struct {
	client redisClient
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redisClient, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	token := util.GenerateToken(16)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release must not be cancelled with the caller's context
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
				zap.L().Warn("[Lock] release failed, lock will expire", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"commissioner/internal/task"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "commissioner:"
	minKeepalive     = 10 * time.Millisecond
)

// RedisProvider keeps lock flags as redsync mutexes and versions as plain keys.
// A held mutex is extended in the background until it is unlocked.
type RedisProvider struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*redisLock
}

type redisLock struct {
	mutex *redsync.Mutex
	stop  chan struct{}
	done  chan struct{}
	lost  atomic.Bool
}

// NewRedisProvider creates a provider. Locks are extended every expiry/3
// while held, so expiry only bounds how long a crashed holder blocks others.
func NewRedisProvider(client redis.UniversalClient, expiry time.Duration, logger *zap.Logger) *RedisProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisProvider{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		prefix: defaultKeyPrefix,
		logger: logger,
		held:   make(map[string]*redisLock),
	}
}

func (p *RedisProvider) lockKey(resourceID string, flavor Flavor) string {
	return fmt.Sprintf("%slock:%s:%s", p.prefix, resourceID, flavor)
}

func (p *RedisProvider) versionKey(resourceID string) string {
	return p.prefix + "version:" + resourceID
}

func (p *RedisProvider) Version(ctx context.Context, resourceID string) (int64, error) {
	v, err := p.client.Get(ctx, p.versionKey(resourceID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetVersion stores the version of a resource
func (p *RedisProvider) SetVersion(ctx context.Context, resourceID string, version int64) error {
	return p.client.Set(ctx, p.versionKey(resourceID), version, 0).Err()
}

// IncrementVersion bumps the version of a resource and returns the new value
func (p *RedisProvider) IncrementVersion(ctx context.Context, resourceID string) (int64, error) {
	return p.client.Incr(ctx, p.versionKey(resourceID)).Result()
}

// Held reports whether any holder has the flavor on the resource
func (p *RedisProvider) Held(ctx context.Context, resourceID string, flavor Flavor) (bool, error) {
	n, err := p.client.Exists(ctx, p.lockKey(resourceID, flavor)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *RedisProvider) TryLock(ctx context.Context, resourceID string, flavor Flavor, holder string) error {
	key := p.lockKey(resourceID, flavor)
	m := p.rs.NewMutex(key,
		redsync.WithExpiry(p.expiry),
		redsync.WithTries(1),
	)

	if err := m.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if err == redsync.ErrFailed || errors.As(err, &taken) {
			return task.ErrResourceBusy
		}
		return err
	}

	l := &redisLock{mutex: m, stop: make(chan struct{}), done: make(chan struct{})}
	p.mu.Lock()
	p.held[key] = l
	p.mu.Unlock()

	go p.keepalive(key, holder, l)
	return nil
}

func (p *RedisProvider) keepalive(key, holder string, l *redisLock) {
	defer close(l.done)

	interval := p.expiry / 3
	if interval < minKeepalive {
		interval = minKeepalive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.mutex.ExtendContext(ctx)
			cancel()
			if err == nil && ok {
				continue
			}
			var taken *redsync.ErrTaken
			if err != nil && !errors.As(err, &taken) && !errors.Is(err, redsync.ErrExtendFailed) &&
				time.Now().Before(l.mutex.Until()) {
				// Redis unreachable; the next tick retries while the lease lasts
				p.logger.Warn("Failed to extend lock", zap.String("key", key), zap.Error(err))
				continue
			}
			l.lost.Store(true)
			p.logger.Error("Lock lost before release",
				zap.String("key", key),
				zap.String("holder", holder),
				zap.Error(err),
			)
			return
		}
	}
}

func (p *RedisProvider) Unlock(ctx context.Context, resourceID string, flavor Flavor, holder string) error {
	key := p.lockKey(resourceID, flavor)

	p.mu.Lock()
	l, ok := p.held[key]
	delete(p.held, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	close(l.stop)
	<-l.done
	if l.lost.Load() {
		return errors.Errorf("lock %s was lost while held", key)
	}

	unlocked, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !unlocked {
		return errors.Errorf("lock %s was not held at release", key)
	}
	return nil
}

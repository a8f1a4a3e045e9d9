package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrRunInProgress is returned when another run holds the guard.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Guard admits at most one pipeline run at a time.
type Guard interface {
	// Acquire returns a release func, or ErrRunInProgress when the guard is held.
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalGuard serializes runs within one process.
type LocalGuard struct {
	mu sync.Mutex
}

// NewLocalGuard returns an unheld LocalGuard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

// Acquire takes the guard without blocking.
func (g *LocalGuard) Acquire(context.Context) (func(), error) {
	if !g.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, nil
}

const (
	// DefaultGuardKey is the Redis key holding the run token.
	DefaultGuardKey = "linkpipeline:run"
	// DefaultGuardTTL bounds how long a crashed holder blocks other runs.
	DefaultGuardTTL = 2 * time.Minute

	releaseTimeout = 5 * time.Second
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisGuardConfig configures a RedisGuard.
type RedisGuardConfig struct {
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisGuard serializes runs across instances sharing a Redis server. The
// holder refreshes the key TTL until release.
type RedisGuard struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisGuard builds a RedisGuard over client.
func NewRedisGuard(client redis.Cmdable, cfg RedisGuardConfig, logger *zap.Logger) *RedisGuard {
	if cfg.Key == "" {
		cfg.Key = DefaultGuardKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultGuardTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGuard{
		client: client,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		logger: logger.Named("guard"),
	}
}

// Acquire sets the key if absent. The returned release deletes it only while
// this holder's token is still stored.
func (g *RedisGuard) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run guard: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.refresh(token, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			n, err := releaseScript.Run(ctx, g.client, []string{g.key}, token).Int()
			switch {
			case err != nil:
				g.logger.Warn("release run guard failed", zap.String("key", g.key), zap.Error(err))
			case n == 0:
				g.logger.Warn("run guard expired before release", zap.String("key", g.key))
			}
		})
	}
	return release, nil
}

func (g *RedisGuard) refresh(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			n, err := extendScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				g.logger.Warn("extend run guard failed", zap.String("key", g.key), zap.Error(err))
				continue
			}
			if n == 0 {
				g.logger.Warn("run guard lost", zap.String("key", g.key))
				return
			}
		}
	}
}

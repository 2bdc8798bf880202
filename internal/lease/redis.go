package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// renewScript extends the key only if it still belongs to the caller.
var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedis(ctx context.Context, cfg config.LeaseConfig, log *slog.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info("lease store connected", slog.String("redis_addr", cfg.RedisAddr))
	return &RedisLocker{
		client: client,
		prefix: cfg.KeyPrefix,
		log:    log.With(slog.String("component", "lease.redis")),
	}, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, held(key)
	}
	return &redisLease{locker: r, key: key, owner: owner}, nil
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

type redisLease struct {
	locker *RedisLocker
	key    string
	owner  string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.locker.client, []string{l.locker.prefix + l.key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return held(l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.prefix + l.key}, l.owner).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.locker.log.Warn("lease already expired or taken over", slog.String("key", l.key))
	}
	return nil
}

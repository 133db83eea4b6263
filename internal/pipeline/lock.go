package pipeline

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/log"
)

// Locker 在多个进程之间串行化同一 (路径, 哈希) 的摄取。
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// NoopLocker 用于单进程部署，进程内的串行化由 singleflight 完成。
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 用 SET NX PX 实现带过期时间的租约，持有者崩溃后租约自动失效。
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := "pkm:ingest-lock:" + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, model.Wrap(model.ErrStorage, err)
		}
		if ok {
			return func() {
				// 调用方的 ctx 可能已经取消，释放锁使用独立的超时
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, l.rdb, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
					log.Warnf("[Pipeline] 释放摄取锁 %s 失败: %v", lockKey, err)
				}
			}, nil
		}
		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

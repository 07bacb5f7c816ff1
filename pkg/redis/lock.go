package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值与本实例令牌一致时删除，避免误删他人重新获取的锁。
const luaReleaseIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// luaExtendIfMatch 仅当仍持有锁时续期（毫秒）。
const luaExtendIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lock 基于 SET NX PX 的分布式锁。一个 Lock 实例对应一个后台任务，不要在多个 goroutine 间共享。
type Lock struct {
	rdb   *rd.Client
	key   string
	ttl   time.Duration
	token string
}

// NewLock 创建名为 name 的锁，ttl 应大于任务周期并留出余量。
func NewLock(rdb *rd.Client, name string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, key: LockKey(name), ttl: ttl}
}

// Acquire 尝试获取锁，已被占用时返回 false。
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release 释放锁；锁已过期或被他人持有时返回 false。
func (l *Lock) Release(ctx context.Context) (bool, error) {
	if l.token == "" {
		return false, nil
	}
	n, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{l.key}, l.token).Int()
	if err != nil {
		return false, err
	}
	l.token = ""
	return n == 1, nil
}

// Extend 将锁的剩余时间重置为 ttl。
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.token == "" {
		return false, nil
	}
	n, err := l.rdb.Eval(ctx, luaExtendIfMatch, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return false, nil
		}
		return false, err
	}
	return n == 1, nil
}

// Name 返回锁的键名。
func (l *Lock) Name() string { return l.key }

package service

import (
	"context"
	"sync"
	"time"

	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
)

// UserLocker 一人一单的用户级互斥。
// Acquire 不等待：拿不到锁直接返回 ok=false。
type UserLocker interface {
	Acquire(ctx context.Context, userID uint64) (release func(context.Context) error, ok bool, err error)
}

// RedisUserLocker 基于 Redis 分布式锁，多实例部署下唯一正确的选择。
type RedisUserLocker struct {
	kv  rediskit.KV
	ttl time.Duration
}

func NewRedisUserLocker(kv rediskit.KV, ttl time.Duration) *RedisUserLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisUserLocker{kv: kv, ttl: ttl}
}

func (l *RedisUserLocker) Acquire(ctx context.Context, userID uint64) (func(context.Context) error, bool, error) {
	lock := rediskit.NewSimpleLock(l.kv, rediskit.OrderLockName(userID))
	ok, err := lock.TryLock(ctx, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return lock.Unlock, true, nil
}

// LocalUserLocker 进程内按用户加锁，仅适用于单实例部署：
// 多个实例之间互不可见，无法阻止同一用户在不同实例上并发下单。
type LocalUserLocker struct {
	mu    sync.Mutex
	locks map[uint64]*userMutex
}

type userMutex struct {
	sync.Mutex
	refs int
}

func NewLocalUserLocker() *LocalUserLocker {
	return &LocalUserLocker{locks: make(map[uint64]*userMutex)}
}

func (l *LocalUserLocker) Acquire(_ context.Context, userID uint64) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &userMutex{}
		l.locks[userID] = m
	}
	m.refs++
	l.mu.Unlock()

	if !m.TryLock() {
		l.unref(userID, m)
		return nil, false, nil
	}

	var once sync.Once
	release := func(context.Context) error {
		released := false
		once.Do(func() {
			m.Unlock()
			l.unref(userID, m)
			released = true
		})
		if !released {
			return errors.Newf("user %d lock already released", userID)
		}
		return nil
	}
	return release, true, nil
}

func (l *LocalUserLocker) unref(userID uint64, m *userMutex) {
	l.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SimpleLock 基于 SET NX EX 的互斥锁。
// 每次加锁写入新的 owner token，释放时只删除仍属于自己的锁，
// 避免锁过期后被他人重新获取时误删。
// 过期时间只是持有者崩溃时的兜底，临界区必须远短于 ttl。
type SimpleLock struct {
	kv    KV
	name  string
	token string
}

func NewSimpleLock(kv KV, name string) *SimpleLock {
	return &SimpleLock{kv: kv, name: name}
}

// Name 返回锁名（不含前缀）。
func (l *SimpleLock) Name() string { return l.name }

// TryLock 尝试一次加锁，不阻塞、不重试。
// 返回 true 表示本次调用创建了锁记录。
func (l *SimpleLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetNX(ctx, LockKey(l.name), token, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Unlock 释放本次获取的锁；锁已过期或已属于他人时为空操作。
func (l *SimpleLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	_, err := l.kv.DelIfEquals(ctx, LockKey(l.name), l.token)
	if err != nil {
		return err
	}
	l.token = ""
	return nil
}

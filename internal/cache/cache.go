// Package cache 实现基于 Redis 的旁路缓存读取：
// 空值缓存防穿透，互斥锁重建与逻辑过期两种方式防击穿。
//
// 同一个缓存键只能使用一种策略：逻辑过期策略写入的是带过期时间的包装结构，
// 与另外两种策略写入的原始 JSON 互不兼容。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dianping/internal/clock"
	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotFound 缓存或数据库确认记录不存在。
	ErrNotFound = errors.New("cache: record not found")
	// ErrBusy 互斥重建在重试上限或请求期限内未能拿到锁。
	ErrBusy = errors.New("cache: rebuild lock busy")
)

// nullValue 空值占位，表示数据库中不存在。
const nullValue = ""

type Strategy string

const (
	PassThrough   Strategy = "passthrough"
	Mutex         Strategy = "mutex"
	LogicalExpire Strategy = "logical"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case PassThrough, Mutex, LogicalExpire:
		return Strategy(s), nil
	}
	return "", errors.Newf("unknown cache strategy %q", s)
}

type Options struct {
	// NullTTL 空值占位的过期时间，应短于正常数据的 TTL。
	NullTTL time.Duration
	// LockTTL 重建锁过期时间。
	LockTTL time.Duration
	// RetryInterval / MaxRetries 互斥重建抢锁失败后的休眠与重试上限。
	RetryInterval time.Duration
	MaxRetries    int
	// RebuildWorkers 后台重建并发上限。
	RebuildWorkers int64
	// RebuildTimeout 单次后台重建的期限。
	RebuildTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.NullTTL <= 0 {
		o.NullTTL = 2 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RebuildWorkers <= 0 {
		o.RebuildWorkers = 10
	}
	if o.RebuildTimeout <= 0 {
		o.RebuildTimeout = 5 * time.Second
	}
	return o
}

// Client 持有缓存读写所需的依赖，并发安全。
type Client struct {
	kv    rediskit.KV
	clock clock.Clock
	log   *zap.Logger
	opts  Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewClient(kv rediskit.KV, clk clock.Clock, log *zap.Logger, opts Options) *Client {
	opts = opts.withDefaults()
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		kv:    kv,
		clock: clk,
		log:   log,
		opts:  opts,
		sem:   semaphore.NewWeighted(opts.RebuildWorkers),
	}
}

// Wait 等待所有已提交的后台重建结束。
func (c *Client) Wait() { c.wg.Wait() }

// Loader 从数据库读取记录；(nil, nil) 表示记录不存在。
type Loader[T any] func(ctx context.Context, id uint64) (*T, error)

// Source 描述一类缓存实体。
type Source[T any] struct {
	// KeyPrefix 缓存键前缀，如 cache:shop:。
	KeyPrefix string
	// LockPrefix 重建锁名前缀，如 shop:，对应锁键 lock:shop:{id}。
	LockPrefix string
	// TTL 穿透/互斥策略下数据的过期时间。
	TTL time.Duration
	// LogicalTTL 逻辑过期策略下每次重建后的有效期。
	LogicalTTL time.Duration
	Load       Loader[T]
}

func (s Source[T]) key(id uint64) string      { return fmt.Sprintf("%s%d", s.KeyPrefix, id) }
func (s Source[T]) lockName(id uint64) string { return fmt.Sprintf("%s%d", s.LockPrefix, id) }

// Query 按策略分派。
func Query[T any](ctx context.Context, c *Client, strategy Strategy, src Source[T], id uint64) (*T, error) {
	switch strategy {
	case PassThrough:
		return QueryWithPassThrough(ctx, c, src, id)
	case Mutex:
		return QueryWithMutex(ctx, c, src, id)
	case LogicalExpire:
		return QueryWithLogicalExpire(ctx, c, src, id)
	}
	return nil, errors.Newf("unknown cache strategy %q", strategy)
}

// Set 以 JSON 写入并设置 TTL。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return c.kv.Set(ctx, key, string(b), ttl)
}

// SetWithLogicalExpire 写入逻辑过期包装，不设置存储层 TTL。
// 每次都整体覆盖，不做原地修改。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, expire time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	b, err := json.Marshal(logicalEntry{
		Data:       data,
		ExpireTime: c.clock.Now().Add(expire),
	})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return c.kv.Set(ctx, key, string(b), 0)
}

// Delete 删除缓存键，用于先写库再删缓存。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.kv.Del(ctx, key)
}

// logicalEntry 逻辑过期包装：是否过期只看 ExpireTime。
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// QueryWithPassThrough 缓存空值解决穿透。
func QueryWithPassThrough[T any](ctx context.Context, c *Client, src Source[T], id uint64) (*T, error) {
	key := src.key(id)
	v, done, err := lookup[T](ctx, c, key)
	if done {
		return v, err
	}
	return loadAndCache(ctx, c, src, id, key)
}

// QueryWithMutex 在穿透处理的基础上，用互斥锁保证同一时刻只有一个请求重建。
// 抢锁失败会休眠后重试，重试次数与请求期限都有上限，超出返回 ErrBusy。
func QueryWithMutex[T any](ctx context.Context, c *Client, src Source[T], id uint64) (*T, error) {
	key := src.key(id)
	for attempt := 0; ; attempt++ {
		v, done, err := lookup[T](ctx, c, key)
		if done {
			return v, err
		}

		lock := rediskit.NewSimpleLock(c.kv, src.lockName(id))
		ok, err := lock.TryLock(ctx, c.opts.LockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return rebuildLocked(ctx, c, src, id, key, lock)
		}

		if attempt >= c.opts.MaxRetries {
			return nil, errors.Wrapf(ErrBusy, "%s: %d retries", key, attempt)
		}
		t := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Mark(errors.Wrapf(ctx.Err(), "%s", key), ErrBusy)
		case <-t.C:
		}
	}
}

func rebuildLocked[T any](ctx context.Context, c *Client, src Source[T], id uint64, key string, lock *rediskit.SimpleLock) (*T, error) {
	defer c.unlock(ctx, lock)

	// 拿到锁后再查一次，前一个持有者可能刚写完缓存。
	v, done, err := lookup[T](ctx, c, key)
	if done {
		return v, err
	}
	return loadAndCache(ctx, c, src, id, key)
}

// QueryWithLogicalExpire 逻辑过期解决击穿：读请求从不等待重建。
// 过期后只有抢到锁的请求提交后台重建，所有请求都直接返回旧数据。
func QueryWithLogicalExpire[T any](ctx context.Context, c *Client, src Source[T], id uint64) (*T, error) {
	key := src.key(id)
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		// 未预热，同步加载一次。
		return populateLogical(ctx, c, src, id, key)
	}
	if raw == nullValue {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}

	data, expireAt, ok := decodeLogical[T](raw)
	if !ok {
		c.log.Warn("corrupt logical cache entry, reloading", zap.String("key", key))
		return populateLogical(ctx, c, src, id, key)
	}
	if expireAt.After(c.clock.Now()) {
		return data, nil
	}

	lock := rediskit.NewSimpleLock(c.kv, src.lockName(id))
	locked, err := lock.TryLock(ctx, c.opts.LockTTL)
	if err != nil {
		c.log.Warn("rebuild lock failed, serving stale", zap.String("key", key), zap.Error(err))
		return data, nil
	}
	if !locked {
		return data, nil
	}

	// 双重检查：拿锁期间可能已被其他请求重建完成。
	if raw, found, err = c.kv.Get(ctx, key); err == nil && found {
		if fresh, exp, ok := decodeLogical[T](raw); ok && exp.After(c.clock.Now()) {
			c.unlock(ctx, lock)
			return fresh, nil
		}
	}

	c.rebuildAsync(ctx, key, lock, func(ctx context.Context) error {
		v, err := src.Load(ctx, id)
		if err != nil {
			return err
		}
		if v == nil {
			return c.kv.Set(ctx, key, nullValue, c.opts.NullTTL)
		}
		return c.SetWithLogicalExpire(ctx, key, v, src.LogicalTTL)
	})
	return data, nil
}

func populateLogical[T any](ctx context.Context, c *Client, src Source[T], id uint64, key string) (*T, error) {
	v, err := src.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.kv.Set(ctx, key, nullValue, c.opts.NullTTL); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, src.LogicalTTL); err != nil {
		return nil, err
	}
	return v, nil
}

// lookup 读缓存。done=false 表示需要回源（未命中或内容损坏）。
func lookup[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, true, err
	}
	if !found {
		return nil, false, nil
	}
	if raw == nullValue {
		return nil, true, errors.Wrapf(ErrNotFound, "%s", key)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		c.log.Warn("corrupt cache entry, reloading", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return &v, true, nil
}

func loadAndCache[T any](ctx context.Context, c *Client, src Source[T], id uint64, key string) (*T, error) {
	v, err := src.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.kv.Set(ctx, key, nullValue, c.opts.NullTTL); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err := c.Set(ctx, key, v, src.TTL); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeLogical[T any](raw string) (*T, time.Time, bool) {
	var e logicalEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, time.Time{}, false
	}
	if len(e.Data) == 0 || string(e.Data) == "null" || e.ExpireTime.IsZero() {
		return nil, time.Time{}, false
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return nil, time.Time{}, false
	}
	return &v, e.ExpireTime, true
}

// rebuildAsync 在后台执行重建，完成或失败后释放锁。调用方立即返回。
func (c *Client) rebuildAsync(ctx context.Context, key string, lock *rediskit.SimpleLock, rebuild func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		base := context.WithoutCancel(ctx)
		defer c.unlock(base, lock)

		rctx, cancel := context.WithTimeout(base, c.opts.RebuildTimeout)
		defer cancel()

		if err := c.sem.Acquire(rctx, 1); err != nil {
			c.log.Warn("rebuild worker unavailable", zap.String("key", key), zap.Error(err))
			return
		}
		defer c.sem.Release(1)

		if err := rebuild(rctx); err != nil {
			c.log.Error("cache rebuild failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (c *Client) unlock(ctx context.Context, lock *rediskit.SimpleLock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := lock.Unlock(ctx); err != nil {
		c.log.Warn("release lock failed", zap.String("lock", lock.Name()), zap.Error(err))
	}
}

package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
)

// ErrUnavailable 标记所有 Redis 访问失败（网络、超时、脚本错误等），
// 键不存在不属于此类。
var ErrUnavailable = errors.New("redis unavailable")

// luaDelIfEquals 仅当值与传入令牌一致时删除，GET 与 DEL 在 Redis 内原子完成。
const luaDelIfEquals = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

var delIfEqualsScript = rd.NewScript(luaDelIfEquals)

// KV 是核心逻辑依赖的最小键值能力集合。
type KV interface {
	// Get 返回值与是否存在；空字符串是合法值，与不存在不同。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set 写入字符串，ttl<=0 表示不过期。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	DelIfEquals(ctx context.Context, key, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	HSetAll(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store 基于 go-redis 实现 KV。
type Store struct {
	rdb *rd.Client
}

var _ KV = (*Store)(nil)

func NewStore(rdb *rd.Client) *Store {
	return &Store{rdb: rdb}
}

// Client 暴露底层客户端，供 Stream、限流脚本等非 KV 场景使用。
func (s *Store) Client() *rd.Client { return s.rdb }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", false, nil
		}
		return "", false, unavailable(err, "get %s", key)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err, "set %s", key)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err, "setnx %s", key)
	}
	return ok, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable(err, "del %s", key)
	}
	return nil
}

func (s *Store) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqualsScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, unavailable(err, "del-if-equals %s", key)
	}
	return n == 1, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err, "incr %s", key)
	}
	return n, nil
}

func (s *Store) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return unavailable(err, "hset %s", key)
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err, "hgetall %s", key)
	}
	return m, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable(err, "expire %s", key)
	}
	return nil
}

func unavailable(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, "redis "+format, args...), ErrUnavailable)
}

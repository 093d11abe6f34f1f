package redis

import (
	"context"
	"time"

	"dianping/internal/clock"

	"github.com/cockroachdb/errors"
)

const (
	// BeginTimestamp 2022-01-01T00:00:00Z。
	BeginTimestamp int64 = 1640995200
	// CountBits 低位序列号位数。
	CountBits = 32

	countMask = 1<<CountBits - 1
)

// IDWorker 全局 ID 生成器：高位为自 BeginTimestamp 起的秒数，低 32 位为当日序列号。
// 序列号集中存放在 Redis 中，所有实例共享同一个 INCR 命名空间，
// 因此不需要机器号分段；Redis 不可用时直接失败，不做本地兜底。
type IDWorker struct {
	kv    KV
	clock clock.Clock
}

func NewIDWorker(kv KV, clk clock.Clock) *IDWorker {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &IDWorker{kv: kv, clock: clk}
}

// NextID 生成 keyPrefix 业务下的下一个 ID，一次 Redis 往返。
func (w *IDWorker) NextID(ctx context.Context, keyPrefix string) (uint64, error) {
	now := w.clock.Now().UTC()
	timestamp := now.Unix() - BeginTimestamp
	if timestamp < 0 {
		return 0, errors.Newf("clock before id epoch: %s", now)
	}

	count, err := w.kv.Incr(ctx, IDCounterKey(keyPrefix, now))
	if err != nil {
		return 0, errors.Wrap(err, "next id")
	}
	if count > countMask {
		return 0, errors.Newf("id sequence exhausted for %s", keyPrefix)
	}

	return uint64(timestamp)<<CountBits | uint64(count), nil
}

// SplitID 拆出 ID 的时间戳与序列号部分，便于排查。
func SplitID(id uint64) (time.Time, uint32) {
	ts := int64(id>>CountBits) + BeginTimestamp
	return time.Unix(ts, 0).UTC(), uint32(id & countMask)
}

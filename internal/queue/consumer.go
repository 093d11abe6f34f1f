package queue

import (
	"context"
	"encoding/json"
	"time"

	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer 消费下单事件，物化为 Redis 订单回执。
// 回执写入是覆盖式的，重复消息天然幂等。
type Consumer struct {
	r   *kafka.Reader
	kv  rediskit.KV
	ttl time.Duration
	log *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, kv rediskit.KV, ttl time.Duration, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		kv:  kv,
		ttl: ttl,
		log: log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		// Redis 不可用时原地重试，成功前不提交位点。
		for {
			err = c.handle(ctx, m.Value)
			if err == nil || !errors.Is(err, rediskit.ErrUnavailable) || ctx.Err() != nil {
				break
			}
			c.log.Warn("consumer store unavailable", zap.Int64("offset", m.Offset), zap.Error(err))
			sleep(ctx, 300*time.Millisecond)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("drop malformed order event",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn("consumer commit", zap.Error(err))
		}
	}
}

// handle 解析一条事件并写入回执；脏消息返回普通错误，由调用方跳过。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, "unmarshal order event")
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	return rediskit.PutOrderReceipt(ctx, c.kv, rediskit.OrderReceipt{
		OrderID:   ev.OrderID,
		UserID:    ev.UserID,
		VoucherID: ev.VoucherID,
		Status:    rediskit.ReceiptCreated,
		CreatedAt: ev.CreatedAt,
	}, c.ttl)
}

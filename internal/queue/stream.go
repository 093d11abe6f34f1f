package queue

import (
	"context"

	"dianping/internal/service"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
)

// StreamPublisher 把下单事件写入 Redis Stream，由 Relay 异步转发 Kafka。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

var _ service.EventPublisher = (*StreamPublisher)(nil)

func NewStreamPublisher(rdb *rd.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) PublishOrderCreated(ctx context.Context, ev service.OrderCreated) error {
	e := OrderEvent(ev)
	if err := e.Validate(); err != nil {
		return err
	}
	args := &rd.XAddArgs{
		Stream: p.stream,
		Values: e.streamValues(),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", p.stream)
	}
	return nil
}

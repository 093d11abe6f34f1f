package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventSink 是 Relay 的下游，生产环境为 Kafka Producer。
type EventSink interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb  *rd.Client
	sink EventSink
	log  *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink EventSink, stream, group, consumer string, log *zap.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.poll(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay poll", zap.Error(err))
			sleep(ctx, 300*time.Millisecond)
		}
	}
}

// poll 先处理本消费者历史 pending，再阻塞读新消息；返回成功转发条数。
func (r *Relay) poll(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, err
		}
	}

	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			return done, errors.Wrapf(err, "relay message id=%s", xm.ID)
		}
		done++
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}
	if block == 0 {
		// go-redis 中 Block=0 表示永久阻塞，读 pending 时不阻塞。
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("drop malformed order event", zap.String("id", xm.ID), zap.Error(err))
		return r.ackAndDelete(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, ev); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]interface{}) (OrderEvent, error) {
	orderStr, err := getStreamString(values, "order_id")
	if err != nil {
		return OrderEvent{}, err
	}
	userStr, err := getStreamString(values, "user_id")
	if err != nil {
		return OrderEvent{}, err
	}
	voucherStr, err := getStreamString(values, "voucher_id")
	if err != nil {
		return OrderEvent{}, err
	}

	var ev OrderEvent
	if ev.OrderID, err = strconv.ParseUint(orderStr, 10, 64); err != nil {
		return OrderEvent{}, errors.Newf("invalid order_id %q", orderStr)
	}
	if ev.UserID, err = strconv.ParseUint(userStr, 10, 64); err != nil {
		return OrderEvent{}, errors.Newf("invalid user_id %q", userStr)
	}
	if ev.VoucherID, err = strconv.ParseUint(voucherStr, 10, 64); err != nil {
		return OrderEvent{}, errors.Newf("invalid voucher_id %q", voucherStr)
	}
	if createdStr, err := getStreamString(values, "created_at"); err == nil && createdStr != "" {
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
			return OrderEvent{}, errors.Newf("invalid created_at %q", createdStr)
		}
	}

	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", errors.Newf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", errors.Newf("unsupported field type %s: %T", key, v)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package queue

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// OrderEvent 是写入 Stream / Kafka 的下单成功事件。
type OrderEvent struct {
	OrderID   uint64    `json:"order_id"`
	UserID    uint64    `json:"user_id"`
	VoucherID uint64    `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	if e.OrderID == 0 {
		return errors.New("order_id is required")
	}
	if e.UserID == 0 {
		return errors.New("user_id is required")
	}
	if e.VoucherID == 0 {
		return errors.New("voucher_id is required")
	}
	return nil
}

// Key 作为 Kafka 消息 key，同一订单落在同一分区。
func (e OrderEvent) Key() []byte {
	return []byte(strconv.FormatUint(e.OrderID, 10))
}

func (e OrderEvent) streamValues() map[string]any {
	return map[string]any{
		"order_id":   strconv.FormatUint(e.OrderID, 10),
		"user_id":    strconv.FormatUint(e.UserID, 10),
		"voucher_id": strconv.FormatUint(e.VoucherID, 10),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

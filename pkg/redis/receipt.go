package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// ReceiptCreated 订单已落库。
	ReceiptCreated = "created"
)

// OrderReceipt 对应 Redis 内的订单回执哈希。
type OrderReceipt struct {
	OrderID   uint64
	UserID    uint64
	VoucherID uint64
	Status    string
	CreatedAt time.Time
}

// GetOrderReceipt 查询回执。found=false 表示 key 不存在。
func GetOrderReceipt(ctx context.Context, kv KV, orderID uint64) (OrderReceipt, bool, error) {
	m, err := kv.HGetAll(ctx, OrderReceiptKey(orderID))
	if err != nil {
		return OrderReceipt{}, false, err
	}
	if len(m) == 0 {
		return OrderReceipt{}, false, nil
	}

	out := OrderReceipt{OrderID: orderID, Status: m["status"]}
	if out.UserID, err = strconv.ParseUint(m["user_id"], 10, 64); err != nil {
		return OrderReceipt{}, false, errors.Wrapf(err, "receipt %d user_id", orderID)
	}
	if out.VoucherID, err = strconv.ParseUint(m["voucher_id"], 10, 64); err != nil {
		return OrderReceipt{}, false, errors.Wrapf(err, "receipt %d voucher_id", orderID)
	}
	if v := m["created_at"]; v != "" {
		if out.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return OrderReceipt{}, false, errors.Wrapf(err, "receipt %d created_at", orderID)
		}
	}
	if out.Status == "" {
		out.Status = ReceiptCreated
	}
	return out, true, nil
}

// PutOrderReceipt 写入回执并刷新 TTL。
func PutOrderReceipt(ctx context.Context, kv KV, r OrderReceipt, ttl time.Duration) error {
	key := OrderReceiptKey(r.OrderID)
	status := r.Status
	if status == "" {
		status = ReceiptCreated
	}
	if err := kv.HSetAll(ctx, key, map[string]string{
		"order_id":   strconv.FormatUint(r.OrderID, 10),
		"user_id":    strconv.FormatUint(r.UserID, 10),
		"voucher_id": strconv.FormatUint(r.VoucherID, 10),
		"status":     status,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	if ttl > 0 {
		return kv.Expire(ctx, key, ttl)
	}
	return nil
}

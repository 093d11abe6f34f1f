package model

import "time"

const (
	OrderStatusUnpaid   = 1
	OrderStatusPaid     = 2
	OrderStatusCanceled = 4
)

// VoucherOrder 秒杀订单。
// (user_id, voucher_id) 唯一索引是一人一单在存储层的兜底。
type VoucherOrder struct {
	ID        uint64 `gorm:"primarykey;autoIncrement:false" json:"id"`
	UserID    uint64 `gorm:"not null;uniqueIndex:idx_user_voucher" json:"userId"`
	VoucherID uint64 `gorm:"not null;uniqueIndex:idx_user_voucher" json:"voucherId"`
	PayType   int    `gorm:"not null;default:1" json:"payType"`
	Status    int    `gorm:"not null;default:1" json:"status"`

	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "voucher_orders" }

package model

import "time"

// SeckillVoucher 秒杀券：库存与秒杀时间窗。
// Stock 只通过 "stock = stock - 1 where stock > 0" 条件更新扣减。
type SeckillVoucher struct {
	VoucherID uint64    `gorm:"primarykey;autoIncrement:false" json:"voucherId"`
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"beginTime"`
	EndTime   time.Time `gorm:"not null" json:"endTime"`

	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (SeckillVoucher) TableName() string { return "seckill_vouchers" }

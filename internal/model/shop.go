package model

import "time"

// Shop 商铺信息，缓存读路径的业务实体。
type Shop struct {
	ID        uint64  `gorm:"primarykey" json:"id"`
	Name      string  `gorm:"size:128;not null" json:"name"`
	TypeID    uint64  `gorm:"not null;index" json:"typeId"`
	Images    string  `gorm:"size:1024" json:"images"`
	Area      string  `gorm:"size:128" json:"area"`
	Address   string  `gorm:"size:255;not null" json:"address"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	AvgPrice  int64   `json:"avgPrice"` // 单位：分
	Sold      int64   `gorm:"not null;default:0" json:"sold"`
	Comments  int64   `gorm:"not null;default:0" json:"comments"`
	Score     int     `gorm:"not null;default:0" json:"score"` // 评分 x10
	OpenHours string  `gorm:"size:64" json:"openHours"`

	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (Shop) TableName() string { return "shops" }

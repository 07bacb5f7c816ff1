package model

import (
	"strings"
	"time"
)

// ConfigAutoDeliveryVirtual 支付成功后是否自动发放虚拟商品
const ConfigAutoDeliveryVirtual = "auto_delivery_virtual"

// PlatformConfig 平台级键值配置。
type PlatformConfig struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Key   string `gorm:"size:100;uniqueIndex;not null" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

func (PlatformConfig) TableName() string { return "platform_configs" }

// Truthy true/1/yes/on 视为开启。
func (c PlatformConfig) Truthy() bool {
	switch strings.ToLower(strings.TrimSpace(c.Value)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{
		&Product{},
		&InventoryItem{},
		&PaymentMethod{},
		&Order{},
		&OrderItem{},
		&OrderLog{},
		&PlatformConfig{},
	}
}

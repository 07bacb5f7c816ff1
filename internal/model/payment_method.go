package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FeeType 手续费计算方式
type FeeType string

const (
	FeePercentage FeeType = "percentage"
	FeeFixed      FeeType = "fixed"
)

// PaymentMethod 支付方式。MetaData 中的 provider_id 决定由哪个支付通道处理，
// 其余字段是通道自身的配置（钱包地址、商户号等）。
type PaymentMethod struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name      string          `gorm:"size:100;not null" json:"name"`
	Icon      string          `gorm:"size:255" json:"icon,omitempty"`
	FeeType   FeeType         `gorm:"size:20;not null;default:percentage" json:"fee_type"`
	FeeValue  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"fee_value"`
	MetaData  datatypes.JSON  `json:"-"`
	IsActive  bool            `gorm:"not null;default:true;index" json:"is_active"`
	SortOrder int             `gorm:"not null;default:0" json:"sort_order"`
}

func (PaymentMethod) TableName() string { return "payment_methods" }

// Meta 解析 meta_data，空值返回空 map。
func (m PaymentMethod) Meta() map[string]any {
	out := map[string]any{}
	if len(m.MetaData) == 0 {
		return out
	}
	_ = json.Unmarshal(m.MetaData, &out)
	return out
}

// ProviderID 返回 meta_data.provider_id。
func (m PaymentMethod) ProviderID() string {
	v, _ := m.Meta()["provider_id"].(string)
	return strings.TrimSpace(v)
}

// Fee 按 fee_type 计算手续费：percentage 为 amount*value/100，fixed 为 value。
func (m PaymentMethod) Fee(amount decimal.Decimal) decimal.Decimal {
	switch m.FeeType {
	case FeePercentage:
		return amount.Mul(m.FeeValue).Div(decimal.NewFromInt(100)).Round(2)
	case FeeFixed:
		return m.FeeValue
	default:
		return decimal.Zero
	}
}

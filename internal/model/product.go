package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductType 商品类型：虚拟商品走卡密库存，实物商品走人工发货。
type ProductType string

const (
	ProductVirtual  ProductType = "virtual"
	ProductPhysical ProductType = "physical"
)

// Product 商品。Stock 为粗粒度库存计数，虚拟商品的真实可售量以未售出卡密数量为准。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name     string          `gorm:"size:200;not null" json:"name"`
	Type     ProductType     `gorm:"size:20;not null;default:virtual" json:"type"`
	Price    decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"price"`
	Stock    int64           `gorm:"not null;default:0" json:"stock"`
	IsActive bool            `gorm:"not null;default:true" json:"is_active"`
}

func (Product) TableName() string { return "products" }

// InventoryItem 虚拟商品的一条卡密。IsSold 一旦置为 true 不会回退。
type InventoryItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID uint       `gorm:"not null;index:idx_inventory_product_sold" json:"product_id"`
	Content   string     `gorm:"type:text;not null" json:"-"`
	IsSold    bool       `gorm:"not null;default:false;index:idx_inventory_product_sold" json:"is_sold"`
	SoldAt    *time.Time `json:"sold_at"`
	// OrderItemID 消耗该卡密的订单明细，便于追溯
	OrderItemID *uint `gorm:"index" json:"order_item_id"`
}

func (InventoryItem) TableName() string { return "inventory_items" }

package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus 订单状态机。
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderPaid, OrderCancelled},
	OrderPaid:       {OrderProcessing, OrderCompleted, OrderRefunded},
	OrderProcessing: {OrderCompleted, OrderRefunded},
}

// CanTransition 判断 s -> to 是否为合法迁移。终态没有出边。
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal cancelled / completed / refunded 为终态。
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// Order 订单：只通过状态机迁移修改，取消也只是状态变化，不做物理删除。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo         string          `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	Status          OrderStatus     `gorm:"size:20;not null;default:pending;index" json:"status"`
	Email           string          `gorm:"size:255;not null;index" json:"email"`
	Currency        string          `gorm:"size:10;not null;default:USD" json:"currency"`
	TotalPrice      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"total_price"`
	PaymentFee      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"payment_fee"`
	PaymentMethodID uint            `gorm:"index" json:"payment_method_id"`
	PaidAt          *time.Time      `json:"paid_at"`
	// PaymentData 支付通道回写的结算凭据（tx_id、金额等）
	PaymentData datatypes.JSON `json:"payment_data"`

	ShippingName    string `gorm:"size:100" json:"shipping_name,omitempty"`
	ShippingPhone   string `gorm:"size:30" json:"shipping_phone,omitempty"`
	ShippingAddress string `gorm:"size:500" json:"shipping_address,omitempty"`
	Remark          string `gorm:"size:500" json:"remark,omitempty"`

	PaymentMethod *PaymentMethod `gorm:"foreignKey:PaymentMethodID" json:"payment_method,omitempty"`
	Items         []OrderItem    `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单明细，下单时快照商品名称/类型/单价。
// DeliveredAt 非空即表示该行已发货。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID         uint            `gorm:"not null;index" json:"order_id"`
	ProductID       uint            `gorm:"not null;index" json:"product_id"`
	ProductName     string          `gorm:"size:200;not null" json:"product_name"`
	ProductType     ProductType     `gorm:"size:20;not null" json:"product_type"`
	Price           decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"price"`
	Quantity        int             `gorm:"not null;default:1" json:"quantity"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"subtotal"`
	DeliveryContent string          `gorm:"type:text" json:"delivery_content,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at"`

	Product *Product `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
}

func (OrderItem) TableName() string { return "order_items" }

// Delivered 该行是否已发货。
func (i OrderItem) Delivered() bool { return i.DeliveredAt != nil }

// 订单日志动作
const (
	LogActionCreate        = "create"
	LogActionStatusChange  = "status_change"
	LogActionDeliver       = "deliver"
	LogActionCancel        = "cancel"
	LogActionTimeoutCancel = "timeout_cancel"
	LogActionPayment       = "payment"
)

// OrderLog 只追加的订单审计日志。
type OrderLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID  uint   `gorm:"not null;index" json:"order_id"`
	Action   string `gorm:"size:50;not null" json:"action"`
	Content  string `gorm:"type:text" json:"content"`
	Operator string `gorm:"size:100" json:"operator"`
}

func (OrderLog) TableName() string { return "order_logs" }

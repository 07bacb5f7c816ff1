package repository

import (
	"context"
	"time"

	"card_store/internal/model"

	"gorm.io/gorm"
)

// OrderRepository 订单、订单明细与订单日志的持久化。
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error)
	// UpdateStatusIf 仅当当前状态属于 from 时更新，返回是否命中。
	UpdateStatusIf(ctx context.Context, orderNo string, from []model.OrderStatus, to model.OrderStatus, fields map[string]any) (bool, error)
	// MarkItemDelivered 仅当明细尚未发货时写入发货内容。
	MarkItemDelivered(ctx context.Context, itemID uint, content string, at time.Time) (bool, error)
	AppendLog(ctx context.Context, log *model.OrderLog) error
	ListLogs(ctx context.Context, orderID uint) ([]model.OrderLog, error)
}

type orderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository { return &orderRepository{db: db} }

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("order_no = ?", orderNo).
		First(&o).Error
	if err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (r *orderRepository) UpdateStatusIf(ctx context.Context, orderNo string, from []model.OrderStatus, to model.OrderStatus, fields map[string]any) (bool, error) {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	res := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_no = ? AND status IN ?", orderNo, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *orderRepository) MarkItemDelivered(ctx context.Context, itemID uint, content string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.OrderItem{}).
		Where("id = ? AND delivered_at IS NULL", itemID).
		Updates(map[string]any{"delivery_content": content, "delivered_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *orderRepository) AppendLog(ctx context.Context, log *model.OrderLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *orderRepository) ListLogs(ctx context.Context, orderID uint) ([]model.OrderLog, error) {
	var logs []model.OrderLog
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&logs).Error
	return logs, err
}

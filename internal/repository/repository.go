package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientInventory 未售出卡密数量不足
	ErrInsufficientInventory = errors.New("insufficient inventory")
)

// Repos 汇总全部仓储，便于在同一个事务中成组使用。
type Repos struct {
	db *gorm.DB

	Orders         OrderRepository
	Products       ProductRepository
	Inventory      InventoryRepository
	PaymentMethods PaymentMethodRepository
	Configs        PlatformConfigRepository
}

func New(db *gorm.DB) *Repos {
	return &Repos{
		db:             db,
		Orders:         NewOrderRepository(db),
		Products:       NewProductRepository(db),
		Inventory:      NewInventoryRepository(db),
		PaymentMethods: NewPaymentMethodRepository(db),
		Configs:        NewPlatformConfigRepository(db),
	}
}

// Transaction 在事务内执行 fn，fn 中必须只使用传入的 tx 仓储。
func (r *Repos) Transaction(ctx context.Context, fn func(tx *Repos) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

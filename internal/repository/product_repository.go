package repository

import (
	"context"
	"time"

	"card_store/internal/model"

	"gorm.io/gorm"
)

// ProductRepository 商品与粗粒度库存计数。
type ProductRepository interface {
	Get(ctx context.Context, id uint) (*model.Product, error)
	// DecrementStock 扣减库存；requireAvailable 为 true 时要求 stock >= qty。
	DecrementStock(ctx context.Context, id uint, qty int, requireAvailable bool) (bool, error)
	RestoreStock(ctx context.Context, id uint, qty int) error
}

type productRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository { return &productRepository{db: db} }

func (r *productRepository) Get(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *productRepository) DecrementStock(ctx context.Context, id uint, qty int, requireAvailable bool) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.Product{}).Where("id = ?", id)
	if requireAvailable {
		q = q.Where("stock >= ?", qty)
	}
	res := q.Update("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *productRepository) RestoreStock(ctx context.Context, id uint, qty int) error {
	return r.db.WithContext(ctx).
		Model(&model.Product{}).
		Where("id = ?", id).
		Update("stock", gorm.Expr("stock + ?", qty)).Error
}

// InventoryRepository 虚拟商品卡密。
type InventoryRepository interface {
	CountAvailable(ctx context.Context, productID uint) (int64, error)
	// Claim 原子领取 qty 条未售出卡密并关联到订单明细，数量不足返回 ErrInsufficientInventory。
	Claim(ctx context.Context, productID uint, qty int, orderItemID uint, at time.Time) ([]model.InventoryItem, error)
	Add(ctx context.Context, productID uint, contents []string) (int, error)
}

type inventoryRepository struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository { return &inventoryRepository{db: db} }

func (r *inventoryRepository) CountAvailable(ctx context.Context, productID uint) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).
		Model(&model.InventoryItem{}).
		Where("product_id = ? AND is_sold = ?", productID, false).
		Count(&cnt).Error
	return cnt, err
}

func (r *inventoryRepository) Claim(ctx context.Context, productID uint, qty int, orderItemID uint, at time.Time) ([]model.InventoryItem, error) {
	var claimed []model.InventoryItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var items []model.InventoryItem
		if err := tx.Where("product_id = ? AND is_sold = ?", productID, false).
			Order("id ASC").
			Limit(qty).
			Find(&items).Error; err != nil {
			return err
		}
		if len(items) < qty {
			return ErrInsufficientInventory
		}

		ids := make([]uint, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		// 条件更新：并发领取时只有一方能命中全部行
		res := tx.Model(&model.InventoryItem{}).
			Where("id IN ? AND is_sold = ?", ids, false).
			Updates(map[string]any{"is_sold": true, "sold_at": at, "order_item_id": orderItemID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrInsufficientInventory
		}

		for i := range items {
			items[i].IsSold = true
			items[i].SoldAt = &at
			items[i].OrderItemID = &orderItemID
		}
		claimed = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *inventoryRepository) Add(ctx context.Context, productID uint, contents []string) (int, error) {
	items := make([]model.InventoryItem, 0, len(contents))
	for _, c := range contents {
		if c == "" {
			continue
		}
		items = append(items, model.InventoryItem{ProductID: productID, Content: c})
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := r.db.WithContext(ctx).Create(&items).Error; err != nil {
		return 0, err
	}
	return len(items), nil
}

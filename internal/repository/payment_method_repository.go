package repository

import (
	"context"

	"card_store/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentMethodRepository 支付方式。
type PaymentMethodRepository interface {
	Get(ctx context.Context, id uint) (*model.PaymentMethod, error)
	ListActive(ctx context.Context) ([]model.PaymentMethod, error)
}

type paymentMethodRepository struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) PaymentMethodRepository {
	return &paymentMethodRepository{db: db}
}

func (r *paymentMethodRepository) Get(ctx context.Context, id uint) (*model.PaymentMethod, error) {
	var m model.PaymentMethod
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *paymentMethodRepository) ListActive(ctx context.Context) ([]model.PaymentMethod, error) {
	var list []model.PaymentMethod
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC, id ASC").
		Find(&list).Error
	return list, err
}

// PlatformConfigRepository 平台键值配置。
type PlatformConfigRepository interface {
	Get(ctx context.Context, key string) (*model.PlatformConfig, error)
	Set(ctx context.Context, key, value string) error
}

type platformConfigRepository struct {
	db *gorm.DB
}

func NewPlatformConfigRepository(db *gorm.DB) PlatformConfigRepository {
	return &platformConfigRepository{db: db}
}

func (r *platformConfigRepository) Get(ctx context.Context, key string) (*model.PlatformConfig, error) {
	var c model.PlatformConfig
	if err := r.db.WithContext(ctx).Where(map[string]any{"key": key}).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *platformConfigRepository) Set(ctx context.Context, key, value string) error {
	c := &model.PlatformConfig{Key: key, Value: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(c).Error
}

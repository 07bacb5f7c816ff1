// Package testutil 提供测试用的 sqlite 内存库与 miniredis。
package testutil

import (
	"testing"

	"card_store/internal/model"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 打开一个独立的内存库并完成迁移。只保留一个连接，保证同一测试内看到同一份数据。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis 启动 miniredis 并返回客户端。
func NewRedis(t testing.TB) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// Logger 输出到 t.Log 的 logger。
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t)
}

// SeedProduct 创建商品，虚拟商品会同时写入 contents 作为卡密。
func SeedProduct(t testing.TB, db *gorm.DB, typ model.ProductType, price string, stock int64, contents ...string) *model.Product {
	t.Helper()
	p := &model.Product{
		Name:     string(typ) + " product",
		Type:     typ,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	for _, c := range contents {
		if err := db.Create(&model.InventoryItem{ProductID: p.ID, Content: c}).Error; err != nil {
			t.Fatalf("seed inventory: %v", err)
		}
	}
	return p
}

// SeedPaymentMethod 创建启用的支付方式，meta 为 meta_data JSON。
func SeedPaymentMethod(t testing.TB, db *gorm.DB, meta string) *model.PaymentMethod {
	t.Helper()
	m := &model.PaymentMethod{
		Name:     "method",
		FeeType:  model.FeePercentage,
		FeeValue: decimal.Zero,
		MetaData: datatypes.JSON(meta),
		IsActive: true,
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed payment method: %v", err)
	}
	return m
}

// Line 描述一行订单明细。
type Line struct {
	Product  *model.Product
	Quantity int
}

// SeedOrder 直接写入一个订单（不扣库存），用于状态机与发货测试。
func SeedOrder(t testing.TB, db *gorm.DB, orderNo string, status model.OrderStatus, lines ...Line) *model.Order {
	t.Helper()
	o := &model.Order{
		OrderNo:  orderNo,
		Status:   status,
		Email:    "buyer@example.com",
		Currency: "USD",
	}
	total := decimal.Zero
	for _, l := range lines {
		sub := l.Product.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		total = total.Add(sub)
		o.Items = append(o.Items, model.OrderItem{
			ProductID:   l.Product.ID,
			ProductName: l.Product.Name,
			ProductType: l.Product.Type,
			Price:       l.Product.Price,
			Quantity:    l.Quantity,
			Subtotal:    sub,
		})
	}
	o.TotalPrice = total
	if err := db.Create(o).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

package delivery

import (
	"context"
	"sync"
	"testing"

	"card_store/internal/model"
	"card_store/internal/repository"
	"card_store/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []string
}

func (f *fakeNotifier) PaymentPending(context.Context, *model.Order, map[string]any) {}
func (f *fakeNotifier) PaymentSuccess(context.Context, *model.Order)                 {}
func (f *fakeNotifier) Delivery(_ context.Context, _ *model.Order, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, content)
}

func setup(t *testing.T) (*Service, *gorm.DB, *fakeNotifier) {
	db := testutil.NewDB(t)
	n := &fakeNotifier{}
	return NewService(repository.New(db), n, testutil.Logger(t)), db, n
}

func loadOrder(t *testing.T, db *gorm.DB, orderNo string) *model.Order {
	o, err := repository.New(db).Orders.GetByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return o
}

func TestDeliverVirtualOrderCompletes(t *testing.T) {
	svc, db, n := setup(t)
	ctx := context.Background()

	p := testutil.SeedProduct(t, db, model.ProductVirtual, "10", 2, "CODE-A", "CODE-B", "CODE-C")
	testutil.SeedOrder(t, db, "CS1", model.OrderPaid, testutil.Line{Product: p, Quantity: 2})

	res, err := svc.DeliverOrder(ctx, "CS1", nil, "", "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, res.Completed)

	o := loadOrder(t, db, "CS1")
	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Equal(t, "CODE-A\nCODE-B", o.Items[0].DeliveryContent)
	assert.NotNil(t, o.Items[0].DeliveredAt)

	left, err := svc.GetVirtualStockCount(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)

	logs, err := repository.New(db).Orders.ListLogs(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogActionDeliver, logs[0].Action)
	assert.Equal(t, "全部发货完成", logs[0].Content)
	assert.Equal(t, "admin", logs[0].Operator)

	require.Len(t, n.deliveries, 1)
	assert.Equal(t, "【virtual product】\nCODE-A\nCODE-B", n.deliveries[0])
}

func TestMixedOrderPartialThenComplete(t *testing.T) {
	svc, db, n := setup(t)
	ctx := context.Background()

	v := testutil.SeedProduct(t, db, model.ProductVirtual, "5", 1, "KEY-1")
	ph := testutil.SeedProduct(t, db, model.ProductPhysical, "20", 3)
	testutil.SeedOrder(t, db, "CS2", model.OrderPaid,
		testutil.Line{Product: v, Quantity: 1},
		testutil.Line{Product: ph, Quantity: 1})

	res, err := svc.AutoDeliverVirtualItems(ctx, "CS2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, res.Completed)
	assert.Equal(t, model.OrderProcessing, loadOrder(t, db, "CS2").Status)

	// 再次自动发货没有目标，视为成功
	res, err = svc.AutoDeliverVirtualItems(ctx, "CS2")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	res, err = svc.DeliverOrder(ctx, "CS2", nil, "SF-001", "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, res.Completed)

	o := loadOrder(t, db, "CS2")
	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Equal(t, "SF-001", o.Items[1].DeliveryContent)

	require.Len(t, n.deliveries, 2)
	assert.Contains(t, n.deliveries[1], "实体商品已发货")
	assert.Contains(t, n.deliveries[1], "商家备注: SF-001")
}

func TestDeliverShortageKeepsEarlierItems(t *testing.T) {
	svc, db, n := setup(t)
	ctx := context.Background()

	a := testutil.SeedProduct(t, db, model.ProductVirtual, "1", 1, "A-1")
	b := testutil.SeedProduct(t, db, model.ProductVirtual, "1", 5, "B-1")
	testutil.SeedOrder(t, db, "CS3", model.OrderPaid,
		testutil.Line{Product: a, Quantity: 1},
		testutil.Line{Product: b, Quantity: 2})

	res, err := svc.DeliverOrder(ctx, "CS3", nil, "", "")
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 1, res.Delivered)
	assert.Contains(t, err.Error(), "需要 2，实际 1")

	o := loadOrder(t, db, "CS3")
	assert.Equal(t, model.OrderPaid, o.Status)
	assert.NotNil(t, o.Items[0].DeliveredAt)
	assert.Nil(t, o.Items[1].DeliveredAt)

	// 失败明细没有占用任何卡密
	left, err := svc.GetVirtualStockCount(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)
	assert.Empty(t, n.deliveries)
}

func TestDeliverRejectsInvalidStatusAndEmptyTargets(t *testing.T) {
	svc, db, _ := setup(t)
	ctx := context.Background()

	p := testutil.SeedProduct(t, db, model.ProductPhysical, "1", 5)
	testutil.SeedOrder(t, db, "CS4", model.OrderPending, testutil.Line{Product: p, Quantity: 1})
	o := testutil.SeedOrder(t, db, "CS5", model.OrderPaid, testutil.Line{Product: p, Quantity: 1})

	_, err := svc.DeliverOrder(ctx, "CS4", nil, "", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.DeliverOrder(ctx, "CS5", []uint{o.Items[0].ID + 100}, "", "")
	assert.ErrorIs(t, err, ErrNothingToDeliver)

	_, err = svc.DeliverOrder(ctx, "CS404", nil, "", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeliverSelectedItems(t *testing.T) {
	svc, db, _ := setup(t)
	ctx := context.Background()

	p := testutil.SeedProduct(t, db, model.ProductPhysical, "1", 5)
	o := testutil.SeedOrder(t, db, "CS6", model.OrderPaid,
		testutil.Line{Product: p, Quantity: 1},
		testutil.Line{Product: p, Quantity: 2})

	res, err := svc.DeliverOrder(ctx, "CS6", []uint{o.Items[1].ID}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, res.Completed)

	got := loadOrder(t, db, "CS6")
	assert.Nil(t, got.Items[0].DeliveredAt)
	assert.NotNil(t, got.Items[1].DeliveredAt)
	assert.Equal(t, model.OrderProcessing, got.Status)
}

func TestCheckVirtualStockAndAutoDeliveryFlag(t *testing.T) {
	svc, db, _ := setup(t)
	ctx := context.Background()

	p := testutil.SeedProduct(t, db, model.ProductVirtual, "1", 0, "X", "Y")
	ok, available, err := svc.CheckVirtualStock(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, available)

	ok, _, err = svc.CheckVirtualStock(ctx, p.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, svc.AutoDeliveryEnabled(ctx))
	require.NoError(t, repository.New(db).Configs.Set(ctx, model.ConfigAutoDeliveryVirtual, "yes"))
	assert.True(t, svc.AutoDeliveryEnabled(ctx))
}

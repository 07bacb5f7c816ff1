package trc20

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"card_store/internal/delivery"
	"card_store/internal/model"
	"card_store/internal/notify"
	"card_store/internal/order"
	"card_store/internal/payment"
	"card_store/internal/repository"
	"card_store/internal/testutil"
	redisstore "card_store/pkg/redis"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const wallet = "TWalletAddress000000000000000000"

type fakeGrid struct {
	mu        sync.Mutex
	transfers []Transfer
	apiKeys   []string
}

func (g *fakeGrid) set(ts ...Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = ts
}

func (g *fakeGrid) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.URL.Path != "/v1/accounts/"+wallet+"/transactions/trc20" ||
		r.URL.Query().Get("only_to") != "true" ||
		r.URL.Query().Get("contract_address") != USDTContract {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	g.apiKeys = append(g.apiKeys, r.Header.Get("TRON-PRO-API-KEY"))
	_ = json.NewEncoder(w).Encode(transfersResponse{Data: g.transfers, Success: true})
}

func transfer(txID, to, value string) Transfer {
	return Transfer{
		TransactionID: txID,
		From:          "TSender",
		To:            to,
		Value:         value,
		TokenInfo:     TokenInfo{Address: USDTContract, Symbol: "USDT", Decimals: 6},
	}
}

type fixture struct {
	db       *gorm.DB
	store    *redisstore.Store
	orders   *order.Service
	grid     *fakeGrid
	provider *Provider
}

func newFixture(t *testing.T, meta map[string]any) *fixture {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	log := testutil.Logger(t)
	repos := repository.New(db)
	store := redisstore.NewStore(rdb)
	orders := order.NewService(repos, store, delivery.NewService(repos, notify.Nop{}, log), notify.Nop{}, log)

	grid := &fakeGrid{}
	srv := httptest.NewServer(grid)
	t.Cleanup(srv.Close)

	cfg := map[string]any{
		"wallet_address":   wallet,
		"trongrid_api_key": "grid-key",
		"api_base":         srv.URL,
	}
	for k, v := range meta {
		cfg[k] = v
	}
	p, err := New(cfg, payment.Deps{
		Store:          store,
		Settler:        orders,
		Log:            log,
		PaymentTimeout: 15 * time.Minute,
		HTTPTimeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return &fixture{db: db, store: store, orders: orders, grid: grid, provider: p.(*Provider)}
}

func (f *fixture) pendingOrder(t *testing.T, orderNo, price string) {
	p := testutil.SeedProduct(t, f.db, model.ProductPhysical, price, 100)
	testutil.SeedOrder(t, f.db, orderNo, model.OrderPending, testutil.Line{Product: p, Quantity: 1})
}

func TestNewParsesConfig(t *testing.T) {
	f := newFixture(t, map[string]any{"scan_interval": "15", "amount_precision": 2})
	assert.Equal(t, 15*time.Second, f.provider.interval)
	assert.Equal(t, int32(2), f.provider.precision)
	assert.True(t, f.provider.IsConfigured())
	assert.Equal(t, ProviderID, f.provider.ID())

	_, rdb := testutil.NewRedis(t)
	deps := payment.Deps{Store: redisstore.NewStore(rdb), Log: testutil.Logger(t)}
	_, err := New(map[string]any{"amount_precision": 7}, deps)
	assert.Error(t, err)
	_, err = New(map[string]any{"scan_interval": "abc"}, deps)
	assert.Error(t, err)

	p, err := New(map[string]any{}, deps)
	require.NoError(t, err)
	assert.False(t, p.IsConfigured())
}

func TestCreatePaymentAllocatesUniqueAmounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, "10.0001", first.PaymentData["amount"])
	assert.Equal(t, wallet, first.PaymentData["wallet_address"])
	assert.Equal(t, "USDT", first.PaymentData["currency"])
	assert.Equal(t, "TRC20", first.PaymentData["network"])
	assert.Equal(t, "10", first.PaymentData["original_amount"])

	second, err := f.provider.CreatePayment(ctx, "CS2", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "10.0002", second.PaymentData["amount"])

	owner, found, err := f.store.AmountOwner(ctx, "10.0002")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "CS2", owner)

	pending, found, err := f.store.GetPendingPayment(ctx, "CS1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "10.0001", pending.IndexedAmount)
	assert.Equal(t, ProviderID, pending.Provider)
}

func TestCreatePaymentReusesReleasedAmount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	require.NoError(t, f.store.ClearPayment(ctx, "CS1"))

	res, err := f.provider.CreatePayment(ctx, "CS2", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "10.0001", res.PaymentData["amount"])
}

func TestCreatePaymentExhausted(t *testing.T) {
	f := newFixture(t, map[string]any{"amount_precision": 1})
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		res, err := f.provider.CreatePayment(ctx, "CS"+string(rune('0'+i)), decimal.RequireFromString("5"), "USD")
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	res, err := f.provider.CreatePayment(ctx, "CS10", decimal.RequireFromString("5"), "USD")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrAmountExhausted.Error(), res.ErrorMessage)

	_, found, err := f.store.GetPendingPayment(ctx, "CS10")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanMatchesAndSettles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")

	res, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	require.Equal(t, "10.0001", res.PaymentData["amount"])

	f.grid.set(transfer("tx-1", wallet, "10000100"))
	scanned, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scanned)
	assert.Equal(t, 1, matched)

	o, err := f.orders.Get(ctx, "CS1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)
	var data map[string]any
	require.NoError(t, json.Unmarshal(o.PaymentData, &data))
	assert.Equal(t, "tx-1", data["tx_id"])
	assert.Equal(t, "10.0001", data["amount"])

	_, found, err := f.store.GetPendingPayment(ctx, "CS1")
	require.NoError(t, err)
	assert.False(t, found)
	processed, err := f.store.IsTxProcessed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, processed)

	logs, _, err := f.store.ScanLogs(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, redisstore.ScanLogPaymentSuccess, logs[0].Type)
	assert.Equal(t, "CS1", logs[0].OrderNo)

	// 同一笔交易再次出现不会重复匹配
	_, matched, err = f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
	assert.Equal(t, []string{"grid-key", "grid-key"}, f.grid.apiKeys)
}

func TestScanDistinguishesCollidingOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	f.pendingOrder(t, "CS2", "10")

	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	_, err = f.provider.CreatePayment(ctx, "CS2", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)

	f.grid.set(transfer("tx-2", wallet, "10000200"))
	_, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	o1, err := f.orders.Get(ctx, "CS1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o1.Status)
	o2, err := f.orders.Get(ctx, "CS2")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o2.Status)
}

func TestScanIgnoresForeignTransfers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)

	wrongToken := transfer("tx-b", wallet, "10000100")
	wrongToken.TokenInfo.Address = "TOtherToken"
	f.grid.set(
		transfer("tx-a", "TSomeoneElse", "10000100"),
		wrongToken,
		transfer("tx-c", wallet, "10000150"),
		transfer("tx-d", wallet, "99000000"),
		transfer("", wallet, "10000100"),
	)

	scanned, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, scanned)
	assert.Equal(t, 0, matched)

	o, err := f.orders.Get(ctx, "CS1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o.Status)
}

func TestScanMarksTransferForCancelledOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.Order{}).Where("order_no = ?", "CS1").Update("status", model.OrderCancelled).Error)

	f.grid.set(transfer("tx-1", wallet, "10000100"))
	_, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)

	processed, err := f.store.IsTxProcessed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestScanDoesNotReuseTransferForReclaimedAmount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	f.pendingOrder(t, "CS2", "10")

	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	f.grid.set(transfer("tx-1", wallet, "10000100"))
	_, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, matched)

	// 结算后金额被释放，新订单拿到同一个金额
	res, err := f.provider.CreatePayment(ctx, "CS2", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	require.Equal(t, "10.0001", res.PaymentData["amount"])

	_, matched, err = f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)

	o2, err := f.orders.Get(ctx, "CS2")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o2.Status)
	owner, found, err := f.store.AmountOwner(ctx, "10.0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "CS2", owner)
}

type failingSettler struct {
	calls int
}

func (s *failingSettler) CompletePayment(context.Context, string, string, map[string]any, string) (bool, error) {
	s.calls++
	return false, assert.AnError
}

func TestScanRetriesTransferAfterSettleError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)
	f.grid.set(transfer("tx-1", wallet, "10000100"))

	failing := &failingSettler{}
	f.provider.settler = failing
	_, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
	assert.Equal(t, 1, failing.calls)

	processed, err := f.store.IsTxProcessed(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, processed)
	logs, _, err := f.store.ScanLogs(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, redisstore.ScanLogPaymentError, logs[0].Type)

	f.provider.settler = f.orders
	_, matched, err = f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	o, err := f.orders.Get(ctx, "CS1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)
}

func TestScanSkipsTransferAlreadyClaimed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.pendingOrder(t, "CS1", "10")
	_, err := f.provider.CreatePayment(ctx, "CS1", decimal.RequireFromString("10"), "USD")
	require.NoError(t, err)

	// 另一个扫描实例已经抢占了这笔交易
	_, err = f.store.MarkTxProcessed(ctx, "tx-1")
	require.NoError(t, err)
	f.provider.settler = &failingSettler{}

	f.grid.set(transfer("tx-1", wallet, "10000100"))
	_, matched, err := f.provider.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
	assert.Equal(t, 0, f.provider.settler.(*failingSettler).calls)
}

func TestScanLedgerError(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.wallet = "TUnknown"

	_, _, err := f.provider.ScanOnce(context.Background())
	assert.ErrorContains(t, err, "trongrid status 400")
}

func TestStartRunsScannerUntilStopped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.provider.Start(ctx))
	assert.True(t, f.provider.Started())
	require.NoError(t, f.provider.Start(ctx))

	require.Eventually(t, func() bool {
		logs, _, err := f.store.ScanLogs(ctx, 10, 0)
		return err == nil && len(logs) > 0 && logs[0].Type == redisstore.ScanLogScan
	}, 2*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.provider.Stop(stopCtx))
	assert.False(t, f.provider.Started())
	require.NoError(t, f.provider.Stop(stopCtx))
}

func TestTransferAmount(t *testing.T) {
	amt, err := transfer("tx", wallet, "1234567").Amount()
	require.NoError(t, err)
	assert.Equal(t, "1.234567", amt.String())

	tr := transfer("tx", wallet, "150")
	tr.TokenInfo.Decimals = 0
	amt, err = tr.Amount()
	require.NoError(t, err)
	assert.Equal(t, "0.00015", amt.String())

	_, err = transfer("tx", wallet, "x").Amount()
	assert.Error(t, err)
}

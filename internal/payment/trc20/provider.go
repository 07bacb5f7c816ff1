// Package trc20 实现 USDT-TRC20 收款：为每个订单分配唯一的识别金额，后台扫描钱包入账并按金额匹配订单。
package trc20

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"card_store/internal/payment"
	redisstore "card_store/pkg/redis"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ProviderID = "trc20_usdt"

	defaultScanInterval = 30
	defaultPrecision    = 4
	maxPrecision        = 6
	scanLimit           = 50
	scannerLockName     = "trc20_scanner"
)

// ErrAmountExhausted 当前基础金额下所有识别金额都已被占用
var ErrAmountExhausted = errors.New("无法生成唯一支付金额，请稍后重试")

// Config payment_methods.meta_data 中的通道配置。
type Config struct {
	WalletAddress   string      `json:"wallet_address"`
	APIKey          string      `json:"trongrid_api_key"`
	APIBase         string      `json:"api_base"`
	Contract        string      `json:"contract_address"`
	ScanInterval    json.Number `json:"scan_interval"`
	AmountPrecision json.Number `json:"amount_precision"`
}

// Provider TRC20 USDT 通道。
type Provider struct {
	payment.Base

	wallet    string
	interval  time.Duration
	precision int32
	timeout   time.Duration

	ledger  *LedgerClient
	settler payment.Settler
	lock    *redisstore.Lock
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ payment.Provider = (*Provider)(nil)

// New 按 meta_data 构造通道，签名符合 payment.Constructor。
func New(meta map[string]any, deps payment.Deps) (payment.Provider, error) {
	var cfg Config
	if err := payment.DecodeMeta(meta, &cfg); err != nil {
		return nil, fmt.Errorf("decode trc20 config: %w", err)
	}
	interval, err := numberOr(cfg.ScanInterval, defaultScanInterval)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid scan_interval %q", cfg.ScanInterval)
	}
	precision, err := numberOr(cfg.AmountPrecision, defaultPrecision)
	if err != nil || precision < 1 || precision > maxPrecision {
		return nil, fmt.Errorf("invalid amount_precision %q", cfg.AmountPrecision)
	}

	ledger := NewLedgerClient(cfg.APIBase, cfg.APIKey, cfg.Contract, deps.HTTPTimeout)
	scanEvery := time.Duration(interval) * time.Second
	return &Provider{
		Base:      payment.Base{Store: deps.Store},
		wallet:    strings.TrimSpace(cfg.WalletAddress),
		interval:  scanEvery,
		precision: int32(precision),
		timeout:   deps.PaymentTimeout,
		ledger:    ledger,
		settler:   deps.Settler,
		lock:      redisstore.NewLock(deps.Store.Client(), scannerLockName, scanEvery+10*time.Second),
		log:       deps.Log.Named("trc20"),
	}, nil
}

func numberOr(n json.Number, def int64) (int64, error) {
	if n == "" {
		return def, nil
	}
	return n.Int64()
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "USDT-TRC20" }

// IsConfigured 只需要收款钱包地址。
func (p *Provider) IsConfigured() bool { return p.wallet != "" }

// Start 启动后台扫描。扫描协程不受调用方 ctx 约束，只由 Stop 结束。
func (p *Provider) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.SetStarted(true)
	p.log.Info("trc20 scanner started",
		zap.String("wallet", p.wallet),
		zap.Duration("interval", p.interval),
		zap.Int32("precision", p.precision),
	)
	return nil
}

// Stop 结束扫描并等待当前一轮完成。
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	p.SetStarted(false)
	select {
	case <-done:
		p.log.Info("trc20 scanner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreatePayment 分配识别金额：基础金额加上最小的未占用尾数（1..10^p-1 个最小单位）。
func (p *Provider) CreatePayment(ctx context.Context, orderNo string, amount decimal.Decimal, currency string) (payment.Result, error) {
	if !amount.IsPositive() {
		return payment.Result{Success: false, ErrorMessage: "支付金额必须大于 0"}, nil
	}
	claimed, err := p.claimUniqueAmount(ctx, orderNo, amount)
	if err != nil {
		if errors.Is(err, ErrAmountExhausted) {
			p.log.Warn("no free amount suffix", zap.String("order_no", orderNo), zap.String("amount", amount.String()))
			return payment.Result{Success: false, ErrorMessage: err.Error()}, nil
		}
		return payment.Result{}, err
	}
	key := claimed.StringFixed(p.precision)

	data := map[string]any{
		"wallet_address":    p.wallet,
		"amount":            key,
		"original_amount":   amount.String(),
		"original_currency": currency,
		"currency":          "USDT",
		"network":           "TRC20",
		"qr_content":        p.wallet,
	}
	now := p.Store.Now()
	err = p.Store.SavePendingPayment(ctx, redisstore.PendingPayment{
		OrderNo:       orderNo,
		Provider:      ProviderID,
		PaymentData:   data,
		IndexedAmount: key,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.timeout),
	})
	if err != nil {
		if _, rerr := p.Store.ReleaseAmount(ctx, key, orderNo); rerr != nil {
			p.log.Warn("release amount", zap.String("amount", key), zap.Error(rerr))
		}
		return payment.Result{}, fmt.Errorf("save pending payment: %w", err)
	}

	p.log.Info("trc20 payment created", zap.String("order_no", orderNo), zap.String("amount", key))
	return payment.Result{Success: true, PaymentData: data}, nil
}

func (p *Provider) claimUniqueAmount(ctx context.Context, orderNo string, base decimal.Decimal) (decimal.Decimal, error) {
	base = base.Truncate(p.precision)
	limit := decimal.New(1, p.precision).IntPart()
	for i := int64(1); i < limit; i++ {
		candidate := base.Add(decimal.New(i, -p.precision)).Truncate(p.precision)
		ok, err := p.Store.ClaimAmount(ctx, candidate.StringFixed(p.precision), orderNo, p.timeout)
		if err != nil {
			return decimal.Zero, fmt.Errorf("claim amount: %w", err)
		}
		if ok {
			return candidate, nil
		}
	}
	return decimal.Zero, ErrAmountExhausted
}

// matchKey 观测金额对应的索引键。小数位超过精度的金额不可能是本系统分配的。
func (p *Provider) matchKey(amount decimal.Decimal) (string, bool) {
	if !amount.Equal(amount.Truncate(p.precision)) {
		return "", false
	}
	return amount.StringFixed(p.precision), true
}

// Package wechat 实现微信支付 Native 扫码通道：下单返回 code_url，通过回调通知或主动查单确认到账。
package wechat

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
	"github.com/wechatpay-apiv3/wechatpay-go/services/payments"
	"go.uber.org/zap"
)

const (
	ProviderID = "wechat"

	tradeStateSuccess = "SUCCESS"
)

var (
	// ErrNotStarted 通道尚未完成 SDK 初始化
	ErrNotStarted = errors.New("微信支付服务未启动")
	// ErrMissingRate 非人民币订单需要配置 cny_rate
	ErrMissingRate = errors.New("缺少人民币汇率配置 cny_rate")
)

// Config payment_methods.meta_data 中的商户配置。
type Config struct {
	MchID        string `json:"mchid"`
	PrivateKey   string `json:"apiclient_key"`
	CertSerialNo string `json:"cert_serial_no"`
	APIv3Key     string `json:"apiv3_key"`
	AppID        string `json:"appid"`
	NotifyURL    string `json:"notify_url"`
	// CNYRate 1 单位订单货币折合多少人民币
	CNYRate json.Number `json:"cny_rate"`
}

// Provider 微信支付通道。
type Provider struct {
	payment.Base

	cfg     Config
	rate    decimal.Decimal
	timeout time.Duration
	settler payment.Settler
	log     *zap.Logger

	dial    func(ctx context.Context, cfg Config) (Gateway, error)
	mu      sync.RWMutex
	gateway Gateway
}

var _ payment.Provider = (*Provider)(nil)

// New 按 meta_data 构造通道，签名符合 payment.Constructor。
func New(meta map[string]any, deps payment.Deps) (payment.Provider, error) {
	var cfg Config
	if err := payment.DecodeMeta(meta, &cfg); err != nil {
		return nil, fmt.Errorf("decode wechat config: %w", err)
	}
	rate := decimal.Zero
	if cfg.CNYRate != "" {
		r, err := decimal.NewFromString(cfg.CNYRate.String())
		if err != nil || !r.IsPositive() {
			return nil, fmt.Errorf("invalid cny_rate %q", cfg.CNYRate)
		}
		rate = r
	}
	return &Provider{
		Base:    payment.Base{Store: deps.Store},
		cfg:     cfg,
		rate:    rate,
		timeout: deps.PaymentTimeout,
		settler: deps.Settler,
		log:     deps.Log.Named("wechat"),
		dial:    newSDKGateway,
	}, nil
}

func (p *Provider) ID() string   { return ProviderID }
func (p *Provider) Name() string { return "微信支付" }

// IsConfigured 商户号、私钥、证书序列号、APIv3 密钥、AppID、回调地址缺一不可。
func (p *Provider) IsConfigured() bool {
	c := p.cfg
	for _, v := range []string{c.MchID, c.PrivateKey, c.CertSerialNo, c.APIv3Key, c.AppID, c.NotifyURL} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Start 初始化 SDK 客户端与回调验签器。
func (p *Provider) Start(ctx context.Context) error {
	gw, err := p.dial(ctx, p.cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.gateway = gw
	p.mu.Unlock()
	p.SetStarted(true)
	p.log.Info("wechat pay started", zap.String("mchid", p.cfg.MchID))
	return nil
}

func (p *Provider) Stop(context.Context) error {
	p.mu.Lock()
	p.gateway = nil
	p.mu.Unlock()
	p.SetStarted(false)
	return nil
}

func (p *Provider) client() (Gateway, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gateway == nil {
		return nil, ErrNotStarted
	}
	return p.gateway, nil
}

// toCNY 换算为人民币金额（两位小数）。
func (p *Provider) toCNY(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if strings.EqualFold(currency, "CNY") {
		return amount.Round(2), nil
	}
	if !p.rate.IsPositive() {
		return decimal.Zero, ErrMissingRate
	}
	return amount.Mul(p.rate).Round(2), nil
}

// CreatePayment Native 下单，code_url 作为支付链接返回。
func (p *Provider) CreatePayment(ctx context.Context, orderNo string, amount decimal.Decimal, currency string) (payment.Result, error) {
	gw, err := p.client()
	if err != nil {
		return payment.Result{Success: false, ErrorMessage: err.Error()}, nil
	}
	cny, err := p.toCNY(amount, currency)
	if err != nil {
		return payment.Result{Success: false, ErrorMessage: err.Error()}, nil
	}
	fen := cny.Shift(2).IntPart()
	if fen <= 0 {
		return payment.Result{Success: false, ErrorMessage: "支付金额必须大于 0"}, nil
	}

	codeURL, err := gw.Prepay(ctx, orderNo, "订单-"+orderNo, fen)
	if err != nil {
		p.log.Error("wechat prepay", zap.String("order_no", orderNo), zap.Error(err))
		return payment.Result{Success: false, ErrorMessage: fmt.Sprintf("微信下单失败: %v", err)}, nil
	}

	data := map[string]any{
		"order_no":        orderNo,
		"amount":          cny.StringFixed(2),
		"original_amount": amount.String(),
		"currency":        "CNY",
		"network":         "微信支付",
		"code_url":        codeURL,
		"payment_url":     codeURL,
	}
	now := p.Store.Now()
	if err := p.Store.SavePendingPayment(ctx, redisstore.PendingPayment{
		OrderNo:     orderNo,
		Provider:    ProviderID,
		PaymentData: data,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.timeout),
	}); err != nil {
		return payment.Result{}, fmt.Errorf("save pending payment: %w", err)
	}

	p.log.Info("wechat payment created", zap.String("order_no", orderNo), zap.Int64("total_fen", fen))
	return payment.Result{Success: true, PaymentURL: codeURL, PaymentData: data}, nil
}

// VerifyPayment 主动查单，交易成功时走与回调相同的结算流程。
func (p *Provider) VerifyPayment(ctx context.Context, orderNo string, _ map[string]any) (bool, error) {
	gw, err := p.client()
	if err != nil {
		return false, err
	}
	tx, err := gw.QueryOrder(ctx, orderNo)
	if err != nil {
		return false, fmt.Errorf("query wechat order: %w", err)
	}
	if str(tx.TradeState) != tradeStateSuccess {
		p.log.Debug("wechat order not paid", zap.String("order_no", orderNo), zap.String("trade_state", str(tx.TradeState)))
		return false, nil
	}
	res, err := p.processSuccess(ctx, tx)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// HandleCallback 验签解密回调通知；非 SUCCESS 的通知确认收到但不处理。
func (p *Provider) HandleCallback(ctx context.Context, req payment.CallbackRequest) (payment.CallbackResult, error) {
	gw, err := p.client()
	if err != nil {
		return payment.CallbackResult{Success: false, Message: err.Error()}, err
	}
	tx, err := gw.ParseNotify(ctx, req)
	if err != nil {
		p.log.Warn("wechat notify verification failed", zap.Error(err))
		return payment.CallbackResult{Success: false, Message: "签名验证失败"}, fmt.Errorf("parse notify: %w", err)
	}
	orderNo := str(tx.OutTradeNo)
	if orderNo == "" {
		return payment.CallbackResult{Success: false, Message: "缺少订单号"}, errors.New("notify without out_trade_no")
	}
	if state := str(tx.TradeState); state != tradeStateSuccess {
		p.log.Warn("wechat notify not success", zap.String("order_no", orderNo), zap.String("trade_state", state))
		return payment.CallbackResult{Success: true, Message: "状态非成功，已忽略", OrderNo: orderNo}, nil
	}
	return p.processSuccess(ctx, tx)
}

func (p *Provider) processSuccess(ctx context.Context, tx *payments.Transaction) (payment.CallbackResult, error) {
	orderNo := str(tx.OutTradeNo)
	txID := str(tx.TransactionId)
	var total int64
	if tx.Amount != nil && tx.Amount.Total != nil {
		total = *tx.Amount.Total
	}

	payload := map[string]any{
		"transaction_id": txID,
		"trade_state":    str(tx.TradeState),
		"total_fen":      total,
		"success_time":   str(tx.SuccessTime),
	}
	note := fmt.Sprintf("微信支付成功，交易ID: %s，金额: %d 分", txID, total)
	settled, err := p.settler.CompletePayment(ctx, orderNo, ProviderID, payload, note)
	if err != nil {
		return payment.CallbackResult{Success: false, Message: "处理失败", OrderNo: orderNo}, err
	}
	if !settled {
		return payment.CallbackResult{Success: true, Message: "订单已处理", OrderNo: orderNo}, nil
	}
	p.log.Info("wechat payment settled", zap.String("order_no", orderNo), zap.String("transaction_id", txID))
	return payment.CallbackResult{Success: true, Message: "支付成功", OrderNo: orderNo}, nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package payment 定义可插拔的支付通道：通道接口、按 provider_id 注册的构造器、
// 以及负责启动/停止通道的注册表。
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	redisstore "card_store/pkg/redis"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrProviderUnavailable 通道未注册、未配置或未启动
	ErrProviderUnavailable = errors.New("支付服务暂不可用")
	// ErrCallbackUnsupported 通道不支持回调
	ErrCallbackUnsupported = errors.New("此支付方式不支持回调")
)

// Result 创建支付的结果。
type Result struct {
	Success      bool           `json:"success"`
	PaymentURL   string         `json:"payment_url,omitempty"`
	PaymentData  map[string]any `json:"payment_data"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// CallbackRequest 通道回调的原始请求。
type CallbackRequest struct {
	Header http.Header
	Body   []byte
}

// CallbackResult 回调处理结果。
type CallbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderNo string `json:"order_no,omitempty"`
}

// Provider 支付通道。通道自己管理后台任务（如扫链）的生命周期。
type Provider interface {
	ID() string
	Name() string
	IsConfigured() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Started() bool
	CreatePayment(ctx context.Context, orderNo string, amount decimal.Decimal, currency string) (Result, error)
	VerifyPayment(ctx context.Context, orderNo string, paymentData map[string]any) (bool, error)
	HandleCallback(ctx context.Context, req CallbackRequest) (CallbackResult, error)
}

// Settler 通道确认到账后调用的结算入口。
type Settler interface {
	CompletePayment(ctx context.Context, orderNo, providerID string, payload map[string]any, note string) (bool, error)
}

// Deps 构造通道时注入的共享依赖。
type Deps struct {
	Store          *redisstore.Store
	Settler        Settler
	Log            *zap.Logger
	PaymentTimeout time.Duration
	HTTPTimeout    time.Duration
}

// Constructor 由支付方式的 meta_data 构造通道实例。
type Constructor func(meta map[string]any, deps Deps) (Provider, error)

// Base 提供默认实现：到账校验看待支付记录是否已被清除，不支持回调。
type Base struct {
	Store   *redisstore.Store
	started atomic.Bool
}

func (b *Base) Started() bool { return b.started.Load() }

// SetStarted 由通道在 Start/Stop 中维护。
func (b *Base) SetStarted(v bool) { b.started.Store(v) }

func (b *Base) IsConfigured() bool { return true }

func (b *Base) VerifyPayment(ctx context.Context, orderNo string, _ map[string]any) (bool, error) {
	_, found, err := b.Store.GetPendingPayment(ctx, orderNo)
	if err != nil {
		return false, err
	}
	return !found, nil
}

func (b *Base) HandleCallback(context.Context, CallbackRequest) (CallbackResult, error) {
	return CallbackResult{Success: false, Message: ErrCallbackUnsupported.Error()}, ErrCallbackUnsupported
}

// DecodeMeta 将 meta_data 解码到通道自己的配置结构体。
func DecodeMeta(meta map[string]any, out any) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

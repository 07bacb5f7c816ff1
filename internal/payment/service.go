package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"card_store/internal/model"
	"card_store/internal/notify"
	"card_store/internal/repository"
	redisstore "card_store/pkg/redis"

	"go.uber.org/zap"
)

var (
	ErrOrderNotFound = repository.ErrNotFound
	// ErrOrderNotPending 只有待支付订单可以发起支付
	ErrOrderNotPending = errors.New("订单状态不允许支付")
	// ErrMethodUnavailable 支付方式不存在、未启用或未绑定通道
	ErrMethodUnavailable = errors.New("支付方式不可用")
	// ErrCreateFailed 通道未能创建支付
	ErrCreateFailed = errors.New("创建支付失败")
	// ErrInitInProgress 同一订单的另一次发起支付尚未完成
	ErrInitInProgress = errors.New("支付正在创建中，请稍后重试")
)

// 同一订单的发起支付串行执行，后到的请求等待前一个完成后复用其支付会话。
const (
	initLockTTL  = 30 * time.Second
	initWait     = 10 * time.Second
	initRetryGap = 50 * time.Millisecond
)

// 查询支付状态时返回的状态
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// InitResult 发起支付的返回。
type InitResult struct {
	OrderNo     string         `json:"order_no"`
	Provider    string         `json:"provider"`
	PaymentURL  string         `json:"payment_url,omitempty"`
	PaymentData map[string]any `json:"payment_data"`
	ExpiresIn   int64          `json:"expires_in"`
	Reused      bool           `json:"reused"`
}

// StatusResult 支付状态。
type StatusResult struct {
	OrderNo     string            `json:"order_no"`
	Status      string            `json:"status"`
	OrderStatus model.OrderStatus `json:"order_status"`
	PaidAt      *time.Time        `json:"paid_at"`
	ExpiresIn   int64             `json:"expires_in,omitempty"`
}

// ProviderInfo 管理端展示的通道信息。
type ProviderInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Started    bool   `json:"started"`
}

// Service 支付发起、状态查询与回调分发。
type Service struct {
	orders   repository.OrderRepository
	methods  repository.PaymentMethodRepository
	registry *Registry
	store    *redisstore.Store
	notifier notify.Notifier
	timeout  time.Duration
	log      *zap.Logger
}

func NewService(repos *repository.Repos, registry *Registry, store *redisstore.Store, notifier notify.Notifier, timeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		orders:   repos.Orders,
		methods:  repos.PaymentMethods,
		registry: registry,
		store:    store,
		notifier: notifier,
		timeout:  timeout,
		log:      log.Named("payment"),
	}
}

// Init 为待支付订单发起支付。已有未过期且金额索引仍归属本订单的支付会话时直接复用。
func (s *Service) Init(ctx context.Context, orderNo string) (InitResult, error) {
	order, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return InitResult{}, err
	}
	if order.Status != model.OrderPending {
		return InitResult{}, ErrOrderNotPending
	}

	lock := redisstore.NewLock(s.store.Client(), "payment_init:"+orderNo, initLockTTL)
	if err := s.acquireInit(ctx, lock); err != nil {
		return InitResult{}, err
	}
	defer func() {
		if _, err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release payment init lock", zap.String("order_no", orderNo), zap.Error(err))
		}
	}()

	if res, ok, err := s.reusable(ctx, orderNo); err != nil {
		return InitResult{}, err
	} else if ok {
		return res, nil
	}

	method, err := s.methods.Get(ctx, order.PaymentMethodID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return InitResult{}, ErrMethodUnavailable
		}
		return InitResult{}, err
	}
	providerID := method.ProviderID()
	if !method.IsActive || providerID == "" {
		return InitResult{}, ErrMethodUnavailable
	}
	provider, ok := s.registry.Active(providerID)
	if !ok {
		return InitResult{}, ErrProviderUnavailable
	}

	res, err := provider.CreatePayment(ctx, order.OrderNo, order.TotalPrice, order.Currency)
	if err != nil {
		s.log.Error("create payment", zap.String("order_no", orderNo), zap.String("provider", providerID), zap.Error(err))
		return InitResult{}, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	if !res.Success {
		return InitResult{}, fmt.Errorf("%w: %s", ErrCreateFailed, res.ErrorMessage)
	}

	s.notifier.PaymentPending(ctx, order, res.PaymentData)
	s.log.Info("payment created",
		zap.String("order_no", orderNo),
		zap.String("provider", providerID),
	)
	return InitResult{
		OrderNo:     order.OrderNo,
		Provider:    providerID,
		PaymentURL:  res.PaymentURL,
		PaymentData: res.PaymentData,
		ExpiresIn:   int64(s.timeout / time.Second),
	}, nil
}

func (s *Service) acquireInit(ctx context.Context, lock *redisstore.Lock) error {
	deadline := time.Now().Add(initWait)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrInitInProgress
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(initRetryGap):
		}
	}
}

// reusable 判断现有支付会话能否复用，不能复用时清理残留状态。
func (s *Service) reusable(ctx context.Context, orderNo string) (InitResult, bool, error) {
	pending, found, err := s.store.GetPendingPayment(ctx, orderNo)
	if err != nil || !found {
		return InitResult{}, false, err
	}

	expiresIn := int64(pending.ExpiresAt.Sub(s.store.Now()) / time.Second)
	stale := expiresIn <= 0
	if !stale && pending.IndexedAmount != "" {
		owner, ok, err := s.store.AmountOwner(ctx, pending.IndexedAmount)
		if err != nil {
			return InitResult{}, false, err
		}
		stale = !ok || owner != orderNo
	}
	if stale {
		s.log.Info("discard stale pending payment", zap.String("order_no", orderNo))
		if err := s.store.ClearPayment(ctx, orderNo); err != nil {
			return InitResult{}, false, err
		}
		return InitResult{}, false, nil
	}

	url, _ := pending.PaymentData["payment_url"].(string)
	return InitResult{
		OrderNo:     orderNo,
		Provider:    pending.Provider,
		PaymentURL:  url,
		PaymentData: pending.PaymentData,
		ExpiresIn:   expiresIn,
		Reused:      true,
	}, true, nil
}

// Status 查询支付状态。存在待支付记录时会先让通道主动核验一次。
func (s *Service) Status(ctx context.Context, orderNo string) (StatusResult, error) {
	order, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return StatusResult{}, err
	}

	if order.Status == model.OrderPending {
		pending, found, err := s.store.GetPendingPayment(ctx, orderNo)
		if err != nil {
			return StatusResult{}, err
		}
		if !found {
			return statusOf(order, StatusExpired), nil
		}
		if p, ok := s.registry.Active(pending.Provider); ok {
			paid, err := p.VerifyPayment(ctx, orderNo, pending.PaymentData)
			if err != nil {
				s.log.Warn("verify payment", zap.String("order_no", orderNo), zap.Error(err))
			}
			if paid {
				if order, err = s.orders.GetByOrderNo(ctx, orderNo); err != nil {
					return StatusResult{}, err
				}
			}
		}
		if order.Status == model.OrderPending {
			res := statusOf(order, StatusPending)
			res.ExpiresIn = max(int64(pending.ExpiresAt.Sub(s.store.Now())/time.Second), 0)
			return res, nil
		}
	}

	switch order.Status {
	case model.OrderPending:
		return statusOf(order, StatusPending), nil
	case model.OrderCancelled:
		return statusOf(order, StatusCancelled), nil
	case model.OrderCompleted:
		return statusOf(order, StatusCompleted), nil
	default:
		return statusOf(order, StatusPaid), nil
	}
}

func statusOf(order *model.Order, status string) StatusResult {
	return StatusResult{
		OrderNo:     order.OrderNo,
		Status:      status,
		OrderStatus: order.Status,
		PaidAt:      order.PaidAt,
	}
}

// HandleCallback 将回调分发给对应通道。
func (s *Service) HandleCallback(ctx context.Context, providerID string, req CallbackRequest) (CallbackResult, error) {
	p, ok := s.registry.Active(providerID)
	if !ok {
		return CallbackResult{Success: false, Message: ErrProviderUnavailable.Error()}, ErrProviderUnavailable
	}
	res, err := p.HandleCallback(ctx, req)
	if err != nil {
		s.log.Warn("payment callback failed", zap.String("provider", providerID), zap.Error(err))
		return res, err
	}
	s.log.Info("payment callback handled",
		zap.String("provider", providerID),
		zap.String("order_no", res.OrderNo),
		zap.String("message", res.Message),
	)
	return res, nil
}

// PendingPayments 全部待支付记录，新的在前。
func (s *Service) PendingPayments(ctx context.Context) ([]redisstore.PendingPayment, error) {
	return s.store.ListPendingPayments(ctx)
}

// ScanLogs 扫描日志分页，新的在前。
func (s *Service) ScanLogs(ctx context.Context, limit, offset int64) ([]redisstore.ScanLog, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ScanLogs(ctx, limit, offset)
}

// Providers 运行中的通道及全部已注册通道 id。
func (s *Service) Providers() ([]ProviderInfo, []string) {
	active := s.registry.ActiveProviders()
	out := make([]ProviderInfo, 0, len(active))
	for _, p := range active {
		out = append(out, ProviderInfo{ID: p.ID(), Name: p.Name(), Configured: p.IsConfigured(), Started: p.Started()})
	}
	return out, s.registry.ProviderIDs()
}

// Reload 重新加载支付通道。
func (s *Service) Reload(ctx context.Context) error {
	return s.registry.Reload(ctx)
}

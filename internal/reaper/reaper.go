// Package reaper 周期性取消超过支付窗口的待支付订单。
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"card_store/internal/order"
	redisstore "card_store/pkg/redis"

	"go.uber.org/zap"
)

const (
	lockName = "order_timeout_checker"
	operator = "system"
)

// Canceller 订单取消入口。
type Canceller interface {
	Cancel(ctx context.Context, orderNo, operator, reason string) error
}

// Reaper 超时巡检。多实例部署时通过分布式锁保证同一周期只有一个实例执行。
type Reaper struct {
	store    *redisstore.Store
	orders   Canceller
	interval time.Duration
	lock     *redisstore.Lock
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store *redisstore.Store, orders Canceller, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		store:    store,
		orders:   orders,
		interval: interval,
		lock:     redisstore.NewLock(store.Client(), lockName, interval+10*time.Second),
		log:      log.Named("reaper"),
	}
}

// Start 启动后台巡检，重复调用无副作用。
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.log.Info("order timeout reaper started", zap.Duration("interval", r.interval))
}

// Stop 停止巡检并等待进行中的一轮结束。
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		r.log.Info("order timeout reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	ok, err := r.lock.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("acquire reaper lock", zap.Error(err))
		}
		return
	}
	if !ok {
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.lock.Release(rctx); err != nil {
			r.log.Warn("release reaper lock", zap.Error(err))
		}
	}()

	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("reap expired orders", zap.Error(err))
	}
}

// RunOnce 处理一轮过期的待支付记录，返回取消的订单数。
// 订单已不存在或已不是待支付状态时只清理临时状态；取消失败的记录保留到下一轮重试。
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	expired, err := r.store.ExpiredPendingPayments(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	cancelled := 0
	for _, p := range expired {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		err := r.orders.Cancel(ctx, p.OrderNo, operator, order.ReasonTimeout)
		switch {
		case err == nil:
			cancelled++
			r.log.Info("order expired", zap.String("order_no", p.OrderNo), zap.Time("expires_at", p.ExpiresAt))
		case errors.Is(err, order.ErrInvalidStatus), errors.Is(err, order.ErrOrderNotFound):
			if cerr := r.store.ClearPayment(ctx, p.OrderNo); cerr != nil {
				r.log.Warn("clear stale pending payment", zap.String("order_no", p.OrderNo), zap.Error(cerr))
			}
		default:
			r.log.Error("cancel expired order", zap.String("order_no", p.OrderNo), zap.Error(err))
		}
	}
	r.log.Info("reaper round finished", zap.Int("expired", len(expired)), zap.Int("cancelled", cancelled))
	return cancelled, nil
}

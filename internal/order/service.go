// Package order 实现订单状态机：下单、支付结算、取消与发货。
// 所有状态迁移都是带条件的更新（WHERE status IN ...），并发的回调、轮询与超时巡检只有一方能生效。
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"card_store/internal/delivery"
	"card_store/internal/model"
	"card_store/internal/notify"
	"card_store/internal/repository"
	redisstore "card_store/pkg/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrOrderNotFound = repository.ErrNotFound
	// ErrInvalidStatus 当前状态不允许该迁移
	ErrInvalidStatus = errors.New("invalid order status")
)

// ReasonTimeout 超时取消的原因，会记为 timeout_cancel 日志。
const ReasonTimeout = "timeout"

// Service 订单状态机。
type Service struct {
	repos    *repository.Repos
	store    *redisstore.Store
	delivery *delivery.Service
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repos *repository.Repos, store *redisstore.Store, deliverySvc *delivery.Service, notifier notify.Notifier, log *zap.Logger) *Service {
	return &Service{
		repos:    repos,
		store:    store,
		delivery: deliverySvc,
		notifier: notifier,
		log:      log.Named("order"),
		now:      time.Now,
	}
}

// GenerateOrderNo CS + 毫秒时间戳 + 8 位大写十六进制随机串。
func GenerateOrderNo(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("CS%d%s", now.UnixMilli(), strings.ToUpper(suffix))
}

// Get 按订单号读取订单（含明细）。
func (s *Service) Get(ctx context.Context, orderNo string) (*model.Order, error) {
	return s.repos.Orders.GetByOrderNo(ctx, orderNo)
}

// Logs 订单审计日志。
func (s *Service) Logs(ctx context.Context, orderNo string) ([]model.OrderLog, error) {
	o, err := s.repos.Orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return s.repos.Orders.ListLogs(ctx, o.ID)
}

// SettlePayment PENDING -> PAID。非待支付订单直接忽略并返回 false，重复通知是幂等的。
// 成功后清理待支付记录与金额索引，并触发支付成功邮件。
func (s *Service) SettlePayment(ctx context.Context, orderNo, providerID string, payload map[string]any, note string) (bool, error) {
	data := make(map[string]any, len(payload)+1)
	maps.Copy(data, payload)
	data["provider"] = providerID
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode payment data: %w", err)
	}

	paidAt := s.now()
	var order *model.Order
	settled := false
	err = s.repos.Transaction(ctx, func(tx *repository.Repos) error {
		o, err := tx.Orders.GetByOrderNo(ctx, orderNo)
		if err != nil {
			return err
		}
		ok, err := tx.Orders.UpdateStatusIf(ctx, orderNo,
			[]model.OrderStatus{model.OrderPending}, model.OrderPaid,
			map[string]any{"paid_at": paidAt, "payment_data": datatypes.JSON(raw)})
		if err != nil {
			return err
		}
		if !ok {
			order = o
			return nil
		}
		if note == "" {
			note = fmt.Sprintf("%s 支付成功", providerID)
		}
		if err := tx.Orders.AppendLog(ctx, &model.OrderLog{
			OrderID:  o.ID,
			Action:   model.LogActionPayment,
			Content:  note,
			Operator: providerID,
		}); err != nil {
			return err
		}
		o.Status = model.OrderPaid
		o.PaidAt = &paidAt
		o.PaymentData = datatypes.JSON(raw)
		order = o
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !settled {
		s.log.Warn("settle skipped, order not pending",
			zap.String("order_no", orderNo),
			zap.String("status", string(order.Status)),
			zap.String("provider", providerID))
		return false, nil
	}

	if err := s.store.ClearPayment(ctx, orderNo); err != nil {
		s.log.Warn("clear pending payment", zap.String("order_no", orderNo), zap.Error(err))
	}
	s.notifier.PaymentSuccess(ctx, order)
	s.log.Info("order paid", zap.String("order_no", orderNo), zap.String("provider", providerID))
	return true, nil
}

// CompletePayment 结算并在开启自动发货时发放虚拟商品。自动发货失败不影响已完成的结算。
func (s *Service) CompletePayment(ctx context.Context, orderNo, providerID string, payload map[string]any, note string) (bool, error) {
	settled, err := s.SettlePayment(ctx, orderNo, providerID, payload, note)
	if err != nil || !settled {
		return settled, err
	}
	if !s.delivery.AutoDeliveryEnabled(ctx) {
		return true, nil
	}
	res, err := s.delivery.AutoDeliverVirtualItems(ctx, orderNo)
	if err != nil {
		s.log.Warn("auto delivery failed", zap.String("order_no", orderNo), zap.Error(err))
		return true, nil
	}
	if res.Delivered > 0 {
		s.log.Info("auto delivered", zap.String("order_no", orderNo), zap.Int("count", res.Delivered))
	}
	return true, nil
}

// Cancel PENDING -> CANCELLED：回补每一行的商品库存计数，写取消日志，并清理临时支付状态。
func (s *Service) Cancel(ctx context.Context, orderNo, operator, reason string) error {
	if operator == "" {
		operator = delivery.OperatorSystem
	}
	err := s.repos.Transaction(ctx, func(tx *repository.Repos) error {
		o, err := tx.Orders.GetByOrderNo(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return fmt.Errorf("%w: cannot cancel %s order", ErrInvalidStatus, o.Status)
		}
		ok, err := tx.Orders.UpdateStatusIf(ctx, orderNo,
			[]model.OrderStatus{model.OrderPending}, model.OrderCancelled, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order changed concurrently", ErrInvalidStatus)
		}
		for _, item := range o.Items {
			if err := tx.Products.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("restore stock product=%d: %w", item.ProductID, err)
			}
		}

		action := model.LogActionCancel
		if reason == ReasonTimeout {
			action = model.LogActionTimeoutCancel
		}
		content := "订单已取消，操作人：" + operator
		if reason != "" {
			content += "，原因：" + reason
		}
		return tx.Orders.AppendLog(ctx, &model.OrderLog{
			OrderID:  o.ID,
			Action:   action,
			Content:  content,
			Operator: operator,
		})
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidStatus) && !errors.Is(err, repository.ErrNotFound) {
			s.log.Error("cancel order", zap.String("order_no", orderNo), zap.Error(err))
		}
		return err
	}

	if err := s.store.ClearPayment(ctx, orderNo); err != nil {
		s.log.Warn("clear pending payment", zap.String("order_no", orderNo), zap.Error(err))
	}
	s.log.Info("order cancelled",
		zap.String("order_no", orderNo),
		zap.String("operator", operator),
		zap.String("reason", reason))
	return nil
}

// Deliver 委托发货服务。
func (s *Service) Deliver(ctx context.Context, orderNo string, itemIDs []uint, remark, operator string) (delivery.Result, error) {
	return s.delivery.DeliverOrder(ctx, orderNo, itemIDs, remark, operator)
}

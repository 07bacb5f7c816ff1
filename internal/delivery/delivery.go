// Package delivery 负责库存分配与发货：虚拟商品逐项原子领取卡密，实物商品标记已发货。
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"card_store/internal/model"
	"card_store/internal/notify"
	"card_store/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrInvalidStatus 只有已支付或处理中的订单可以发货
	ErrInvalidStatus = errors.New("order status does not allow delivery")
	// ErrNothingToDeliver 没有可发货的明细
	ErrNothingToDeliver = errors.New("没有需要发货的商品项")
	// ErrInsufficientStock 卡密库存不足
	ErrInsufficientStock = errors.New("insufficient stock")
)

const (
	OperatorSystem = "system"
	OperatorAuto   = "auto"
)

// Result 一次发货调用的结果。失败时 Delivered 为失败前已发货的明细数。
type Result struct {
	Delivered int
	Completed bool
	Message   string
}

// Service 发货服务。
type Service struct {
	repos    *repository.Repos
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repos *repository.Repos, notifier notify.Notifier, log *zap.Logger) *Service {
	return &Service{repos: repos, notifier: notifier, log: log.Named("delivery"), now: time.Now}
}

// DeliverOrder 发货。itemIDs 为空表示全部未发货明细。
// 虚拟明细逐项在事务内领取卡密，某项库存不足时立即失败，之前已完成的明细不回滚。
func (s *Service) DeliverOrder(ctx context.Context, orderNo string, itemIDs []uint, remark, operator string) (Result, error) {
	return s.deliver(ctx, orderNo, itemIDs, remark, operator, false)
}

// AutoDeliverVirtualItems 只发放未发货的虚拟明细，支付成功后自动调用。
func (s *Service) AutoDeliverVirtualItems(ctx context.Context, orderNo string) (Result, error) {
	return s.deliver(ctx, orderNo, nil, "", OperatorAuto, true)
}

func (s *Service) deliver(ctx context.Context, orderNo string, itemIDs []uint, remark, operator string, virtualOnly bool) (Result, error) {
	if operator == "" {
		operator = OperatorSystem
	}
	order, err := s.repos.Orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return Result{}, err
	}
	if order.Status != model.OrderPaid && order.Status != model.OrderProcessing {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidStatus, order.Status)
	}

	wanted := make(map[uint]bool, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = true
	}
	targets := make([]*model.OrderItem, 0, len(order.Items))
	for i := range order.Items {
		item := &order.Items[i]
		if item.Delivered() {
			continue
		}
		if len(wanted) > 0 && !wanted[item.ID] {
			continue
		}
		if virtualOnly && item.ProductType != model.ProductVirtual {
			continue
		}
		targets = append(targets, item)
	}
	if len(targets) == 0 {
		if virtualOnly {
			return Result{Message: "没有需要自动发货的虚拟商品"}, nil
		}
		return Result{}, ErrNothingToDeliver
	}

	sections := make([]string, 0, len(targets))
	delivered := 0
	for _, item := range targets {
		section, ok, err := s.deliverItem(ctx, item, remark)
		if err != nil {
			s.log.Error("deliver item",
				zap.String("order_no", orderNo),
				zap.Uint("item_id", item.ID),
				zap.Int("delivered", delivered),
				zap.Error(err))
			return Result{Delivered: delivered, Message: err.Error()}, err
		}
		if !ok {
			continue
		}
		sections = append(sections, section)
		delivered++
	}
	if delivered == 0 {
		return Result{}, ErrNothingToDeliver
	}

	allDone := true
	for _, item := range order.Items {
		if !item.Delivered() {
			allDone = false
			break
		}
	}
	next := model.OrderProcessing
	if allDone {
		next = model.OrderCompleted
	}
	if _, err := s.repos.Orders.UpdateStatusIf(ctx, orderNo,
		[]model.OrderStatus{model.OrderPaid, model.OrderProcessing}, next, nil); err != nil {
		return Result{Delivered: delivered}, fmt.Errorf("update order status: %w", err)
	}

	logContent := fmt.Sprintf("部分发货 (%d 件)", delivered)
	if allDone {
		logContent = "全部发货完成"
	}
	if remark != "" {
		logContent += "，备注: " + remark
	}
	if err := s.repos.Orders.AppendLog(ctx, &model.OrderLog{
		OrderID:  order.ID,
		Action:   model.LogActionDeliver,
		Content:  logContent,
		Operator: operator,
	}); err != nil {
		s.log.Warn("append delivery log", zap.String("order_no", orderNo), zap.Error(err))
	}

	content := strings.Join(sections, "\n\n")
	if remark != "" {
		content += "\n\n商家备注: " + remark
	}
	s.notifier.Delivery(ctx, order, content)

	s.log.Info("order delivered",
		zap.String("order_no", orderNo),
		zap.Int("delivered", delivered),
		zap.Bool("all_done", allDone))
	return Result{Delivered: delivered, Completed: allDone, Message: "发货成功"}, nil
}

// deliverItem 发放单条明细。ok=false 表示该明细已被并发发货，跳过。
func (s *Service) deliverItem(ctx context.Context, item *model.OrderItem, remark string) (string, bool, error) {
	now := s.now()
	var section string
	err := s.repos.Transaction(ctx, func(tx *repository.Repos) error {
		content := remark
		if item.ProductType == model.ProductVirtual {
			claimed, err := tx.Inventory.Claim(ctx, item.ProductID, item.Quantity, item.ID, now)
			if err != nil {
				if errors.Is(err, repository.ErrInsufficientInventory) {
					available, _ := tx.Inventory.CountAvailable(ctx, item.ProductID)
					return fmt.Errorf("%w: 商品 %s 库存不足，需要 %d，实际 %d",
						ErrInsufficientStock, item.ProductName, item.Quantity, available)
				}
				return err
			}
			codes := make([]string, 0, len(claimed))
			for _, c := range claimed {
				codes = append(codes, c.Content)
			}
			content = strings.Join(codes, "\n")
			section = fmt.Sprintf("【%s】\n%s", item.ProductName, content)
		} else {
			section = fmt.Sprintf("【%s】实体商品已发货", item.ProductName)
		}

		ok, err := tx.Orders.MarkItemDelivered(ctx, item.ID, content, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyDelivered
		}
		return nil
	})
	if errors.Is(err, errAlreadyDelivered) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	item.DeliveredAt = &now
	return section, true, nil
}

var errAlreadyDelivered = errors.New("item already delivered")

// CheckVirtualStock 虚拟商品可售量（未售出卡密数）是否满足 quantity。
func (s *Service) CheckVirtualStock(ctx context.Context, productID uint, quantity int) (bool, int64, error) {
	available, err := s.GetVirtualStockCount(ctx, productID)
	if err != nil {
		return false, 0, err
	}
	return available >= int64(quantity), available, nil
}

// GetVirtualStockCount 未售出卡密数量。
func (s *Service) GetVirtualStockCount(ctx context.Context, productID uint) (int64, error) {
	return s.repos.Inventory.CountAvailable(ctx, productID)
}

// AutoDeliveryEnabled 读取平台配置 auto_delivery_virtual，未配置视为关闭。
func (s *Service) AutoDeliveryEnabled(ctx context.Context) bool {
	c, err := s.repos.Configs.Get(ctx, model.ConfigAutoDeliveryVirtual)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("read auto delivery config", zap.Error(err))
		}
		return false
	}
	return c.Truthy()
}

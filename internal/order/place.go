package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"card_store/internal/model"
	"card_store/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrEmptyOrder               = errors.New("order has no items")
	ErrInvalidEmail             = errors.New("invalid email")
	ErrInvalidQuantity          = errors.New("quantity must be > 0")
	ErrPaymentMethodUnavailable = errors.New("支付方式不存在或已禁用")
	ErrProductUnavailable       = errors.New("商品不存在或已下架")
	ErrInsufficientStock        = errors.New("库存不足")
)

// PlaceItem 下单明细。
type PlaceItem struct {
	ProductID uint `json:"product_id"`
	Quantity  int  `json:"quantity"`
}

// PlaceRequest 下单参数。
type PlaceRequest struct {
	Email           string      `json:"email"`
	Currency        string      `json:"currency"`
	PaymentMethodID uint        `json:"payment_method_id"`
	Items           []PlaceItem `json:"items"`
	ShippingName    string      `json:"shipping_name"`
	ShippingPhone   string      `json:"shipping_phone"`
	ShippingAddress string      `json:"shipping_address"`
	Remark          string      `json:"remark"`
}

func (r PlaceRequest) validate() error {
	if len(r.Items) == 0 {
		return ErrEmptyOrder
	}
	if !strings.Contains(r.Email, "@") {
		return ErrInvalidEmail
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// Place 创建 PENDING 订单：校验支付方式与商品、检查库存、快照价格、计算手续费并扣减商品库存计数。
// 虚拟商品以未售出卡密数判断库存，实物商品以 stock 判断。整个过程在一个事务内完成。
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	var order *model.Order
	err := s.repos.Transaction(ctx, func(tx *repository.Repos) error {
		method, err := tx.PaymentMethods.Get(ctx, req.PaymentMethodID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrPaymentMethodUnavailable
			}
			return err
		}
		if !method.IsActive {
			return ErrPaymentMethodUnavailable
		}

		items := make([]model.OrderItem, 0, len(req.Items))
		subtotal := decimal.Zero
		for _, it := range req.Items {
			p, err := tx.Products.Get(ctx, it.ProductID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("%w: 商品ID %d", ErrProductUnavailable, it.ProductID)
				}
				return err
			}
			if !p.IsActive {
				return fmt.Errorf("%w: 商品ID %d", ErrProductUnavailable, it.ProductID)
			}

			if p.Type == model.ProductVirtual {
				available, err := tx.Inventory.CountAvailable(ctx, p.ID)
				if err != nil {
					return err
				}
				if available < int64(it.Quantity) {
					return fmt.Errorf("%w: 商品 %s（可用: %d）", ErrInsufficientStock, p.Name, available)
				}
			} else if p.Stock < int64(it.Quantity) {
				return fmt.Errorf("%w: 商品 %s", ErrInsufficientStock, p.Name)
			}

			line := p.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
			subtotal = subtotal.Add(line)
			items = append(items, model.OrderItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				ProductType: p.Type,
				Price:       p.Price,
				Quantity:    it.Quantity,
				Subtotal:    line,
			})
		}

		fee := method.Fee(subtotal)
		o := &model.Order{
			OrderNo:         GenerateOrderNo(s.now()),
			Status:          model.OrderPending,
			Email:           strings.TrimSpace(req.Email),
			Currency:        req.Currency,
			TotalPrice:      subtotal.Add(fee),
			PaymentFee:      fee,
			PaymentMethodID: method.ID,
			ShippingName:    req.ShippingName,
			ShippingPhone:   req.ShippingPhone,
			ShippingAddress: req.ShippingAddress,
			Remark:          req.Remark,
			Items:           items,
		}
		if err := tx.Orders.Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range items {
			ok, err := tx.Products.DecrementStock(ctx, item.ProductID, item.Quantity, item.ProductType == model.ProductPhysical)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: 商品 %s", ErrInsufficientStock, item.ProductName)
			}
		}

		if err := tx.Orders.AppendLog(ctx, &model.OrderLog{
			OrderID:  o.ID,
			Action:   model.LogActionCreate,
			Content:  "订单创建",
			Operator: o.Email,
		}); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order placed",
		zap.String("order_no", order.OrderNo),
		zap.String("total", order.TotalPrice.String()),
		zap.Int("items", len(order.Items)))
	return order, nil
}

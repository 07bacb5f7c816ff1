// Package notify 定义订单生命周期的邮件通知触发点。所有触发都是 fire-and-forget，
// 失败只记录日志，不会回滚任何订单状态。
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"card_store/internal/model"
	"card_store/internal/queue"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier 通知触发契约。
type Notifier interface {
	PaymentPending(ctx context.Context, order *model.Order, paymentData map[string]any)
	PaymentSuccess(ctx context.Context, order *model.Order)
	Delivery(ctx context.Context, order *model.Order, content string)
}

// StreamNotifier 将通知事件写入 Redis Stream，由 Relay 转发到 Kafka 后发信。
type StreamNotifier struct {
	rdb    *rd.Client
	stream string
	maxLen int64
	log    *zap.Logger
}

func NewStreamNotifier(rdb *rd.Client, stream string, log *zap.Logger) *StreamNotifier {
	return &StreamNotifier{rdb: rdb, stream: stream, maxLen: 10000, log: log.Named("notify")}
}

func (n *StreamNotifier) PaymentPending(ctx context.Context, order *model.Order, paymentData map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "订单号：%s\n", order.OrderNo)
	fmt.Fprintf(&b, "订单金额：%s %s\n", order.TotalPrice.String(), order.Currency)
	keys := make([]string, 0, len(paymentData))
	for k := range paymentData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s：%v\n", k, paymentData[k])
	}
	b.WriteString("请在支付窗口内完成付款，超时订单将自动取消。")

	n.publish(ctx, queue.NotifyMessage{
		Kind:    queue.KindPaymentPending,
		OrderNo: order.OrderNo,
		Email:   order.Email,
		Subject: fmt.Sprintf("订单 %s 待支付", order.OrderNo),
		Body:    b.String(),
	})
}

func (n *StreamNotifier) PaymentSuccess(ctx context.Context, order *model.Order) {
	paidAt := time.Now()
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}
	n.publish(ctx, queue.NotifyMessage{
		Kind:    queue.KindPaymentSuccess,
		OrderNo: order.OrderNo,
		Email:   order.Email,
		Subject: fmt.Sprintf("订单 %s 支付成功", order.OrderNo),
		Body: fmt.Sprintf("订单号：%s\n支付金额：%s %s\n支付时间：%s",
			order.OrderNo, order.TotalPrice.String(), order.Currency, paidAt.Format(time.DateTime)),
	})
}

func (n *StreamNotifier) Delivery(ctx context.Context, order *model.Order, content string) {
	n.publish(ctx, queue.NotifyMessage{
		Kind:    queue.KindDelivery,
		OrderNo: order.OrderNo,
		Email:   order.Email,
		Subject: fmt.Sprintf("订单 %s 已发货", order.OrderNo),
		Body:    fmt.Sprintf("订单号：%s\n\n%s", order.OrderNo, content),
	})
}

func (n *StreamNotifier) publish(ctx context.Context, msg queue.NotifyMessage) {
	if msg.Email == "" {
		return
	}
	err := n.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: msg.Values(),
	}).Err()
	if err != nil {
		n.log.Warn("enqueue notification",
			zap.String("kind", msg.Kind),
			zap.String("order_no", msg.OrderNo),
			zap.Error(err))
	}
}

// Nop 丢弃所有通知。
type Nop struct{}

func (Nop) PaymentPending(context.Context, *model.Order, map[string]any) {}
func (Nop) PaymentSuccess(context.Context, *model.Order)                 {}
func (Nop) Delivery(context.Context, *model.Order, string)               {}

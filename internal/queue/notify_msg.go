package queue

import (
	"fmt"
	"strings"
)

// 通知事件类型
const (
	KindPaymentPending = "payment_pending"
	KindPaymentSuccess = "payment_success"
	KindDelivery       = "delivery"
)

// NotifyMessage 写入 Redis Stream 并转发到 Kafka 的邮件通知事件。
type NotifyMessage struct {
	Kind    string `json:"kind"`
	OrderNo string `json:"order_no"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m NotifyMessage) Validate() error {
	switch m.Kind {
	case KindPaymentPending, KindPaymentSuccess, KindDelivery:
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if !strings.Contains(m.Email, "@") {
		return fmt.Errorf("email is invalid")
	}
	if m.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

// Values 转成 XADD 的字段。
func (m NotifyMessage) Values() map[string]any {
	return map[string]any{
		"kind":     m.Kind,
		"order_no": m.OrderNo,
		"email":    m.Email,
		"subject":  m.Subject,
		"body":     m.Body,
	}
}

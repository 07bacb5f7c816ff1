package queue

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sender 实际发信的实现（SMTP 或仅记录日志）。
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Consumer 订阅通知 Topic 并发送邮件。发送失败只记录日志，不影响订单流程。
type Consumer struct {
	r      *kafka.Reader
	sender Sender
	log    *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, sender Sender, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
		}),
		sender: sender,
		log:    log.Named("mail_consumer"),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 阻塞消费直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		c.handle(ctx, m.Value)
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) {
	var msg NotifyMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Warn("unmarshal notification", zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn("drop invalid notification", zap.String("order_no", msg.OrderNo), zap.Error(err))
		return
	}
	if err := c.sender.Send(ctx, msg.Email, msg.Subject, msg.Body); err != nil {
		c.log.Error("send mail",
			zap.String("kind", msg.Kind),
			zap.String("order_no", msg.OrderNo),
			zap.Error(err))
		return
	}
	c.log.Info("mail sent", zap.String("kind", msg.Kind), zap.String("order_no", msg.OrderNo))
}

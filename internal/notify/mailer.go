package notify

import (
	"context"
	"fmt"
	"net"
	"time"

	"card_store/internal/config"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const defaultMailTimeout = 15 * time.Second

// SMTPMailer 纯文本邮件发送。每封邮件单独建连，连接读写受 ctx 与 SMTP_TIMEOUT 共同约束。
type SMTPMailer struct {
	cfg     config.MailConfig
	timeout time.Duration
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMailTimeout
	}
	return &SMTPMailer{cfg: cfg, timeout: timeout}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg, err := newMessage(m.cfg.From, to, subject, body)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(m.dialer(sendCtx)),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(sendCtx, msg); err != nil {
		if ctxErr := sendCtx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp send to %s: %w", to, ctxErr)
		}
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// dialer 建连后把 sendCtx 的截止时间设到连接上，并在 sendCtx 取消时立即打断阻塞的读写，
// 服务器接受连接却不应答时不会挂住调用方。
func (m *SMTPMailer) dialer(sendCtx context.Context) mail.DialContextFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := sendCtx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		context.AfterFunc(sendCtx, func() {
			_ = conn.SetDeadline(time.Now())
		})
		return conn, nil
	}
}

func newMessage(from, to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("mail from %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mail to %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// LogMailer 未开启邮件时使用，只记录日志。
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{log: log.Named("mailer")}
}

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.log.Info("mail (not sent)", zap.String("to", to), zap.String("subject", subject), zap.Int("body_len", len(body)))
	return nil
}

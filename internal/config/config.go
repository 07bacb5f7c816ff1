package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入（可选 .env 文件）。
// 支付通道自身的参数不在这里，而是存放在 payment_methods.meta_data。
type AppConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// DBDriver 支持 sqlite / postgres / mysql
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"card_store.db"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// 通知事件：服务内 XADD 到 Redis Stream，Relay 转发 Kafka，邮件消费者订阅 Kafka。
	KafkaBrokers         []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	NotifyTopic          string   `env:"NOTIFY_TOPIC" envDefault:"card-store-notifications"`
	NotifyGroupID        string   `env:"NOTIFY_GROUP_ID" envDefault:"card-store-mailer"`
	NotifyStream         string   `env:"NOTIFY_STREAM" envDefault:"card_store:notify_events"`
	NotifyStreamGroup    string   `env:"NOTIFY_STREAM_GROUP" envDefault:"card-store-relay-group"`
	NotifyStreamConsumer string   `env:"NOTIFY_STREAM_CONSUMER" envDefault:"card-store-relay-1"`
	RelayEnabled         bool     `env:"RELAY_ENABLED" envDefault:"true"`

	// 支付窗口、超时巡检周期、链上 API 超时
	PaymentTimeout time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"15m"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`
	LedgerTimeout  time.Duration `env:"LEDGER_TIMEOUT" envDefault:"30s"`

	// 支付初始化接口限流（按 IP 滑动窗口）
	PayRateLimit  int           `env:"PAY_RATE_LIMIT" envDefault:"30"`
	PayRateWindow time.Duration `env:"PAY_RATE_WINDOW" envDefault:"60s"`

	// 管理接口的简单令牌
	AdminToken string `env:"ADMIN_TOKEN" envDefault:"dev-admin-token"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Mail MailConfig
}

// MailConfig SMTP 发信配置，MAIL_ENABLED=false 时邮件消费者只记录日志。
type MailConfig struct {
	Enabled  bool   `env:"MAIL_ENABLED" envDefault:"false"`
	Host     string `env:"SMTP_HOST" envDefault:"localhost"`
	Port     int    `env:"SMTP_PORT" envDefault:"25"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM" envDefault:"noreply@localhost"`

	// Timeout 单封邮件从建连到发送完成的上限
	Timeout time.Duration `env:"SMTP_TIMEOUT" envDefault:"15s"`
}

// Load 读取 .env（如存在）与环境变量，并做校验。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 校验取值范围。
func (c *AppConfig) Validate() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch c.DBDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be one of sqlite, postgres, mysql")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be > 0")
	}
	if c.PayRateLimit <= 0 {
		return fmt.Errorf("PAY_RATE_LIMIT must be > 0")
	}
	if c.PayRateWindow < time.Second {
		return fmt.Errorf("PAY_RATE_WINDOW must be >= 1s")
	}
	if c.RelayEnabled {
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if c.NotifyTopic == "" {
			return fmt.Errorf("NOTIFY_TOPIC must not be empty")
		}
		if c.NotifyGroupID == "" {
			return fmt.Errorf("NOTIFY_GROUP_ID must not be empty")
		}
		if c.NotifyStreamGroup == "" {
			return fmt.Errorf("NOTIFY_STREAM_GROUP must not be empty")
		}
		if c.NotifyStreamConsumer == "" {
			return fmt.Errorf("NOTIFY_STREAM_CONSUMER must not be empty")
		}
	}
	if c.NotifyStream == "" {
		return fmt.Errorf("NOTIFY_STREAM must not be empty")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN must not be empty")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"card_store/internal/config"
	"card_store/internal/delivery"
	"card_store/internal/middleware"
	"card_store/internal/model"
	"card_store/internal/notify"
	"card_store/internal/order"
	"card_store/internal/payment"
	"card_store/internal/payment/trc20"
	"card_store/internal/payment/wechat"
	"card_store/internal/queue"
	"card_store/internal/reaper"
	"card_store/internal/repository"
	"card_store/internal/router"
	"card_store/pkg/logger"
	redisstore "card_store/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 数据库，自动建表
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// 3. 领域服务
	store := redisstore.NewStore(rdb)
	notifier := notify.NewStreamNotifier(rdb, cfg.NotifyStream, log)
	repos := repository.New(db)
	orders := order.NewService(repos, store, delivery.NewService(repos, notifier, log), notifier, log)

	registry := payment.NewRegistry(repos.PaymentMethods, payment.Deps{
		Store:          store,
		Settler:        orders,
		Log:            log,
		PaymentTimeout: cfg.PaymentTimeout,
		HTTPTimeout:    cfg.LedgerTimeout,
	})
	registry.Register(trc20.ProviderID, trc20.New)
	registry.Register(wechat.ProviderID, wechat.New)
	if err := registry.LoadAndStart(ctx); err != nil {
		return err
	}
	payments := payment.NewService(repos, registry, store, notifier, cfg.PaymentTimeout, log)

	rp := reaper.New(store, orders, cfg.ReaperInterval, log)
	rp.Start()

	// 4. 通知链路：Redis Stream -> Kafka -> 邮件
	var wg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	if cfg.RelayEnabled {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
		defer producer.Close()
		relay := queue.NewRelay(rdb, producer, cfg.NotifyStream, cfg.NotifyStreamGroup, cfg.NotifyStreamConsumer, log)

		var sender queue.Sender = notify.NewLogMailer(log)
		if cfg.Mail.Enabled {
			sender = notify.NewSMTPMailer(cfg.Mail)
		}
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.NotifyTopic, cfg.NotifyGroupID, sender, log)
		defer consumer.Close()

		wg.Add(2)
		go func() {
			defer wg.Done()
			relay.Run(bgCtx)
		}()
		go func() {
			defer wg.Done()
			consumer.Run(bgCtx)
		}()
	}

	// 5. HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.AccessLog(log))
	router.Setup(r, router.Deps{Orders: orders, Payments: payments, Redis: rdb, Config: cfg, Log: log})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	// 6. 优雅退出：先停 HTTP，再停后台任务
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := rp.Stop(shutdownCtx); err != nil {
		log.Warn("reaper stop", zap.Error(err))
	}
	registry.StopAll(shutdownCtx)
	cancelBg()
	wg.Wait()
	log.Info("server stopped")
	return serveErr
}

func openDB(cfg config.AppConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DBDSN)
	case "mysql":
		dialector = mysql.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

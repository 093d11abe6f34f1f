package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dianping/internal/cache"
	"dianping/internal/clock"
	"dianping/internal/config"
	"dianping/internal/logger"
	"dianping/internal/queue"
	"dianping/internal/router"
	"dianping/internal/service"
	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 连接 SQLite，自动建表
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer func() { _ = sqlDB.Close() }()
	}
	st := store.New(db)

	// 2. 连接 Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed, continuing", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	kv := rediskit.NewStore(rdb)
	clk := clock.NewRealClock()

	// 3. 组装缓存与业务服务
	strategy, err := cache.ParseStrategy(cfg.Cache.Strategy)
	if err != nil {
		return err
	}
	cacheClient := cache.NewClient(kv, clk, log.Named("cache"), cfg.Cache.CacheOptions())
	shops := service.NewShopService(st, cacheClient, service.ShopConfig{
		Strategy:   strategy,
		TTL:        cfg.Cache.ShopTTL,
		LogicalTTL: cfg.Cache.LogicalTTL,
	}, log.Named("shop"))

	var locker service.UserLocker = service.NewRedisUserLocker(kv, cfg.Seckill.LockTTL)
	if cfg.Seckill.LockMode == config.LockModeLocal {
		log.Warn("seckill user lock is process-local, run a single instance only")
		locker = service.NewLocalUserLocker()
	}

	opts := []service.VoucherOrderOption{service.WithReceipts(kv, cfg.Seckill.ReceiptTTL)}

	// 4. 下单事件：Stream outbox → Relay → Kafka → 回执消费者
	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = producer.Close() }()
		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, kv, cfg.Seckill.ReceiptTTL, log.Named("consumer"))
		defer func() { _ = consumer.Close() }()
		relay := queue.NewRelay(rdb, producer, cfg.Stream.Name, cfg.Stream.Group, cfg.Stream.Consumer, log.Named("relay"))

		opts = append(opts, service.WithEventPublisher(queue.NewStreamPublisher(rdb, cfg.Stream.Name, cfg.Stream.MaxLen)))

		wg.Add(2)
		go func() { defer wg.Done(); relay.Run(ctx) }()
		go func() { defer wg.Done(); consumer.Run(ctx) }()
	}

	orders := service.NewVoucherOrderService(st, rediskit.NewIDWorker(kv, clk), locker, clk, log.Named("seckill"), opts...)

	// 5. HTTP
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{Shops: shops, Orders: orders, Vouchers: st, RDB: rdb, Log: log.Named("http")}, cfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("cache_strategy", string(strategy)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	cacheClient.Wait()
	return nil
}

package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"hokhau/common/database"
	"hokhau/common/logger"
	commonmqtt "hokhau/common/mqtt"
	commonredis "hokhau/common/redis"
	"hokhau/common/telemetry"
	"hokhau/internal/config"
	"hokhau/internal/events"
	httpapi "hokhau/internal/http"
	"hokhau/internal/metrics"
	"hokhau/internal/migrations"
	"hokhau/internal/repository"
	"hokhau/internal/service"
	"hokhau/internal/store"
)

const eventStreamMaxLen = 100000

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "hokhau-data")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, &cfg.Tracing, log)
	if err != nil {
		log.Warn("Tracing unavailable, spans will not be exported", zap.Error(err))
		tel = &telemetry.Telemetry{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Postgres：不可用时回落到内存存储（同样的事务语义）
	var db *sql.DB
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(ctx, &cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for hokhau-data", zap.String("host", cfg.Database.Host))
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory store", zap.Error(err))
		}
	}
	if db != nil && cfg.MigrateOnStart {
		if err := migrations.Up(ctx, db); err != nil {
			log.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	var st repository.Store
	if db != nil {
		st = repository.NewPostgresStore(db, cfg.TxTimeout)
	} else {
		st = repository.NewMemoryStore()
	}

	// Redis：幂等键、户口编号计数器、事件流
	var redisClient *commonredis.Client
	if cfg.Redis.Addr != "" {
		c := commonredis.NewRedisClient(&cfg.Redis)
		if err := commonredis.Ping(ctx, c); err != nil {
			log.Warn("Redis unavailable, idempotency keys kept in memory", zap.Error(err))
			_ = c.Close()
		} else {
			redisClient = c
		}
	}
	var kv store.KV = store.NewMemoryKV()
	if redisClient != nil {
		kv = store.NewRedisKV(redisClient)
	}

	codes := service.NewCodeAllocator(codeSequence(cfg, db, redisClient, log))

	publishers, closers := eventPublishers(cfg, redisClient, log)
	fanout := events.NewFanout(log, m, publishers...)

	guard := service.NewHouseholdGuard(st, fanout, m, log)
	households := service.NewHouseholdService(st, guard, codes, fanout, m, log)
	requests := service.NewRequestService(st, guard, codes, kv, cfg.IdempotencyTTL, fanout, m, log)
	feedback := service.NewFeedbackService(st, fanout, m, log)

	router := httpapi.NewRouter(log)
	router.RegisterHealthRoutes(reg)
	router.RegisterHouseholdRoutes(httpapi.NewHouseholdHandler(households, guard, log))
	router.RegisterRequestRoutes(httpapi.NewRequestHandler(requests, log))
	router.RegisterFeedbackRoutes(httpapi.NewFeedbackHandler(feedback, log))

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	for _, c := range closers {
		c()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	_ = database.Close(db)
}

// codeSequence 按 CODE_ALLOCATOR 选择计数器，实际后端与配置不一致时告警
func codeSequence(cfg *config.Config, db *sql.DB, redisClient *commonredis.Client, log *zap.Logger) repository.CodeSequence {
	seq, backend := service.SelectCodeSequence(cfg.CodeAllocator, db, redisClient, cfg.HouseholdCodeStart)
	if backend != cfg.CodeAllocator {
		log.Warn("code allocator backend unavailable, falling back",
			zap.String("allocator", cfg.CodeAllocator), zap.String("using", backend))
	}
	return seq
}

// eventPublishers 组装已启用的事件投递目标，返回关闭函数
func eventPublishers(cfg *config.Config, redisClient *commonredis.Client, log *zap.Logger) ([]events.Publisher, []func()) {
	var (
		pubs    []events.Publisher
		closers []func()
	)
	if redisClient != nil && cfg.Events.RedisStream != "" {
		pubs = append(pubs, events.NewRedisStreamPublisher(redisClient, cfg.Events.RedisStream, eventStreamMaxLen))
	}
	if cfg.Events.MQTTEnabled {
		client, err := commonmqtt.NewClient(&cfg.Events.MQTT, log)
		if err != nil {
			log.Warn("MQTT unavailable, events will not be published to MQTT", zap.Error(err))
		} else {
			pubs = append(pubs, events.NewMQTTPublisher(client, cfg.Events.MQTTTopic, cfg.Events.MQTT.QoS))
			closers = append(closers, client.Disconnect)
		}
	}
	if cfg.Events.KafkaEnabled {
		client, err := events.NewKafkaClient(cfg.Events.Kafka)
		if err != nil {
			log.Warn("Kafka unavailable, events will not be published to Kafka", zap.Error(err))
		} else {
			pubs = append(pubs, events.NewKafkaPublisher(client, cfg.Events.KafkaTopic))
			closers = append(closers, client.Close)
		}
	}
	if cfg.Events.WebhookURL != "" {
		pubs = append(pubs, events.NewWebhookPublisher(cfg.Events.WebhookURL))
	}
	log.Info("event publishers configured", zap.Int("count", len(pubs)))
	return pubs, closers
}

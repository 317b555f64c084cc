package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"debate_engine/internal/api"
	"debate_engine/internal/models"
	"debate_engine/internal/queue"
	"debate_engine/internal/repository"
	"debate_engine/internal/service"
	"debate_engine/internal/storage"
	"debate_engine/internal/telemetry"
	"debate_engine/internal/utils"
	"debate_engine/pkg/config"
)

func main() {
	// 載入應用程式配置（.env、config.yaml、DEBATE_ 環境變數）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.SetSecret(cfg.JWT.Secret)
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.Init(cfg.Telemetry.Stdout)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// 初始化資料庫連接
	db, err := storage.NewPostgresDB(cfg.DB.Host, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.Port)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("Failed to auto migrate database: %v", err)
	}

	// Redis 不可用時提案與心跳退回行程內的實作，只適合單一實例
	var rdb *redis.Client
	if client, err := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Printf("Redis unavailable, using in-memory stores: %v", err)
	} else {
		rdb = client
		defer rdb.Close()
	}

	// RabbitMQ 不可用時告警與評分請求只寫日誌
	var publisher service.EventPublisher
	if p, err := queue.NewPublisher(cfg.RabbitMQ.URL); err != nil {
		log.Printf("RabbitMQ unavailable, alerts and evaluations will only be logged: %v", err)
	} else {
		defer p.Close()
		async := queue.NewAsyncPublisher(p, cfg.RabbitMQ.PublishBuffer, cfg.RabbitMQ.PublishTimeout)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := async.Close(closeCtx); err != nil {
				log.Printf("RabbitMQ: pending messages not flushed: %v", err)
			}
		}()
		publisher = async
	}

	repos := repository.NewRepositories(db)
	services := service.NewServices(db, repos, cfg, publisher, rdb)
	defer services.Coordinator.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services.Lifecycle.Start(ctx)
	if publisher != nil {
		go func() {
			err := queue.StartEvaluatedConsumer(ctx, cfg.RabbitMQ.URL, func(ctx context.Context, ev queue.DebateEvaluatedEvent) error {
				return services.Room.MarkEvaluated(ctx, ev.DebateID)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Evaluated consumer stopped: %v", err)
			}
		}()
	}

	r := gin.Default()
	api.SetupRoutes(r, services, api.RouteConfig{
		WebhookSecret: cfg.Webhook.Secret,
		AIUserID:      cfg.Debate.AIUserID,
		AllowOrigins:  cfg.Server.AllowOrigins,
	})

	srv := &http.Server{Addr: cfg.Server.Address, Handler: r}
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	services.Lifecycle.Wait()
}

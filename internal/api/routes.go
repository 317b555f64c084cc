package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"debate_engine/internal/api/handlers"
	"debate_engine/internal/middleware"
	"debate_engine/internal/service"
)

// RouteConfig 路由需要的設定
type RouteConfig struct {
	WebhookSecret string
	AIUserID      uint
	// AllowOrigins 為空時不加 CORS 標頭
	AllowOrigins []string
}

func SetupRoutes(r *gin.Engine, services *service.Services, cfg RouteConfig) {
	// 初始化 handlers
	webhookHandler := handlers.NewWebhookHandler(services.Presence, cfg.WebhookSecret)
	heartbeatHandler := handlers.NewHeartbeatHandler(services.Heartbeat)
	debateHandler := handlers.NewDebateHandler(services.Engine, services.Negotiator, cfg.AIUserID)
	roomHandler := handlers.NewRoomHandler(services.Room)
	wsHandler := handlers.NewWebSocketHandler(services.Hub, services.Room)

	r.Use(middleware.RequestID(), middleware.Tracing("debate_engine"))
	if len(cfg.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins,
			AllowCredentials: true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
		}))
	}

	// API 路由群組
	api := r.Group("/api")

	// 處理 404 錯誤
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "找不到該路徑",
		})
	})

	// 公開路由
	{
		// presence 服務的 webhook，以簽章驗證
		api.POST("/webhooks/presence", webhookHandler.Presence)

		// 基本的健康檢查
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "ok",
			})
		})
	}

	// 需要驗證的路由
	authorized := api.Group("/")
	authorized.Use(middleware.AuthMiddleware())
	{
		authorized.POST("/heartbeat", heartbeatHandler.Record)
		authorized.GET("/ws", wsHandler.HandleWebSocket)

		rooms := authorized.Group("/rooms")
		{
			rooms.POST("", roomHandler.CreateRoom)
			rooms.GET("/:id", roomHandler.GetRoom)
			rooms.POST("/:id/join", roomHandler.JoinRoom)
			rooms.POST("/:id/leave", roomHandler.LeaveRoom)
			rooms.POST("/:id/start", roomHandler.StartDebate)
		}

		debates := authorized.Group("/debates")
		{
			debates.GET("/:id", debateHandler.GetDebate)
			debates.POST("/:id/advance", debateHandler.Advance)
			debates.POST("/:id/skip-prep", debateHandler.SkipPrep)
			debates.POST("/:id/ai-turn-complete", debateHandler.CompleteAITurn)

			// 提前結束（僅限自由辯論）
			debates.GET("/:id/early-termination", debateHandler.EarlyTerminationStatus)
			debates.POST("/:id/early-termination", debateHandler.RequestEarlyTermination)
			debates.POST("/:id/early-termination/respond", debateHandler.RespondEarlyTermination)
		}
	}
}

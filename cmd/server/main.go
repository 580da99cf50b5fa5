package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/api"
	"github.com/magdee/audio_go_server/internal/api/handler"
	"github.com/magdee/audio_go_server/internal/database"
	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/pkg/cron"
	"github.com/magdee/audio_go_server/internal/pkg/pubsub"
	"github.com/magdee/audio_go_server/internal/pkg/queue"
	"github.com/magdee/audio_go_server/internal/pkg/ws"
	"github.com/magdee/audio_go_server/internal/repository"
	"github.com/magdee/audio_go_server/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	log.Println("Redis connected")

	store := kv.NewStore(rdb)

	// 初始化 Queue
	jobQueue := queue.NewQueue(rdb, cfg.Pipeline.ConversionQueue)

	// 初始化 WebSocket Hub
	wsHub := ws.NewHub()
	log.Println("WebSocket hub started")

	// 初始化 Repository
	bookRepo := repository.NewBookRepository(store)
	libraryRepo := repository.NewLibraryRepository(store)
	activityRepo := repository.NewActivityRepository(store, cfg.Activity.MaxEntries)

	// 初始化 Service
	bookService := service.NewBookService(bookRepo, libraryRepo, activityRepo, jobQueue, cfg)

	// 初始化 Handler
	bookHandler := handler.NewBookHandler(bookService, cfg)
	audioHandler := handler.NewAudioHandler(bookService)
	activityHandler := handler.NewActivityHandler(bookService)
	websocketHandler := handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret)

	// 订阅转换进度，转发给在线用户的 WebSocket 连接
	subscriber := pubsub.NewSubscriber(rdb)
	go func() {
		for {
			err := subscriber.Subscribe(context.Background(), func(msg *pubsub.ProgressMessage) {
				if !wsHub.IsOnline(msg.UserID) {
					return
				}
				if err := wsHub.SendToUser(msg.UserID, &ws.Message{
					Type: msg.Type,
					Data: msg,
				}); err != nil {
					log.Printf("Failed to forward progress to user %s: %v", msg.UserID, err)
				}
			})
			log.Printf("Progress subscription ended: %v, retrying", err)
			time.Sleep(time.Second)
		}
	}()

	// 后台任务：卡死任务兜底 + 过期上传清理
	cronService := cron.NewService(
		bookRepo,
		activityRepo,
		cfg.Upload.UploadDir,
		cfg.Upload.ExpireHours,
		time.Duration(cfg.Pipeline.JobTimeoutSeconds)*time.Second,
	)
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		bookHandler,
		audioHandler,
		activityHandler,
		websocketHandler,
		cfg,
	)
	engine := router.Setup()

	// 启动服务器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Server starting on %s", addr)
	if err := engine.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/database"
	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/pkg/oss"
	"github.com/magdee/audio_go_server/internal/pkg/pubsub"
	"github.com/magdee/audio_go_server/internal/pkg/queue"
	"github.com/magdee/audio_go_server/internal/repository"
	"github.com/magdee/audio_go_server/internal/worker"
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

	// 初始化 OSS（可选）
	var ossClient *oss.Client
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err = oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Printf("Warning: Failed to init OSS client: %v", err)
		} else {
			log.Println("OSS client initialized")
		}
	}

	// 初始化 Queue 和 Pub/Sub
	jobQueue := queue.NewQueue(rdb, cfg.Pipeline.ConversionQueue)
	publisher := pubsub.NewPublisher(rdb)

	// 初始化 Repository
	bookRepo := repository.NewBookRepository(store)
	activityRepo := repository.NewActivityRepository(store, cfg.Activity.MaxEntries)

	// 合成引擎：没有接入真实 TTS 服务时使用本地占位实现
	synth := &worker.StubSynthesizer{
		StepInterval: time.Duration(cfg.Pipeline.StepIntervalMillis) * time.Millisecond,
		MaxDuration:  cfg.Audio.MaxDuration,
	}

	// 创建任务处理器
	processor := worker.NewProcessor(bookRepo, activityRepo, store, publisher, ossClient, synth, cfg)

	// 创建 context 用于优雅关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	maxWorkers := cfg.Pipeline.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	log.Printf("Worker started, max workers: %d", maxWorkers)

	var wg sync.WaitGroup
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					log.Printf("Worker %d shutting down", workerID)
					return
				default:
					// 从队列获取任务
					msg, err := jobQueue.Pop(ctx, 5*time.Second)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						log.Printf("Worker %d: failed to pop job: %v", workerID, err)
						continue
					}

					if msg == nil {
						continue // 超时，继续等待
					}

					log.Printf("Worker %d: processing book %s (%s)", workerID, msg.BookID, msg.Reason)
					if err := processor.Process(ctx, msg); err != nil {
						log.Printf("Worker %d: book %s failed: %v", workerID, msg.BookID, err)
					}
				}
			}
		}(i)
	}

	// 等待所有 worker 退出
	wg.Wait()
	log.Println("Worker shutdown complete")
}

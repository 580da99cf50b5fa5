package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/database"
	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
	"github.com/magdee/audio_go_server/internal/pkg/cron"
	"github.com/magdee/audio_go_server/internal/repository"
)

var (
	dryRun       = flag.Bool("dry-run", true, "Dry run mode, don't actually delete files")
	uploadExpire = flag.Int("upload-expire", 24, "Hours to keep uploaded PDF files")
	sweepStuck   = flag.Bool("sweep-stuck", true, "Mark stuck processing books as failed")
	cleanUploads = flag.Bool("clean-uploads", true, "Clean expired upload files")
	cleanAudio   = flag.Bool("clean-audio", true, "Clean audio files without a book record")
)

func main() {
	flag.Parse()

	log.Println("Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}

	store := kv.NewStore(rdb)
	bookRepo := repository.NewBookRepository(store)
	activityRepo := repository.NewActivityRepository(store, cfg.Activity.MaxEntries)

	ctx := context.Background()

	// 1. 卡死任务兜底
	if *sweepStuck {
		log.Println("Sweeping stuck processing books...")
		if *dryRun {
			logStuckBooks(ctx, bookRepo, cfg)
		} else {
			svc := cron.NewService(bookRepo, activityRepo, cfg.Upload.UploadDir, *uploadExpire,
				time.Duration(cfg.Pipeline.JobTimeoutSeconds)*time.Second)
			swept := svc.SweepStuckJobs(ctx)
			log.Printf("Marked %d stuck books as failed", swept)
		}
	}

	// 2. 清理过期的上传文件
	if *cleanUploads {
		log.Printf("Cleaning expired upload files (older than %d hours)...", *uploadExpire)
		if *dryRun {
			logExpiredUploads(ctx, bookRepo, cfg.Upload.UploadDir, *uploadExpire)
		} else {
			svc := cron.NewService(bookRepo, activityRepo, cfg.Upload.UploadDir, *uploadExpire,
				time.Duration(cfg.Pipeline.JobTimeoutSeconds)*time.Second)
			cleaned := svc.CleanupOrphanUploads(ctx)
			log.Printf("Removed %d expired upload files", cleaned)
		}
	}

	// 3. 清理没有对应 Book 记录的音频产物
	if *cleanAudio {
		log.Println("Cleaning orphan audio files...")
		cleaned := cleanOrphanAudio(ctx, bookRepo, cfg, *dryRun)
		log.Printf("Removed %d orphan audio files", cleaned)
	}

	log.Println("Cleanup task finished")
}

// logStuckBooks dry-run 模式下只打印会被扫掉的记录
func logStuckBooks(ctx context.Context, bookRepo *repository.BookRepository, cfg *config.Config) {
	books, err := bookRepo.ListAll(ctx)
	if err != nil {
		log.Printf("Failed to list books: %v", err)
		return
	}

	cutoff := time.Now().UTC().Add(-2 * time.Duration(cfg.Pipeline.JobTimeoutSeconds) * time.Second)
	for _, book := range books {
		if book.Status != model.StatusProcessing {
			continue
		}
		updatedAt, err := time.Parse(time.RFC3339, book.UpdatedAt)
		if err != nil || updatedAt.After(cutoff) {
			continue
		}
		log.Printf("[dry-run] would mark book %s as failed (last update %s)", book.ID, book.UpdatedAt)
	}
}

// logExpiredUploads dry-run 模式下只打印会被删掉的文件。
// 和 CleanupOrphanUploads 口径一致：仍被 Book 记录引用的不算
func logExpiredUploads(ctx context.Context, bookRepo *repository.BookRepository, uploadDir string, expireHours int) {
	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		log.Printf("Failed to read upload dir: %v", err)
		return
	}

	referenced := make(map[string]bool)
	if books, err := bookRepo.ListAll(ctx); err == nil {
		for _, book := range books {
			if book.FilePath != "" {
				referenced[book.FilePath] = true
			}
		}
	} else {
		log.Printf("Failed to list books: %v", err)
	}

	expireDuration := time.Duration(expireHours) * time.Hour
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "book_") {
			continue
		}
		if referenced[filepath.Join(uploadDir, entry.Name())] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > expireDuration {
			log.Printf("[dry-run] would remove %s (%d bytes)", entry.Name(), info.Size())
		}
	}
}

// cleanOrphanAudio 删除 OutputDir 里没有对应 Book 记录的音频文件
func cleanOrphanAudio(ctx context.Context, bookRepo *repository.BookRepository, cfg *config.Config, dryRun bool) int {
	entries, err := os.ReadDir(cfg.Audio.OutputDir)
	if err != nil {
		log.Printf("Failed to read audio dir: %v", err)
		return 0
	}

	books, err := bookRepo.ListAll(ctx)
	if err != nil {
		log.Printf("Failed to list books: %v", err)
		return 0
	}
	known := make(map[string]bool, len(books))
	for _, book := range books {
		known[book.ID] = true
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		bookID := strings.TrimSuffix(name, ext)
		if !strings.HasPrefix(bookID, "book_") || known[bookID] {
			continue
		}

		fullPath := filepath.Join(cfg.Audio.OutputDir, name)
		if dryRun {
			log.Printf("[dry-run] would remove %s", fullPath)
			cleaned++
			continue
		}
		if err := os.Remove(fullPath); err != nil {
			log.Printf("Failed to remove %s: %v", fullPath, err)
		} else {
			cleaned++
		}
	}
	return cleaned
}

package cron

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/magdee/audio_go_server/internal/model"
	"github.com/magdee/audio_go_server/internal/repository"
)

type Service struct {
	bookRepo     *repository.BookRepository
	activityRepo *repository.ActivityRepository
	uploadDir    string
	expireHours  int
	jobTimeout   time.Duration
	stopChan     chan struct{}
}

func NewService(
	bookRepo *repository.BookRepository,
	activityRepo *repository.ActivityRepository,
	uploadDir string,
	expireHours int,
	jobTimeout time.Duration,
) *Service {
	return &Service{
		bookRepo:     bookRepo,
		activityRepo: activityRepo,
		uploadDir:    uploadDir,
		expireHours:  expireHours,
		jobTimeout:   jobTimeout,
		stopChan:     make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.runStuckJobSweep()
	go s.runCleanup()
	log.Println("Cron service started (stuck job sweep + upload cleanup)")
}

// Stop 停止定时任务
func (s *Service) Stop() {
	close(s.stopChan)
	log.Println("Cron service stopped")
}

// runStuckJobSweep 每 5 分钟扫一次卡死的转换任务
func (s *Service) runStuckJobSweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.SweepStuckJobs(context.Background())
		}
	}
}

// SweepStuckJobs 把超过转换超时且不再更新的 processing 记录标记为 failed。
// worker 进程被杀时 defer 不会跑，这里是最后的兜底。
func (s *Service) SweepStuckJobs(ctx context.Context) int {
	books, err := s.bookRepo.ListAll(ctx)
	if err != nil {
		log.Printf("Stuck job sweep: failed to list books: %v", err)
		return 0
	}

	// 宽限一个超时周期，避免和还在跑的 worker 抢记录
	cutoff := time.Now().UTC().Add(-2 * s.jobTimeout)

	swept := 0
	for _, book := range books {
		if book.Status != model.StatusProcessing {
			continue
		}

		updatedAt, err := time.Parse(time.RFC3339, book.UpdatedAt)
		if err != nil || updatedAt.After(cutoff) {
			continue
		}

		book.Status = model.StatusFailed
		book.ErrorMessage = "conversion timed out"
		book.Touch()
		if err := s.bookRepo.Update(ctx, book); err != nil {
			log.Printf("Stuck job sweep: failed to mark book %s failed: %v", book.ID, err)
			continue
		}

		entry := model.NewActivityEntry(model.ActivityConversionFailed, map[string]interface{}{
			"book_id": book.ID,
			"error":   "conversion timed out",
			"swept":   true,
		})
		if err := s.activityRepo.Append(ctx, book.UserID, entry); err != nil {
			log.Printf("Stuck job sweep: failed to log activity for %s: %v", book.ID, err)
		}

		log.Printf("Stuck job sweep: marked book %s as failed (last update %s)", book.ID, book.UpdatedAt)
		swept++
	}

	if swept > 0 {
		log.Printf("Stuck job sweep: marked %d stuck jobs as failed", swept)
	}
	return swept
}

// runCleanup 每小时执行一次上传文件清理
func (s *Service) runCleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.CleanupOrphanUploads(context.Background())
		}
	}
}

// CleanupOrphanUploads 清理上传目录里过期且不再被任何 Book 引用的 PDF。
// 源文件在书的整个生命周期内保留：终态的书还可以 regenerate，
// 重新转换仍要读原始 PDF。只删没有任何记录引用的孤儿文件。
func (s *Service) CleanupOrphanUploads(ctx context.Context) int {
	if s.uploadDir == "" {
		return 0
	}

	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		log.Printf("Upload cleanup: failed to read dir %s: %v", s.uploadDir, err)
		return 0
	}

	expireHours := s.expireHours
	if expireHours <= 0 {
		expireHours = 24
	}
	expireDuration := time.Duration(expireHours) * time.Hour

	referenced := s.activeFilePaths(ctx)

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "book_") {
			continue
		}

		filePath := filepath.Join(s.uploadDir, entry.Name())
		if referenced[filePath] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if time.Since(info.ModTime()) > expireDuration {
			if err := os.Remove(filePath); err != nil {
				log.Printf("Upload cleanup: failed to remove %s: %v", filePath, err)
			} else {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		log.Printf("Upload cleanup: removed %d expired files", cleaned)
	}
	return cleaned
}

// activeFilePaths 仍有 Book 记录引用的源文件路径集合
func (s *Service) activeFilePaths(ctx context.Context) map[string]bool {
	paths := make(map[string]bool)

	books, err := s.bookRepo.ListAll(ctx)
	if err != nil {
		log.Printf("Upload cleanup: failed to list books: %v", err)
		return paths
	}

	for _, book := range books {
		if book.FilePath != "" {
			paths[book.FilePath] = true
		}
	}
	return paths
}

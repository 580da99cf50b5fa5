package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
)

// TestBook 创建并持久化一本测试书籍
func TestBook(t *testing.T, store *kv.Store, userID string, opts ...func(*model.Book)) *model.Book {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339)
	book := &model.Book{
		ID:               "book_" + uuid.NewString(),
		UserID:           userID,
		Title:            fmt.Sprintf("Test Book %d", time.Now().UnixNano()%10000),
		Author:           "Unknown",
		OriginalFilename: "test.pdf",
		FilePath:         "/tmp/uploads/test.pdf",
		FileSize:         1024,
		Status:           model.StatusPending,
		Progress:         0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for _, opt := range opts {
		opt(book)
	}

	if err := store.Set(context.Background(), "book:"+book.ID, book); err != nil {
		t.Fatalf("Failed to create test book: %v", err)
	}

	return book
}

// WithStatus 设置转换状态
func WithStatus(status model.BookStatus) func(*model.Book) {
	return func(b *model.Book) {
		b.Status = status
		switch status {
		case model.StatusCompleted:
			b.Progress = 100
			b.AudioURL = "/api/v1/audio/stream/" + b.ID
			b.Duration = 3600
			b.ConvertedAt = time.Now().UTC().Format(time.RFC3339)
		case model.StatusFailed:
			b.ErrorMessage = "synthesis failed"
		}
	}
}

// WithTitle 设置标题
func WithTitle(title string) func(*model.Book) {
	return func(b *model.Book) {
		b.Title = title
	}
}

// WithProgress 设置进度
func WithProgress(progress int) func(*model.Book) {
	return func(b *model.Book) {
		b.Progress = progress
	}
}

// WithFilePath 设置源文件路径
func WithFilePath(path string) func(*model.Book) {
	return func(b *model.Book) {
		b.FilePath = path
	}
}

// WithUpdatedAt 设置更新时间（清理任务的过期判定用）
func WithUpdatedAt(ts time.Time) func(*model.Book) {
	return func(b *model.Book) {
		b.UpdatedAt = ts.UTC().Format(time.RFC3339)
	}
}

// TestActivity 构造一条活动记录
func TestActivity(activityType string) model.ActivityEntry {
	return model.NewActivityEntry(activityType, map[string]interface{}{
		"source": "test",
	})
}

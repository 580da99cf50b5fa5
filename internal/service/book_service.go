package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/model"
	"github.com/magdee/audio_go_server/internal/model/dto"
	"github.com/magdee/audio_go_server/internal/pkg/queue"
	"github.com/magdee/audio_go_server/internal/repository"
)

var (
	ErrBookNotFound   = errors.New("book not found")
	ErrBookPermission = errors.New("unauthorized access to book")
	ErrInvalidFile    = errors.New("only PDF files are supported")
	ErrFileTooLarge   = errors.New("file too large")
	ErrEmptyFile      = errors.New("uploaded file is empty")
	ErrAudioNotReady  = errors.New("audio not ready yet")
	ErrNotTerminal    = errors.New("conversion still in progress")
)

// BookService 转换流水线对 Gateway 暴露的全部操作。
// Book 记录的生命周期只通过这里和 worker 的 Advance 变更。
type BookService struct {
	bookRepo     *repository.BookRepository
	libraryRepo  *repository.LibraryRepository
	activityRepo *repository.ActivityRepository
	jobQueue     *queue.Queue
	cfg          *config.Config
}

func NewBookService(
	bookRepo *repository.BookRepository,
	libraryRepo *repository.LibraryRepository,
	activityRepo *repository.ActivityRepository,
	jobQueue *queue.Queue,
	cfg *config.Config,
) *BookService {
	return &BookService{
		bookRepo:     bookRepo,
		libraryRepo:  libraryRepo,
		activityRepo: activityRepo,
		jobQueue:     jobQueue,
		cfg:          cfg,
	}
}

// SubmitInput 一次 PDF 上传
type SubmitInput struct {
	UserID    string
	Filename  string
	Size      int64
	Content   io.Reader
	Title     string
	Author    string
	ClientIP  string
	UserAgent string
}

// Submit 校验并落盘上传的 PDF，创建 pending 状态的 Book，
// 注册进用户书架并入队等待转换。校验失败不留下任何状态。
func (s *BookService) Submit(ctx context.Context, input *SubmitInput) (*model.Book, error) {
	if err := s.validateUpload(input); err != nil {
		return nil, err
	}

	bookID := "book_" + uuid.NewString()

	if err := os.MkdirAll(s.cfg.Upload.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	filePath := filepath.Join(s.cfg.Upload.UploadDir, bookID+"_"+filepath.Base(input.Filename))
	written, err := s.saveUpload(filePath, input.Content)
	if err != nil {
		return nil, err
	}

	// 读出来的真实字节数再校验一次，header 里的 size 不可信
	if written == 0 {
		os.Remove(filePath)
		return nil, ErrEmptyFile
	}
	if written > s.cfg.Upload.MaxSize {
		os.Remove(filePath)
		return nil, ErrFileTooLarge
	}

	now := time.Now().UTC().Format(time.RFC3339)
	book := &model.Book{
		ID:               bookID,
		UserID:           input.UserID,
		Title:            defaultTitle(input.Title, input.Filename),
		Author:           defaultAuthor(input.Author),
		OriginalFilename: input.Filename,
		FilePath:         filePath,
		FileSize:         written,
		Status:           model.StatusPending,
		Progress:         0,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata: map[string]interface{}{
			"file_size":     written,
			"uploaded_from": input.ClientIP,
			"user_agent":    input.UserAgent,
		},
	}

	if err := s.bookRepo.Create(ctx, book); err != nil {
		os.Remove(filePath)
		return nil, err
	}

	if err := s.libraryRepo.Append(ctx, input.UserID, bookID); err != nil {
		// 回滚，拒绝的提交不留下半成品记录
		s.bookRepo.Delete(ctx, bookID)
		os.Remove(filePath)
		return nil, err
	}

	if err := s.jobQueue.Push(ctx, &queue.ConversionMessage{
		BookID: bookID,
		UserID: input.UserID,
		Reason: queue.ReasonUpload,
	}); err != nil {
		s.libraryRepo.Remove(ctx, input.UserID, bookID)
		s.bookRepo.Delete(ctx, bookID)
		os.Remove(filePath)
		return nil, err
	}

	s.logActivity(ctx, input.UserID, model.ActivityPDFUpload, map[string]interface{}{
		"book_id":   bookID,
		"filename":  input.Filename,
		"file_size": written,
		"title":     book.Title,
	})

	return book, nil
}

// GetStatus 返回最后一次成功持久化的状态视图。
// requesterID 为空表示匿名请求：仅状态查询放行（与历史行为保持一致）。
func (s *BookService) GetStatus(ctx context.Context, bookID, requesterID string) (*dto.BookStatusResponse, error) {
	book, err := s.getOwned(ctx, bookID, requesterID, true)
	if err != nil {
		return nil, err
	}
	return dto.NewBookStatusResponse(book), nil
}

// List 返回用户书架，最新上传在前
func (s *BookService) List(ctx context.Context, userID string) ([]dto.BookListItem, error) {
	ids, err := s.libraryRepo.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	books, err := s.bookRepo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]dto.BookListItem, 0, len(books))
	for i := len(books) - 1; i >= 0; i-- {
		b := books[i]
		items = append(items, dto.BookListItem{
			BookID:    b.ID,
			Title:     b.Title,
			Author:    b.Author,
			Status:    string(b.Status),
			Progress:  b.Progress,
			CreatedAt: b.CreatedAt,
			AudioURL:  b.AudioURL,
			Duration:  b.Duration,
		})
	}
	return items, nil
}

// Regenerate 把终态的 Book 重置回 pending 并重新入队。
// 这是唯一合法的 终态 -> pending 迁移。
func (s *BookService) Regenerate(ctx context.Context, bookID, requesterID string) (*model.Book, error) {
	book, err := s.getOwned(ctx, bookID, requesterID, false)
	if err != nil {
		return nil, err
	}

	// pending/processing 的书不允许重复入队
	if !book.Status.Terminal() {
		return nil, ErrNotTerminal
	}

	book.Status = model.StatusPending
	book.Progress = 0
	book.AudioURL = ""
	book.Duration = 0
	book.ErrorMessage = ""
	book.ConvertedAt = ""
	book.RegenerationRequested = true
	book.Touch()

	if err := s.bookRepo.Update(ctx, book); err != nil {
		return nil, err
	}

	if err := s.jobQueue.Push(ctx, &queue.ConversionMessage{
		BookID: bookID,
		UserID: book.UserID,
		Reason: queue.ReasonRegenerate,
	}); err != nil {
		return nil, err
	}

	s.logActivity(ctx, book.UserID, model.ActivityAudioRegeneration, map[string]interface{}{
		"book_id": bookID,
		"title":   book.Title,
	})

	return book, nil
}

// Delete 删除 Book 及其源文件和音频产物。文件删除是尽力而为，
// 文件不存在不算失败。
func (s *BookService) Delete(ctx context.Context, bookID, requesterID string) error {
	book, err := s.getOwned(ctx, bookID, requesterID, false)
	if err != nil {
		return err
	}

	if book.FilePath != "" {
		if err := os.Remove(book.FilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("Delete book %s: failed to remove source file: %v", bookID, err)
		}
	}
	if err := os.Remove(s.AudioFilePath(bookID)); err != nil && !os.IsNotExist(err) {
		log.Printf("Delete book %s: failed to remove audio file: %v", bookID, err)
	}

	if err := s.libraryRepo.Remove(ctx, book.UserID, bookID); err != nil {
		return err
	}
	if err := s.bookRepo.Delete(ctx, bookID); err != nil {
		return err
	}

	s.logActivity(ctx, book.UserID, model.ActivityPDFDelete, map[string]interface{}{
		"book_id": bookID,
		"title":   book.Title,
	})

	return nil
}

// StreamPath 返回可流式返回的本地音频文件路径。
// 匿名请求放行（同 GetStatus），未完成的转换返回 ErrAudioNotReady。
func (s *BookService) StreamPath(ctx context.Context, bookID, requesterID string) (string, *model.Book, error) {
	book, err := s.getOwned(ctx, bookID, requesterID, true)
	if err != nil {
		return "", nil, err
	}

	if book.Status != model.StatusCompleted {
		return "", nil, ErrAudioNotReady
	}

	if requesterID != "" {
		s.logActivity(ctx, requesterID, model.ActivityAudioStream, map[string]interface{}{
			"book_id": bookID,
			"title":   book.Title,
		})
	}

	return s.AudioFilePath(bookID), book, nil
}

// Metadata 音频元数据快照
func (s *BookService) Metadata(ctx context.Context, bookID, requesterID string) (*dto.AudioMetadataResponse, error) {
	book, err := s.getOwned(ctx, bookID, requesterID, true)
	if err != nil {
		return nil, err
	}

	return &dto.AudioMetadataResponse{
		BookID:      book.ID,
		Title:       book.Title,
		Author:      book.Author,
		Duration:    book.Duration,
		Status:      string(book.Status),
		CreatedAt:   book.CreatedAt,
		ConvertedAt: book.ConvertedAt,
		FileSize:    book.FileSize,
		AudioFormat: s.cfg.Audio.OutputFormat,
		SampleRate:  44100,
		Bitrate:     128,
	}, nil
}

// Activity 读取用户活动日志（分析用，只读）
func (s *BookService) Activity(ctx context.Context, userID, typeFilter string, limit int) (*dto.ActivityListResponse, error) {
	entries, err := s.activityRepo.List(ctx, userID, typeFilter, limit, true)
	if err != nil {
		return nil, err
	}
	return &dto.ActivityListResponse{
		Total:   len(entries),
		Entries: entries,
	}, nil
}

// AudioFilePath 本地音频产物路径
func (s *BookService) AudioFilePath(bookID string) string {
	return filepath.Join(s.cfg.Audio.OutputDir, bookID+"."+s.cfg.Audio.OutputFormat)
}

// getOwned 加载 Book 并做归属校验。
// allowAnonymous 时空 requester 放行；否则空 requester 也视为无权限。
func (s *BookService) getOwned(ctx context.Context, bookID, requesterID string, allowAnonymous bool) (*model.Book, error) {
	book, err := s.bookRepo.GetByID(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, ErrBookNotFound
	}

	if requesterID == "" {
		if allowAnonymous {
			return book, nil
		}
		return nil, ErrBookPermission
	}
	if book.UserID != requesterID {
		return nil, ErrBookPermission
	}
	return book, nil
}

func (s *BookService) validateUpload(input *SubmitInput) error {
	ext := strings.ToLower(filepath.Ext(input.Filename))
	allowed := false
	for _, allowedExt := range s.cfg.Upload.AllowedExtensions {
		if ext == allowedExt {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidFile
	}

	if input.Size < 0 || (input.Size == 0 && input.Content == nil) {
		return ErrEmptyFile
	}
	if input.Size > s.cfg.Upload.MaxSize {
		return ErrFileTooLarge
	}
	return nil
}

func (s *BookService) saveUpload(filePath string, content io.Reader) (int64, error) {
	dest, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("save upload: %w", err)
	}
	defer dest.Close()

	written, err := io.Copy(dest, content)
	if err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("save upload: %w", err)
	}
	return written, nil
}

// logActivity 活动日志写入失败不影响主流程，只记日志
func (s *BookService) logActivity(ctx context.Context, userID, activityType string, metadata map[string]interface{}) {
	entry := model.NewActivityEntry(activityType, metadata)
	if err := s.activityRepo.Append(ctx, userID, entry); err != nil {
		log.Printf("Failed to log activity %s for user %s: %v", activityType, userID, err)
	}
}

func defaultTitle(title, filename string) string {
	if title != "" {
		return title
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func defaultAuthor(author string) string {
	if author != "" {
		return author
	}
	return "Unknown"
}

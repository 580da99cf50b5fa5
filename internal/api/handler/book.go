package handler

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/api/middleware"
	"github.com/magdee/audio_go_server/internal/model/dto"
	"github.com/magdee/audio_go_server/internal/pkg/response"
	"github.com/magdee/audio_go_server/internal/service"
)

type BookHandler struct {
	bookService *service.BookService
	cfg         *config.Config
}

func NewBookHandler(bookService *service.BookService, cfg *config.Config) *BookHandler {
	return &BookHandler{
		bookService: bookService,
		cfg:         cfg,
	}
}

// Upload 上传 PDF 并发起异步转换
// POST /api/v1/books/upload/:user_id
func (h *BookHandler) Upload(c *gin.Context) {
	userID := c.Param("user_id")
	requesterID, _ := middleware.GetUserID(c)
	if requesterID != userID {
		response.PermissionError(c, "cannot upload for another user")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.ParamError(c, "missing file field")
		return
	}
	defer file.Close()

	book, err := h.bookService.Submit(c.Request.Context(), &service.SubmitInput{
		UserID:    userID,
		Filename:  header.Filename,
		Size:      header.Size,
		Content:   file,
		Title:     c.PostForm("title"),
		Author:    c.PostForm("author"),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidFile):
			response.ParamError(c, "only PDF files are supported")
		case errors.Is(err, service.ErrFileTooLarge):
			response.ParamError(c, fmt.Sprintf("file too large, max %d MB", h.cfg.Upload.MaxSize/(1024*1024)))
		case errors.Is(err, service.ErrEmptyFile):
			response.ParamError(c, "uploaded file is empty")
		default:
			response.ServerError(c, "upload failed")
		}
		return
	}

	response.Success(c, dto.UploadBookResponse{
		BookID: book.ID,
		Title:  book.Title,
		// 上传接口的语义状态；记录本身是 pending 等待 worker
		Status:                  "uploaded",
		Message:                 "PDF uploaded successfully, conversion started",
		EstimatedProcessingTime: "2-5 minutes",
	})
}

// Status 查询单本书的转换状态（允许匿名）
// GET /api/v1/books/:book_id/status
func (h *BookHandler) Status(c *gin.Context) {
	bookID := c.Param("book_id")
	requesterID, _ := middleware.GetUserID(c)

	status, err := h.bookService.GetStatus(c.Request.Context(), bookID, requesterID)
	if err != nil {
		handleBookError(c, err)
		return
	}

	response.Success(c, status)
}

// List 用户书架，按创建时间倒序
// GET /api/v1/books
func (h *BookHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	books, err := h.bookService.List(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "failed to list books")
		return
	}

	response.Success(c, gin.H{
		"total": len(books),
		"books": books,
	})
}

// Delete 删除书和对应的上传文件
// DELETE /api/v1/books/:book_id
func (h *BookHandler) Delete(c *gin.Context) {
	bookID := c.Param("book_id")
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	if err := h.bookService.Delete(c.Request.Context(), bookID, userID); err != nil {
		handleBookError(c, err)
		return
	}

	response.SuccessWithMessage(c, "book deleted", nil)
}

// handleBookError 服务层错误到响应码的统一映射
func handleBookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrBookNotFound):
		response.NotFoundError(c, "book not found")
	case errors.Is(err, service.ErrBookPermission):
		response.PermissionError(c, "")
	case errors.Is(err, service.ErrAudioNotReady):
		response.ParamError(c, "audio not ready yet")
	case errors.Is(err, service.ErrNotTerminal):
		response.ParamError(c, "conversion still in progress")
	default:
		response.ServerError(c, "")
	}
}

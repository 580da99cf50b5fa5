package handler

import (
	"os"

	"github.com/gin-gonic/gin"

	"github.com/magdee/audio_go_server/internal/api/middleware"
	"github.com/magdee/audio_go_server/internal/model/dto"
	"github.com/magdee/audio_go_server/internal/pkg/response"
	"github.com/magdee/audio_go_server/internal/service"
)

type AudioHandler struct {
	bookService *service.BookService
}

func NewAudioHandler(bookService *service.BookService) *AudioHandler {
	return &AudioHandler{bookService: bookService}
}

// Stream 下发转换完成的音频文件（允许匿名）
// GET /api/v1/audio/stream/:book_id
func (h *AudioHandler) Stream(c *gin.Context) {
	bookID := c.Param("book_id")
	requesterID, _ := middleware.GetUserID(c)

	path, book, err := h.bookService.StreamPath(c.Request.Context(), bookID, requesterID)
	if err != nil {
		handleBookError(c, err)
		return
	}

	if _, err := os.Stat(path); err != nil {
		response.NotFoundError(c, "audio file not found")
		return
	}

	c.Header("Content-Type", "audio/mpeg")
	c.Header("Content-Disposition", `inline; filename="`+book.Title+`.mp3"`)
	c.File(path)
}

// Metadata 音频元数据（时长、格式、码率）
// GET /api/v1/audio/:book_id/metadata
func (h *AudioHandler) Metadata(c *gin.Context) {
	bookID := c.Param("book_id")
	requesterID, _ := middleware.GetUserID(c)

	meta, err := h.bookService.Metadata(c.Request.Context(), bookID, requesterID)
	if err != nil {
		handleBookError(c, err)
		return
	}

	response.Success(c, meta)
}

// Regenerate 对 completed/failed 的书重新发起转换
// POST /api/v1/audio/:book_id/regenerate
func (h *AudioHandler) Regenerate(c *gin.Context) {
	bookID := c.Param("book_id")
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	book, err := h.bookService.Regenerate(c.Request.Context(), bookID, userID)
	if err != nil {
		handleBookError(c, err)
		return
	}

	response.Success(c, dto.RegenerateResponse{
		BookID:  book.ID,
		Status:  string(book.Status),
		Message: "audio regeneration started",
	})
}

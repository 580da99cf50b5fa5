package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/magdee/audio_go_server/internal/api/middleware"
	"github.com/magdee/audio_go_server/internal/pkg/response"
	"github.com/magdee/audio_go_server/internal/service"
)

type ActivityHandler struct {
	bookService *service.BookService
}

func NewActivityHandler(bookService *service.BookService) *ActivityHandler {
	return &ActivityHandler{bookService: bookService}
}

// List 用户活动日志，最新在前
// GET /api/v1/activity?type=pdf_upload&limit=50
func (h *ActivityHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			response.ParamError(c, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	result, err := h.bookService.Activity(c.Request.Context(), userID, c.Query("type"), limit)
	if err != nil {
		response.ServerError(c, "failed to load activity log")
		return
	}

	response.Success(c, result)
}

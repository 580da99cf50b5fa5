package dto

import "github.com/magdee/audio_go_server/internal/model"

// UploadBookResponse 上传接口返回
type UploadBookResponse struct {
	BookID                  string `json:"book_id"`
	Title                   string `json:"title"`
	Status                  string `json:"status"`
	Message                 string `json:"message"`
	EstimatedProcessingTime string `json:"estimated_processing_time"`
}

// BookStatusResponse 状态查询视图，只暴露最后一次成功持久化的状态
type BookStatusResponse struct {
	BookID       string `json:"book_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	AudioURL     string `json:"audio_url,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewBookStatusResponse 从 Book 构造状态视图
func NewBookStatusResponse(book *model.Book) *BookStatusResponse {
	return &BookStatusResponse{
		BookID:       book.ID,
		Title:        book.Title,
		Status:       string(book.Status),
		Progress:     book.Progress,
		CreatedAt:    book.CreatedAt,
		UpdatedAt:    book.UpdatedAt,
		AudioURL:     book.AudioURL,
		Duration:     book.Duration,
		ErrorMessage: book.ErrorMessage,
	}
}

// RegenerateResponse 重新生成接口返回
type RegenerateResponse struct {
	BookID  string `json:"book_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BookListItem 书架列表项
type BookListItem struct {
	BookID    string `json:"book_id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	CreatedAt string `json:"created_at"`
	AudioURL  string `json:"audio_url,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

// AudioMetadataResponse 音频元数据
type AudioMetadataResponse struct {
	BookID      string `json:"book_id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Duration    int    `json:"duration"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ConvertedAt string `json:"converted_at,omitempty"`
	FileSize    int64  `json:"file_size"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Bitrate     int    `json:"bitrate"`
}

// ActivityListResponse 活动日志查询返回
type ActivityListResponse struct {
	Total   int                   `json:"total"`
	Entries []model.ActivityEntry `json:"entries"`
}

package model

import "time"

// BookStatus 书籍转换状态
type BookStatus string

const (
	StatusPending    BookStatus = "pending"
	StatusProcessing BookStatus = "processing"
	StatusCompleted  BookStatus = "completed"
	StatusFailed     BookStatus = "failed"
)

// Terminal 是否为终态（completed / failed）
func (s BookStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Book 一本上传的 PDF 及其音频转换的完整生命周期。
// 持久化在 KV store 的 book:<id> 键下，JSON 编码。
type Book struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"` // 所有者，创建后不可变
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	OriginalFilename string     `json:"original_filename"`
	FilePath         string     `json:"file_path"` // 上传的 PDF 原件
	FileSize         int64      `json:"file_size"`
	Status           BookStatus `json:"conversion_status"`
	Progress         int        `json:"progress"` // 0-100，仅 processing 期间递增

	// 仅 completed 时填充
	AudioURL string `json:"audio_url,omitempty"`
	Duration int    `json:"duration,omitempty"` // 秒

	// 仅 failed 时填充
	ErrorMessage string `json:"error_message,omitempty"`

	RegenerationRequested bool `json:"regeneration_requested,omitempty"`

	CreatedAt   string `json:"created_at"` // RFC3339 UTC
	UpdatedAt   string `json:"updated_at"`
	ConvertedAt string `json:"converted_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ClampProgress 进度裁剪到 [0,100]
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Touch 刷新 updated_at
func (b *Book) Touch() {
	b.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// ActivityEntry 用户活动日志中的一条审计事件
type ActivityEntry struct {
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"` // RFC3339 UTC
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// 活动类型常量
const (
	ActivityPDFUpload          = "pdf_upload"
	ActivityPDFDelete          = "pdf_delete"
	ActivityConversionComplete = "conversion_complete"
	ActivityConversionFailed   = "conversion_failed"
	ActivityAudioRegeneration  = "audio_regeneration"
	ActivityAudioStream        = "audio_stream"
)

// NewActivityEntry 构造一条带当前时间戳的活动记录
func NewActivityEntry(activityType string, metadata map[string]interface{}) ActivityEntry {
	return ActivityEntry{
		Type:      activityType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  metadata,
	}
}

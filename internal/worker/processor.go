package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
	"github.com/magdee/audio_go_server/internal/pkg/oss"
	"github.com/magdee/audio_go_server/internal/pkg/pubsub"
	"github.com/magdee/audio_go_server/internal/pkg/queue"
	"github.com/magdee/audio_go_server/internal/repository"
)

// 提取和合成在总进度里的占比：提取 0-30，合成 30-90，收尾 90-100
const (
	progressExtractDone = 30
	progressSynthBase   = 30
	progressSynthSpan   = 60
	progressUploading   = 90
)

// TextExtractor 源文件到正文文本，默认是 ExtractText
type TextExtractor func(path string) (string, error)

// Processor 执行单个转换任务：pending -> processing -> completed/failed。
// 任何一步失败（包括 panic）都必须把记录落在终态 failed，
// 绝不允许留在 processing。
type Processor struct {
	bookRepo     *repository.BookRepository
	activityRepo *repository.ActivityRepository
	store        *kv.Store
	publisher    *pubsub.Publisher
	ossClient    *oss.Client
	synth        Synthesizer
	extract      TextExtractor
	cfg          *config.Config
}

// NewProcessor 创建任务处理器。ossClient 可为 nil（本地存储模式）。
func NewProcessor(
	bookRepo *repository.BookRepository,
	activityRepo *repository.ActivityRepository,
	store *kv.Store,
	publisher *pubsub.Publisher,
	ossClient *oss.Client,
	synth Synthesizer,
	cfg *config.Config,
) *Processor {
	return &Processor{
		bookRepo:     bookRepo,
		activityRepo: activityRepo,
		store:        store,
		publisher:    publisher,
		ossClient:    ossClient,
		synth:        synth,
		extract:      ExtractText,
		cfg:          cfg,
	}
}

// SetExtractor 替换文本提取实现（测试注入用）
func (p *Processor) SetExtractor(extract TextExtractor) {
	p.extract = extract
}

// Process 处理一条转换消息。
func (p *Processor) Process(ctx context.Context, msg *queue.ConversionMessage) (err error) {
	lockTTL := time.Duration(p.cfg.Pipeline.LockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}

	// 同一本书的 Advance 不允许并发执行
	lockKey := repository.BookLockKey(msg.BookID)
	acquired, lockErr := p.store.AcquireLock(ctx, lockKey, lockTTL)
	if lockErr != nil {
		return fmt.Errorf("failed to acquire job lock: %w", lockErr)
	}
	if !acquired {
		log.Printf("Book %s is already being processed, skipping", msg.BookID)
		return nil
	}
	defer func() {
		// 锁释放不依赖任务的 context，超时的任务也要解锁
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := p.store.ReleaseLock(releaseCtx, lockKey); rerr != nil {
			log.Printf("Book %s: failed to release lock: %v", msg.BookID, rerr)
		}
	}()

	book, err := p.bookRepo.GetByID(ctx, msg.BookID)
	if err != nil {
		return fmt.Errorf("failed to get book: %w", err)
	}
	if book == nil {
		// 上传后又被删除的任务，直接丢弃
		log.Printf("Book %s no longer exists, dropping message", msg.BookID)
		return nil
	}

	// 单任务超时：卡死的外部服务按失败处理，不能永远挂在 processing
	jobTimeout := time.Duration(p.cfg.Pipeline.JobTimeoutSeconds) * time.Second
	if jobTimeout <= 0 {
		jobTimeout = 15 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	publishProgress := func(status, step, errMsg string) {
		perr := p.publisher.PublishProgress(context.Background(), &pubsub.ProgressMessage{
			UserID:   book.UserID,
			BookID:   book.ID,
			Status:   status,
			Step:     step,
			Progress: book.Progress,
			Error:    errMsg,
		})
		if perr != nil {
			log.Printf("Book %s: failed to publish progress: %v", book.ID, perr)
		}
	}

	// 失败处理：持久化用独立 context，jobCtx 超时后仍要能写入终态
	failJob := func(step string, cause error) error {
		persistCtx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pcancel()

		book.Status = model.StatusFailed
		book.ErrorMessage = cause.Error()
		book.Touch()
		if uerr := p.bookRepo.UpdateExisting(persistCtx, book); uerr != nil {
			if errors.Is(uerr, repository.ErrBookGone) {
				// 转换期间被用户删除，结果直接丢弃
				log.Printf("Book %s was deleted during conversion, dropping job", book.ID)
				return nil
			}
			log.Printf("Book %s: failed to persist failed state: %v", book.ID, uerr)
		}
		p.logActivity(persistCtx, book.UserID, model.ActivityConversionFailed, map[string]interface{}{
			"book_id": book.ID,
			"step":    step,
			"error":   cause.Error(),
		})
		publishProgress("failed", step, cause.Error())
		return cause
	}

	// 兜底：提取/合成代码 panic 也必须落到终态 failed
	defer func() {
		if r := recover(); r != nil {
			err = failJob(pubsub.StepSynthesizing, fmt.Errorf("conversion panicked: %v", r))
		}
	}()

	// pending -> processing
	log.Printf("Book %s: starting conversion (reason=%s)", book.ID, msg.Reason)
	book.Status = model.StatusProcessing
	book.Progress = 0
	book.Touch()
	if uerr := p.bookRepo.UpdateExisting(jobCtx, book); uerr != nil {
		if errors.Is(uerr, repository.ErrBookGone) {
			log.Printf("Book %s was deleted before conversion started, dropping job", book.ID)
			return nil
		}
		return failJob(pubsub.StepExtracting, fmt.Errorf("failed to persist processing state: %w", uerr))
	}
	publishProgress("processing", pubsub.StepExtracting, "")

	// setProgress 单调递增并逐步持久化：中途崩溃留下的是一个
	// 仍然合法的 processing 记录
	setProgress := func(percent int) {
		percent = model.ClampProgress(percent)
		if percent <= book.Progress {
			return
		}
		book.Progress = percent
		book.Touch()
		if uerr := p.bookRepo.UpdateExisting(jobCtx, book); uerr != nil {
			log.Printf("Book %s: failed to persist progress %d: %v", book.ID, percent, uerr)
		}
	}

	// Step 1: 文本提取
	text, err := p.extract(book.FilePath)
	if err != nil {
		return failJob(pubsub.StepExtracting, fmt.Errorf("text extraction failed: %w", err))
	}
	setProgress(progressExtractDone)
	publishProgress("processing", pubsub.StepSynthesizing, "")

	// Step 2: 语音合成，引擎进度映射到总进度的 30-90 区间
	audioPath := p.audioFilePath(book.ID)
	stepInterval := time.Duration(p.cfg.Pipeline.StepIntervalMillis) * time.Millisecond
	lastPublish := time.Now()
	duration, err := p.synth.Synthesize(jobCtx, text, audioPath, func(percent int) {
		setProgress(progressSynthBase + percent*progressSynthSpan/100)
		if time.Since(lastPublish) >= stepInterval {
			lastPublish = time.Now()
			publishProgress("processing", pubsub.StepSynthesizing, "")
		}
	})
	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("conversion timed out after %s", jobTimeout)
		}
		return failJob(pubsub.StepSynthesizing, fmt.Errorf("speech synthesis failed: %w", err))
	}

	// Step 3: 产物上云（未配置 OSS 时保留在本地，走流式接口）
	setProgress(progressUploading)
	publishProgress("processing", pubsub.StepUploading, "")

	audioURL := "/api/v1/audio/stream/" + book.ID
	if p.ossClient != nil {
		data, rerr := os.ReadFile(audioPath)
		if rerr != nil {
			return failJob(pubsub.StepUploading, fmt.Errorf("failed to read audio file: %w", rerr))
		}
		url, uerr := p.ossClient.UploadAudio(book.ID, data, p.cfg.Audio.OutputFormat)
		if uerr != nil {
			return failJob(pubsub.StepUploading, fmt.Errorf("failed to upload audio: %w", uerr))
		}
		audioURL = url
	}

	// processing -> completed
	now := time.Now().UTC().Format(time.RFC3339)
	book.Status = model.StatusCompleted
	book.Progress = 100
	book.AudioURL = audioURL
	book.Duration = duration
	book.ErrorMessage = ""
	book.ConvertedAt = now
	book.RegenerationRequested = false
	book.Touch()
	if uerr := p.bookRepo.UpdateExisting(jobCtx, book); uerr != nil {
		if errors.Is(uerr, repository.ErrBookGone) {
			log.Printf("Book %s was deleted during conversion, discarding audio", book.ID)
			os.Remove(audioPath)
			return nil
		}
		return failJob(pubsub.StepDone, fmt.Errorf("failed to persist completed state: %w", uerr))
	}

	p.logActivity(jobCtx, book.UserID, model.ActivityConversionComplete, map[string]interface{}{
		"book_id":  book.ID,
		"title":    book.Title,
		"duration": duration,
	})
	publishProgress("completed", pubsub.StepDone, "")

	log.Printf("Book %s: conversion completed, duration %ds", book.ID, duration)
	return nil
}

func (p *Processor) audioFilePath(bookID string) string {
	return filepath.Join(p.cfg.Audio.OutputDir, bookID+"."+p.cfg.Audio.OutputFormat)
}

func (p *Processor) logActivity(ctx context.Context, userID, activityType string, metadata map[string]interface{}) {
	entry := model.NewActivityEntry(activityType, metadata)
	if err := p.activityRepo.Append(ctx, userID, entry); err != nil {
		log.Printf("Failed to log activity %s for user %s: %v", activityType, userID, err)
	}
}

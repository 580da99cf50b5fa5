package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magdee/audio_go_server/config"
	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
	"github.com/magdee/audio_go_server/internal/pkg/pubsub"
	"github.com/magdee/audio_go_server/internal/pkg/queue"
	"github.com/magdee/audio_go_server/internal/repository"
	"github.com/magdee/audio_go_server/internal/testutil"
)

// fakeSynth 可控的合成引擎
type fakeSynth struct {
	duration int
	err      error
	panicMsg string
	steps    []int
	onCall   func(ctx context.Context, outputPath string)
	onStep   func()
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, outputPath string, progress func(percent int)) (int, error) {
	if f.onCall != nil {
		f.onCall(ctx, outputPath)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return 0, f.err
	}
	steps := f.steps
	if steps == nil {
		steps = []int{10, 50, 90}
	}
	for _, s := range steps {
		if progress != nil {
			progress(s)
		}
		if f.onStep != nil {
			f.onStep()
		}
	}
	return f.duration, nil
}

func setupProcessor(t *testing.T, synth Synthesizer) (*Processor, *kv.Store, *config.Config, func()) {
	t.Helper()

	client, cleanup := testutil.SetupTestRedis(t)
	store := kv.NewStore(client)

	cfg := &config.Config{
		Audio: config.AudioConfig{
			OutputDir:    t.TempDir(),
			OutputFormat: "mp3",
		},
		Pipeline: config.PipelineConfig{
			JobTimeoutSeconds:  60,
			LockTTLSeconds:     60,
			StepIntervalMillis: 1,
		},
		Activity: config.ActivityConfig{
			MaxEntries: 1000,
		},
	}

	bookRepo := repository.NewBookRepository(store)
	activityRepo := repository.NewActivityRepository(store, cfg.Activity.MaxEntries)

	// pub/sub 走 miniredis，发布即丢弃，但不报错
	publisher := pubsub.NewPublisher(client)

	processor := NewProcessor(bookRepo, activityRepo, store, publisher, nil, synth, cfg)
	processor.SetExtractor(func(path string) (string, error) {
		return "some extracted text for synthesis", nil
	})

	return processor, store, cfg, cleanup
}

func getBook(t *testing.T, store *kv.Store, bookID string) *model.Book {
	t.Helper()
	book, err := repository.NewBookRepository(store).GetByID(context.Background(), bookID)
	require.NoError(t, err)
	require.NotNil(t, book)
	return book
}

func TestProcessor_Success(t *testing.T) {
	processor, store, _, cleanup := setupProcessor(t, &fakeSynth{duration: 1800})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
		Reason: queue.ReasonUpload,
	})
	require.NoError(t, err)

	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, 1800, stored.Duration)
	assert.Equal(t, "/api/v1/audio/stream/"+book.ID, stored.AudioURL)
	assert.NotEmpty(t, stored.ConvertedAt)
	assert.Empty(t, stored.ErrorMessage)

	// 完成事件进活动日志
	activityRepo := repository.NewActivityRepository(store, 1000)
	entries, err := activityRepo.List(context.Background(), "user_1", model.ActivityConversionComplete, 10, true)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessor_SynthFailure(t *testing.T) {
	processor, store, _, cleanup := setupProcessor(t, &fakeSynth{err: errors.New("voice service unavailable")})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.Error(t, err)

	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "voice service unavailable")
	// 产物字段保持空
	assert.Empty(t, stored.AudioURL)
	assert.Zero(t, stored.Duration)

	activityRepo := repository.NewActivityRepository(store, 1000)
	entries, ferr := activityRepo.List(context.Background(), "user_1", model.ActivityConversionFailed, 10, true)
	require.NoError(t, ferr)
	assert.Len(t, entries, 1)
}

func TestProcessor_ExtractFailure(t *testing.T) {
	processor, store, _, cleanup := setupProcessor(t, &fakeSynth{duration: 60})
	defer cleanup()

	processor.SetExtractor(func(path string) (string, error) {
		return "", errors.New("corrupt pdf")
	})

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.Error(t, err)

	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "corrupt pdf")
}

func TestProcessor_PanicLandsInFailed(t *testing.T) {
	processor, store, _, cleanup := setupProcessor(t, &fakeSynth{panicMsg: "index out of range"})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// panic 也不允许留在 processing
	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
}

func TestProcessor_MissingBookDropped(t *testing.T) {
	processor, _, _, cleanup := setupProcessor(t, &fakeSynth{duration: 60})
	defer cleanup()

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: "book_deleted",
		UserID: "user_1",
	})
	assert.NoError(t, err)
}

// 转换途中删除：worker 的写回不能把已删除的记录复活，
// 否则出现书架里没有但 book:<id> 还在的孤儿。
func TestProcessor_DeletedMidFlightNotResurrected(t *testing.T) {
	var store *kv.Store
	var bookID string

	synth := &fakeSynth{
		duration: 600,
		onCall: func(ctx context.Context, outputPath string) {
			// 合成期间用户删除了这本书
			bookRepo := repository.NewBookRepository(store)
			libraryRepo := repository.NewLibraryRepository(store)
			require.NoError(t, bookRepo.Delete(ctx, bookID))
			require.NoError(t, libraryRepo.Remove(ctx, "user_1", bookID))
		},
	}

	processor, s, _, cleanup := setupProcessor(t, synth)
	defer cleanup()
	store = s

	book := testutil.TestBook(t, store, "user_1")
	bookID = book.ID
	libraryRepo := repository.NewLibraryRepository(store)
	require.NoError(t, libraryRepo.Append(context.Background(), "user_1", bookID))

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: bookID,
		UserID: "user_1",
		Reason: queue.ReasonUpload,
	})
	require.NoError(t, err)

	// 记录保持删除状态，书架也为空
	stored, err := repository.NewBookRepository(store).GetByID(context.Background(), bookID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	ids, err := libraryRepo.List(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// 失败路径同样不能复活：删除后合成报错，failJob 不得写回 failed 记录
func TestProcessor_DeletedMidFlightFailureNotResurrected(t *testing.T) {
	var store *kv.Store
	var bookID string

	synth := &fakeSynth{
		err: errors.New("voice service unavailable"),
		onCall: func(ctx context.Context, outputPath string) {
			bookRepo := repository.NewBookRepository(store)
			require.NoError(t, bookRepo.Delete(ctx, bookID))
		},
	}

	processor, s, _, cleanup := setupProcessor(t, synth)
	defer cleanup()
	store = s

	book := testutil.TestBook(t, store, "user_1")
	bookID = book.ID

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: bookID,
		UserID: "user_1",
	})
	require.NoError(t, err)

	stored, err := repository.NewBookRepository(store).GetByID(context.Background(), bookID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestProcessor_LockExclusivity(t *testing.T) {
	processor, store, cfg, cleanup := setupProcessor(t, &fakeSynth{duration: 60})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	// 预先占住锁，模拟另一个 worker 正在处理
	lockTTL := time.Duration(cfg.Pipeline.LockTTLSeconds) * time.Second
	acquired, err := store.AcquireLock(context.Background(), repository.BookLockKey(book.ID), lockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	err = processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.NoError(t, err)

	// 被锁挡掉的任务不碰记录
	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestProcessor_ReleasesLockAfterRun(t *testing.T) {
	processor, store, cfg, cleanup := setupProcessor(t, &fakeSynth{duration: 60})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.NoError(t, err)

	// 跑完后锁必须释放，下一次 Regenerate 才能处理
	lockTTL := time.Duration(cfg.Pipeline.LockTTLSeconds) * time.Second
	acquired, err := store.AcquireLock(context.Background(), repository.BookLockKey(book.ID), lockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestProcessor_MonotonicProgress(t *testing.T) {
	// 引擎乱序上报进度，持久化的进度只能单调递增
	synth := &fakeSynth{duration: 60, steps: []int{50, 10, 90, 30}}
	processor, store, _, cleanup := setupProcessor(t, synth)
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")

	var observed []int
	synth.onStep = func() {
		observed = append(observed, getBook(t, store, book.ID).Progress)
	}

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.NoError(t, err)

	// 倒退的进度上报被忽略，持久化值只增不减
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1])
	}

	stored := getBook(t, store, book.ID)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}

func TestProcessor_Timeout(t *testing.T) {
	// 引擎阻塞到超时
	synth := &fakeSynth{}
	synth.onCall = func(ctx context.Context, outputPath string) {
		<-ctx.Done()
	}
	synth.err = context.DeadlineExceeded

	processor, store, cfg, cleanup := setupProcessor(t, synth)
	defer cleanup()

	cfg.Pipeline.JobTimeoutSeconds = 1

	book := testutil.TestBook(t, store, "user_1")

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// 超时后 failed 状态仍然要持久化成功
	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "timed out")
}

func TestProcessor_RegenerateClearsFlag(t *testing.T) {
	processor, store, _, cleanup := setupProcessor(t, &fakeSynth{duration: 120})
	defer cleanup()

	book := testutil.TestBook(t, store, "user_1")
	book.RegenerationRequested = true
	require.NoError(t, repository.NewBookRepository(store).Update(context.Background(), book))

	err := processor.Process(context.Background(), &queue.ConversionMessage{
		BookID: book.ID,
		UserID: "user_1",
		Reason: queue.ReasonRegenerate,
	})
	require.NoError(t, err)

	stored := getBook(t, store, book.ID)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.False(t, stored.RegenerationRequested)
}

var _ Synthesizer = (*fakeSynth)(nil)

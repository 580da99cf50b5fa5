package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Synthesizer 文本转语音引擎。实际引擎（ElevenLabs、Azure 等）是外部服务，
// 通过这个接口注入；progress 回调收到 0-100 的合成进度。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string, progress func(percent int)) (durationSeconds int, err error)
}

// StubSynthesizer 本地占位引擎。没有接入真实 TTS 服务时使用：
// 按固定节奏推进进度并生成确定性的占位音频文件，时长按语速估算。
type StubSynthesizer struct {
	WordsPerMinute int           // 朗读语速，默认 150
	StepInterval   time.Duration // 每步进度之间的间隔
	MaxDuration    int           // 超过该时长（秒）的文本直接拒绝，0 表示不限制
}

func (s *StubSynthesizer) Synthesize(ctx context.Context, text, outputPath string, progress func(percent int)) (int, error) {
	words := CountWords(text)
	if words == 0 {
		return 0, fmt.Errorf("nothing to synthesize")
	}

	wpm := s.WordsPerMinute
	if wpm <= 0 {
		wpm = 150
	}
	duration := words * 60 / wpm
	if duration < 1 {
		duration = 1
	}
	if s.MaxDuration > 0 && duration > s.MaxDuration {
		return 0, fmt.Errorf("estimated duration %ds exceeds maximum %ds", duration, s.MaxDuration)
	}

	interval := s.StepInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	for _, percent := range []int{10, 25, 50, 75, 90} {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
		if progress != nil {
			progress(percent)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	// 占位产物：写入提取出的文本，带伪 MP3 头，保证文件存在且非空
	payload := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), []byte(text)...)
	if err := os.WriteFile(outputPath, payload, 0644); err != nil {
		return 0, fmt.Errorf("write audio file: %w", err)
	}

	if progress != nil {
		progress(100)
	}
	return duration, nil
}

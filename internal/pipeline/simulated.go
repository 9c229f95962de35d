package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// 任務 params 中用於故障注入的鍵
const (
	ParamFailStage   = "fail_stage"
	ParamFailMessage = "fail_message"
)

// Simulated 以固定步數與延遲模擬 DSP 階段，用於 demo 與測試
// 任務 params 帶 fail_stage=<analyze|invert|render> 時該階段回傳 StageError
type Simulated struct {
	Steps      int           // 每階段回報幾次進度
	Step       time.Duration // 每步延遲
	ScratchDir string        // render 輸出的暫存目錄，空字串用 os.TempDir()
}

// NewSimulatedStages 三個階段共用同一個 Simulated
func NewSimulatedStages(s Simulated) Stages {
	return Stages{Analyzer: s, Inverter: s, Renderer: s}
}

func (s Simulated) Analyze(ctx context.Context, refPath, tgtPath string, h Hooks) (Features, error) {
	if err := s.work(ctx, types.StageAnalyze, h); err != nil {
		return nil, err
	}
	return Features{
		"ref_bytes": float64(fileSize(refPath)),
		"tgt_bytes": float64(fileSize(tgtPath)),
		"centroid":  1000 + rand.Float64()*500,
	}, nil
}

func (s Simulated) Invert(ctx context.Context, f Features, mode types.Mode, params map[string]interface{}, h Hooks) (StyleParams, error) {
	if err := s.work(ctx, types.StageInvert, h); err != nil {
		return nil, err
	}
	p := StyleParams{
		"gain_db": math.Round((f["centroid"]-1250)/100*10) / 10,
		"eq_tilt": 0.5,
	}
	if mode == types.ModeStyle {
		p["eq_tilt"] = 1.0
	}
	if v, ok := params["strength"].(float64); ok {
		p["strength"] = v
	}
	return p, nil
}

func (s Simulated) Render(ctx context.Context, tgtPath string, p StyleParams, h Hooks) (RenderOutput, error) {
	if err := s.work(ctx, types.StageRender, h); err != nil {
		return RenderOutput{}, err
	}
	f, err := os.CreateTemp(s.ScratchDir, "render-*.wav")
	if err != nil {
		return RenderOutput{}, fmt.Errorf("create output: %w", err)
	}
	if err := writeSilence(f, 44100, 44100/10); err != nil {
		f.Close()
		os.Remove(f.Name())
		return RenderOutput{}, err
	}
	if err := f.Close(); err != nil {
		return RenderOutput{}, err
	}
	return RenderOutput{
		OutputPath: f.Name(),
		Metrics: types.Metrics{
			"stft_dist": math.Round(rand.Float64()*1000) / 1000,
			"mel_dist":  math.Round(rand.Float64()*1000) / 1000,
			"lufs_err":  math.Round(rand.Float64()*100) / 100,
		},
	}, nil
}

// work 依步數推進進度，並在每步檢查取消與故障注入
func (s Simulated) work(ctx context.Context, stage types.Stage, h Hooks) error {
	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}
	if msg, ok := injectedFailure(ctx, stage); ok {
		return &StageError{Stage: stage, Message: msg}
	}
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Step):
		}
		if h.Cancelled != nil && h.Cancelled() {
			return ErrCancelled
		}
		if h.Progress != nil {
			h.Progress(i * 100 / steps)
		}
	}
	return nil
}

func injectedFailure(ctx context.Context, stage types.Stage) (string, bool) {
	job := JobFromContext(ctx)
	if job == nil || job.Params == nil {
		return "", false
	}
	target, _ := job.Params[ParamFailStage].(string)
	if !strings.EqualFold(target, string(stage)) {
		return "", false
	}
	msg, _ := job.Params[ParamFailMessage].(string)
	if msg == "" {
		msg = fmt.Sprintf("simulated %s failure", stage)
	}
	return msg, true
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

// writeSilence 寫出 16-bit mono PCM WAV
func writeSilence(f *os.File, sampleRate, samples uint32) error {
	dataLen := samples * 2
	header := []interface{}{
		[4]byte{'R', 'I', 'F', 'F'}, uint32(36 + dataLen), [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16), uint16(1), uint16(1),
		sampleRate, sampleRate * 2, uint16(2), uint16(16),
		[4]byte{'d', 'a', 't', 'a'}, dataLen,
	}
	for _, v := range header {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}
	if _, err := f.Write(make([]byte, dataLen)); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

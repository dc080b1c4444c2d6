package backtest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aliarzani/Zinc-bot/market"
)

// syntheticFetcher 固定生成一段单调上涨行情
type syntheticFetcher struct {
	count int
	err   error
}

func (f syntheticFetcher) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	if f.err != nil {
		return nil, f.err
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]market.Kline, f.count)
	for i := range klines {
		price := 100 + float64(i)
		klines[i] = market.Kline{
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000,
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return klines, nil
}

// fixedProbModel 按固定模式轮流给出开/平概率
type fixedProbModel struct {
	probs []float64
	err   error
}

func (m fixedProbModel) ProbUp(ctx context.Context, features []float64) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.probs[0], nil
}

func (m fixedProbModel) ProbUpBatch(ctx context.Context, rows [][]float64) ([]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(rows))
	for i := range out {
		out[i] = m.probs[i%len(m.probs)]
	}
	return out, nil
}

func TestRunner_CompletesAndPersists(t *testing.T) {
	outputDir := t.TempDir()
	runner, err := NewRunner(RunConfig{
		Symbol:    "btc",
		Timeframe: "1h",
		Limit:     60,
		OutputDir: outputDir,
	}, syntheticFetcher{count: 60}, fixedProbModel{probs: []float64{0.8, 0.4}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runner.Status(); got != RunStateCompleted {
		t.Fatalf("status = %s, want completed", got)
	}

	result, ok := runner.Result()
	if !ok {
		t.Fatal("Result should be available after completion")
	}
	if result.TotalTrades == 0 {
		t.Error("expected trades with alternating probabilities")
	}

	// 结果文件可读回且与内存结果一致
	loaded, err := LoadResultFile(outputDir, runner.Config().RunID)
	if err != nil {
		t.Fatalf("LoadResultFile: %v", err)
	}
	if loaded.FinalBalance != result.FinalBalance {
		t.Errorf("persisted finalBalance = %v, want %v", loaded.FinalBalance, result.FinalBalance)
	}

	// 净值曲线逐行追加
	equityPath := filepath.Join(outputDir, runner.Config().RunID, "equity.jsonl")
	if _, err := os.Stat(equityPath); err != nil {
		t.Errorf("equity.jsonl missing: %v", err)
	}

	// 状态进度拉满
	payload := runner.StatusPayload()
	if payload.ProcessedBars != payload.TotalBars {
		t.Errorf("processed = %d, total = %d", payload.ProcessedBars, payload.TotalBars)
	}
}

func TestRunner_FetchFailureEndsFailed(t *testing.T) {
	runner, err := NewRunner(RunConfig{
		Symbol:    "btc",
		OutputDir: t.TempDir(),
	}, syntheticFetcher{err: errors.New("exchange down")}, fixedProbModel{probs: []float64{0.5}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Wait(); err == nil {
		t.Fatal("Wait should return the failure")
	}
	if got := runner.Status(); got != RunStateFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if payload := runner.StatusPayload(); payload.LastError == "" {
		t.Error("status payload should carry the last error")
	}
	if _, ok := runner.Result(); ok {
		t.Error("failed run must not expose a result")
	}
}

func TestRunner_TooFewBars(t *testing.T) {
	// 51根K线只够1行特征，无法回放
	runner, err := NewRunner(RunConfig{
		Symbol:    "btc",
		OutputDir: t.TempDir(),
	}, syntheticFetcher{count: 51}, fixedProbModel{probs: []float64{0.5}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Wait(); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestRunner_Stop(t *testing.T) {
	// 大量K线，运行中途请求停止
	runner, err := NewRunner(RunConfig{
		Symbol:    "btc",
		Limit:     5000,
		OutputDir: t.TempDir(),
	}, syntheticFetcher{count: 5000}, fixedProbModel{probs: []float64{0.8, 0.4}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	runner.Stop()
	_ = runner.Wait()

	got := runner.Status()
	if got != RunStateStopped && got != RunStateCompleted {
		t.Errorf("status = %s, want stopped (or completed if the run won the race)", got)
	}
}

func TestRunner_StartTwiceFails(t *testing.T) {
	runner, err := NewRunner(RunConfig{
		Symbol:    "btc",
		OutputDir: t.TempDir(),
	}, syntheticFetcher{count: 60}, fixedProbModel{probs: []float64{0.5}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := runner.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	_ = runner.Wait()
}

func TestRunConfig_Defaults(t *testing.T) {
	cfg := RunConfig{Symbol: "BTCUSDT"}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	if cfg.RunID == "" {
		t.Error("run id should be generated")
	}
	if cfg.InitialBalance != 10000 || cfg.Leverage != 1 {
		t.Errorf("defaults = %v/%v, want 10000/1", cfg.InitialBalance, cfg.Leverage)
	}

	empty := RunConfig{}
	if err := empty.applyDefaults(); err == nil {
		t.Error("missing symbol should fail")
	}
}

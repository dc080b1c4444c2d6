package backtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/logger"
	"github.com/aliarzani/Zinc-bot/market"
	"github.com/aliarzani/Zinc-bot/predictor"
)

var errBacktestCompleted = errors.New("backtest completed")

// RunState 运行器状态机: created -> running -> completed | failed | stopped
// running 和 paused 之间可以往返
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateStopped   RunState = "stopped"
)

// RunConfig 单次回测运行的配置
type RunConfig struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Limit     int    `json:"limit"` // 拉取的K线数量

	InitialBalance float64 `json:"initial_balance"`
	Leverage       float64 `json:"leverage"`
	MaxRisk        float64 `json:"max_risk"`

	OutputDir string `json:"-"` // 运行产物目录，空则用 backtest_runs
}

func (c *RunConfig) applyDefaults() error {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("symbol required")
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}
	if c.InitialBalance == 0 {
		c.InitialBalance = DefaultConfig().InitialBalance
	}
	if c.Leverage == 0 {
		c.Leverage = DefaultConfig().Leverage
	}
	if c.InitialBalance < 0 || c.Leverage < 0 {
		return ErrInvalidConfig
	}
	if c.OutputDir == "" {
		c.OutputDir = "backtest_runs"
	}
	return nil
}

// StatusPayload 用于API的状态响应
type StatusPayload struct {
	RunID          string   `json:"run_id"`
	Symbol         string   `json:"symbol"`
	State          RunState `json:"state"`
	ProgressPct    float64  `json:"progress_pct"`
	ProcessedBars  int      `json:"processed_bars"`
	TotalBars      int      `json:"total_bars"`
	Balance        float64  `json:"balance"`
	TotalTrades    int      `json:"total_trades"`
	LastError      string   `json:"last_error,omitempty"`
	LastUpdatedIso string   `json:"last_updated"`
}

// Runner 封装单次回测运行的生命周期:
// 拉K线 -> 派生特征 -> 批量推理概率 -> 逐根回放 -> 持久化结果
type Runner struct {
	cfg       RunConfig
	fetcher   market.Fetcher
	model     predictor.Model
	signalLog logger.ISignalLogger

	engine *Engine
	bars   []Bar
	cursor int // 下一根待处理的决策K线下标（bars 内）

	statusMu sync.RWMutex
	status   RunState
	err      error

	errMu     sync.RWMutex
	lastError string

	stateMu       sync.RWMutex
	processedBars int
	totalBars     int
	balance       float64
	totalTrades   int
	lastUpdate    time.Time

	resultMu sync.RWMutex
	result   *Result

	pauseCh  chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	createdAt time.Time
}

// NewRunner 构建回测运行器
func NewRunner(cfg RunConfig, fetcher market.Fetcher, model predictor.Model) (*Runner, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, errors.New("market fetcher required")
	}
	if model == nil {
		return nil, errors.New("predictor model required")
	}

	engine, err := NewEngine(Config{
		InitialBalance: cfg.InitialBalance,
		Leverage:       cfg.Leverage,
		MaxRisk:        cfg.MaxRisk,
	})
	if err != nil {
		return nil, err
	}

	dir := runDir(cfg.OutputDir, cfg.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		fetcher:   fetcher,
		model:     model,
		signalLog: logger.NewSignalLogger(filepath.Join(dir, "signals")),
		engine:    engine,
		status:    RunStateCreated,
		balance:   cfg.InitialBalance,
		pauseCh:   make(chan struct{}, 1),
		resumeCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		createdAt: time.Now().UTC(),
	}, nil
}

// Config 返回运行配置副本
func (r *Runner) Config() RunConfig { return r.cfg }

// Start 启动回测循环
func (r *Runner) Start(ctx context.Context) error {
	r.statusMu.Lock()
	if r.status != RunStateCreated {
		r.statusMu.Unlock()
		return fmt.Errorf("cannot start runner in state %s", r.status)
	}
	r.status = RunStateRunning
	r.statusMu.Unlock()

	go r.loop(ctx)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)

	if err := r.prepare(ctx); err != nil {
		r.handleFailure(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			r.handleStop(fmt.Errorf("context canceled: %w", ctx.Err()))
			return
		case <-r.stopCh:
			r.handleStop(nil)
			return
		case <-r.pauseCh:
			r.handlePause()
			select {
			case <-r.resumeCh:
				r.resumeFromPause()
			case <-r.stopCh:
				r.handleStop(nil)
				return
			case <-ctx.Done():
				r.handleStop(fmt.Errorf("context canceled: %w", ctx.Err()))
				return
			}
		default:
		}

		err := r.stepOnce()
		if errors.Is(err, errBacktestCompleted) {
			if err := r.finalizeRun(); err != nil {
				r.handleFailure(err)
				return
			}
			r.handleCompletion()
			return
		}
		if err != nil {
			r.handleFailure(err)
			return
		}
	}
}

// prepare 拉取K线、派生特征、批量拿概率，装配成可回放的bar序列
func (r *Runner) prepare(ctx context.Context) error {
	klines, err := r.fetcher.GetKlines(ctx, r.cfg.Symbol, r.cfg.Timeframe, r.cfg.Limit)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	if len(klines) == 0 {
		return ErrNoData
	}

	rows, err := market.BuildFeatures(klines)
	if err != nil {
		return fmt.Errorf("build features: %w", err)
	}
	if len(rows) < 2 {
		return ErrInsufficientData
	}

	vectors := make([][]float64, len(rows))
	for i, row := range rows {
		vectors[i] = row.Vector()
	}
	probs, err := r.model.ProbUpBatch(ctx, vectors)
	if err != nil {
		return fmt.Errorf("predict probabilities: %w", err)
	}
	if len(probs) != len(rows) {
		return fmt.Errorf("got %d probabilities for %d feature rows", len(probs), len(rows))
	}

	bars := make([]Bar, len(rows))
	for i, row := range rows {
		bars[i] = Bar{
			Index:     i,
			Timestamp: row.Kline.OpenTime,
			Close:     row.Kline.Close,
			ProbUp:    probs[i],
		}
	}

	if err := r.engine.SeedBar(bars[0]); err != nil {
		return err
	}
	r.bars = bars
	r.cursor = 1

	r.stateMu.Lock()
	r.totalBars = len(bars) - 1 // 第一根只播种，不算决策K线
	r.lastUpdate = time.Now().UTC()
	r.stateMu.Unlock()

	log.Info().
		Str("run_id", r.cfg.RunID).
		Str("symbol", r.cfg.Symbol).
		Int("bars", len(bars)).
		Msg("回测数据准备完成")
	return nil
}

func (r *Runner) stepOnce() error {
	if r.cursor >= len(r.bars) {
		return errBacktestCompleted
	}

	bar := r.bars[r.cursor]
	outcome, err := r.engine.ProcessBar(bar)
	if err != nil {
		return err
	}
	r.cursor++

	r.stateMu.Lock()
	r.processedBars = r.engine.ProcessedBars()
	r.balance = outcome.Balance
	r.totalTrades = r.engine.account.TotalTrades()
	r.lastUpdate = time.Now().UTC()
	r.stateMu.Unlock()

	r.logBarSignal(bar, outcome)
	appendEquityPoint(runDir(r.cfg.OutputDir, r.cfg.RunID), EquitySample{
		BarIndex: bar.Index,
		Balance:  outcome.Balance,
	})
	return nil
}

func (r *Runner) logBarSignal(bar Bar, outcome BarOutcome) {
	record := &logger.SignalRecord{
		Timestamp: bar.Timestamp,
		BarIndex:  bar.Index,
		Symbol:    r.cfg.Symbol,
		Price:     bar.Close,
		ProbUp:    bar.ProbUp,
		Signal:    string(outcome.Signal),
		Balance:   outcome.Balance,
	}
	for _, t := range outcome.Closed {
		record.Closed = append(record.Closed, logger.ClosedTradeRecord{
			Side:       string(t.Side),
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			PnL:        t.PnL,
		})
	}
	if err := r.signalLog.LogSignal(record); err != nil {
		log.Warn().Err(err).Str("run_id", r.cfg.RunID).Msg("信号日志写入失败")
	}
}

func (r *Runner) finalizeRun() error {
	result, err := r.engine.Finalize()
	if err != nil {
		return err
	}

	r.resultMu.Lock()
	r.result = result
	r.resultMu.Unlock()

	if err := saveResultFile(runDir(r.cfg.OutputDir, r.cfg.RunID), r.cfg, result); err != nil {
		log.Warn().Err(err).Str("run_id", r.cfg.RunID).Msg("结果文件写入失败")
	}
	return nil
}

func (r *Runner) setLastError(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if err == nil {
		r.lastError = ""
		return
	}
	r.lastError = logger.RedactSensitiveInfo(err.Error())
}

func (r *Runner) lastErrorString() string {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.lastError
}

func (r *Runner) handleStop(reason error) {
	r.setLastError(reason)
	r.statusMu.Lock()
	r.err = reason
	r.status = RunStateStopped
	r.statusMu.Unlock()
	log.Info().Str("run_id", r.cfg.RunID).Msg("回测已停止")
}

func (r *Runner) handlePause() {
	r.statusMu.Lock()
	r.status = RunStatePaused
	r.statusMu.Unlock()
}

func (r *Runner) resumeFromPause() {
	r.statusMu.Lock()
	r.status = RunStateRunning
	r.statusMu.Unlock()
}

func (r *Runner) handleCompletion() {
	r.setLastError(nil)
	r.statusMu.Lock()
	r.status = RunStateCompleted
	r.statusMu.Unlock()
	log.Info().Str("run_id", r.cfg.RunID).Msg("回测完成")
}

func (r *Runner) handleFailure(err error) {
	r.setLastError(err)
	r.statusMu.Lock()
	r.err = err
	r.status = RunStateFailed
	r.statusMu.Unlock()
	log.Error().Err(err).Str("run_id", r.cfg.RunID).Msg("回测失败")
}

// Pause 请求暂停，幂等
func (r *Runner) Pause() {
	select {
	case r.pauseCh <- struct{}{}:
	default:
	}
}

// Resume 请求恢复，幂等
func (r *Runner) Resume() {
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// Stop 请求停止，幂等
func (r *Runner) Stop() {
	select {
	case r.stopCh <- struct{}{}:
	default:
	}
}

// Wait 阻塞直到运行结束，返回终态错误
func (r *Runner) Wait() error {
	<-r.doneCh
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.err
}

// Status 返回当前运行状态
func (r *Runner) Status() RunState {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Result 返回最终结果，未完成时第二个返回值为false
func (r *Runner) Result() (*Result, bool) {
	r.resultMu.RLock()
	defer r.resultMu.RUnlock()
	if r.result == nil {
		return nil, false
	}
	copied := *r.result
	return &copied, true
}

// StatusPayload 构建用于API的状态响应
func (r *Runner) StatusPayload() StatusPayload {
	r.stateMu.RLock()
	processed := r.processedBars
	total := r.totalBars
	balance := r.balance
	trades := r.totalTrades
	updated := r.lastUpdate
	r.stateMu.RUnlock()

	progress := 0.0
	if total > 0 {
		progress = 100 * float64(processed) / float64(total)
	}
	if updated.IsZero() {
		updated = r.createdAt
	}

	return StatusPayload{
		RunID:          r.cfg.RunID,
		Symbol:         r.cfg.Symbol,
		State:          r.Status(),
		ProgressPct:    progress,
		ProcessedBars:  processed,
		TotalBars:      total,
		Balance:        balance,
		TotalTrades:    trades,
		LastError:      r.lastErrorString(),
		LastUpdatedIso: updated.UTC().Format(time.RFC3339),
	}
}

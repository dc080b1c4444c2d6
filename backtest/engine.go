package backtest

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoData 上游过滤后没有任何K线，引擎拒绝运行（不产出空结果）
	ErrNoData = errors.New("no bars to replay")
	// ErrInsufficientData 至少需要2根K线（第一根只播种历史，不产生决策）
	ErrInsufficientData = errors.New("need at least 2 bars to replay")
	// ErrInvalidConfig 配置非法（余额/杠杆必须为正）
	ErrInvalidConfig = errors.New("invalid backtest config")
)

// InvalidBarError 坏数据快速失败: NaN概率、越界概率、非正价格、时间戳乱序
// 绝不把 NaN 概率静默当成 HOLD
type InvalidBarError struct {
	Index  int
	Reason string
}

func (e *InvalidBarError) Error() string {
	return fmt.Sprintf("invalid bar at index %d: %s", e.Index, e.Reason)
}

// Engine 回测引擎: 把概率流回放成开/平仓决策并精确记账
// 单线程、完全确定性，一次性使用（一遍产出一个Result）
type Engine struct {
	cfg     Config
	book    *PositionBook
	account *Account
	equity  *EquityCurve

	firstBar  *Bar
	lastBar   *Bar
	processed int
	signals   []Signal
	finalized bool
}

// NewEngine 按配置构建引擎
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("%w: initial balance must be positive, got %v", ErrInvalidConfig, cfg.InitialBalance)
	}
	if cfg.Leverage <= 0 {
		return nil, fmt.Errorf("%w: leverage must be positive, got %v", ErrInvalidConfig, cfg.Leverage)
	}
	return &Engine{
		cfg:     cfg,
		book:    NewPositionBook(),
		account: NewAccount(cfg.InitialBalance, cfg.Leverage),
		equity:  NewEquityCurve(cfg.InitialBalance),
		signals: make([]Signal, 0),
	}, nil
}

// SeedBar 记录序列的第一根K线。它只提供历史，不参与决策
func (eng *Engine) SeedBar(bar Bar) error {
	if err := validateBar(bar, nil); err != nil {
		return err
	}
	b := bar
	eng.firstBar = &b
	eng.lastBar = &b
	return nil
}

// ProcessBar 处理一根决策K线，顺序: 开仓判定 -> 平仓判定 -> 标签 -> 净值采样
// 同一根K线上刚开的仓位也参与本根的平仓判定（允许同根开平）
func (eng *Engine) ProcessBar(bar Bar) (BarOutcome, error) {
	if eng.finalized {
		return BarOutcome{}, errors.New("engine already finalized")
	}
	if eng.firstBar == nil {
		return BarOutcome{}, errors.New("seed bar required before processing")
	}
	if err := validateBar(bar, eng.lastBar); err != nil {
		return BarOutcome{}, err
	}

	price := bar.Close
	prob := bar.ProbUp
	signal := SignalHold

	// 开新仓: prob>0.7 开多 / prob<0.3 开空，互斥
	if side, ok := openDecision(prob); ok {
		eng.book.Open(side, price, bar.Index)
		eng.account.RecordOpen()
		if side == SideBuy {
			signal = SignalBuy
		} else {
			signal = SignalSell
		}
	}

	// 平仓: 快照单遍扫描全部未平仓位（含本根刚开的）
	var closed []ClosedTrade
	for _, pos := range eng.book.CloseEligible(prob) {
		closed = append(closed, eng.account.ApplyClose(pos, price))
	}
	if len(closed) > 0 {
		signal = SignalExit // 平仓标签覆盖开仓标签
	}

	eng.processed++
	eng.equity.Append(bar.Index, eng.account.Balance())
	eng.signals = append(eng.signals, signal)
	b := bar
	eng.lastBar = &b

	return BarOutcome{
		Index:   bar.Index,
		Signal:  signal,
		Balance: eng.account.Balance(),
		Closed:  closed,
	}, nil
}

// Finalize 折叠交易记录和净值历史，产出最终结果
func (eng *Engine) Finalize() (*Result, error) {
	if eng.firstBar == nil {
		return nil, ErrNoData
	}
	if eng.processed == 0 {
		return nil, ErrInsufficientData
	}
	eng.finalized = true

	total := eng.account.TotalTrades()
	winRate := 0.0
	if total > 0 {
		// 分母是开仓数而非平仓数: 结束时仍未平的仓位会压低胜率（保留源行为）
		winRate = 100 * float64(eng.account.WinningTrades()) / float64(total)
	}

	return &Result{
		InitialBalance: eng.account.InitialBalance(),
		FinalBalance:   eng.account.Balance(),
		NetProfit:      round2(eng.account.Balance() - eng.account.InitialBalance()),
		WinRate:        round2(winRate),
		MaxDrawdown:    round2(eng.equity.MaxDrawdownPct()),
		TotalTrades:    total,
		WinningTrades:  eng.account.WinningTrades(),
		LosingTrades:   eng.account.LosingTrades(),
		PeriodStart:    eng.firstBar.Timestamp,
		PeriodEnd:      eng.lastBar.Timestamp,
		OpenPositions:  eng.book.Len(),
	}, nil
}

// Run 一次性回放整个序列。第一根K线播种历史，决策从第二根开始
func (eng *Engine) Run(bars []Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	if len(bars) < 2 {
		return nil, ErrInsufficientData
	}

	if err := eng.SeedBar(bars[0]); err != nil {
		return nil, err
	}
	for _, bar := range bars[1:] {
		if _, err := eng.ProcessBar(bar); err != nil {
			return nil, err
		}
	}
	return eng.Finalize()
}

// Signals 每根已处理K线的标签序列（与处理顺序一致，不含种子K线）
func (eng *Engine) Signals() []Signal {
	out := make([]Signal, len(eng.signals))
	copy(out, eng.signals)
	return out
}

// Equity 净值曲线
func (eng *Engine) Equity() *EquityCurve { return eng.equity }

// OpenPositions 当前未平仓位快照
func (eng *Engine) OpenPositions() []Position { return eng.book.Snapshot() }

// ProcessedBars 已处理的决策K线数
func (eng *Engine) ProcessedBars() int { return eng.processed }

func validateBar(bar Bar, prev *Bar) error {
	if math.IsNaN(bar.ProbUp) {
		return &InvalidBarError{Index: bar.Index, Reason: "probability is NaN"}
	}
	if bar.ProbUp < 0 || bar.ProbUp > 1 {
		return &InvalidBarError{Index: bar.Index, Reason: fmt.Sprintf("probability %v outside [0,1]", bar.ProbUp)}
	}
	if math.IsNaN(bar.Close) || bar.Close <= 0 {
		return &InvalidBarError{Index: bar.Index, Reason: fmt.Sprintf("close price %v not positive", bar.Close)}
	}
	if prev != nil && bar.Timestamp.Before(prev.Timestamp) {
		return &InvalidBarError{Index: bar.Index, Reason: "timestamp out of order"}
	}
	return nil
}

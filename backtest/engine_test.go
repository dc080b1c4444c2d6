package backtest

import (
	"errors"
	"math"
	"testing"
	"time"
)

func makeBars(prices []float64, probs []float64) []Bar {
	if len(prices) != len(probs) {
		panic("prices and probs must align")
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]Bar, len(prices))
	for i := range prices {
		bars[i] = Bar{
			Index:     i,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Close:     prices[i],
			ProbUp:    probs[i],
		}
	}
	return bars
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

// TestRun_ReferenceScenario 四根K线的完整回放:
// 种子100 -> 0.8开多@101 -> 0.4平仓@102(+1) -> 0.6持有@103
func TestRun_ReferenceScenario(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars(
		[]float64{100, 101, 102, 103},
		[]float64{0.5, 0.8, 0.4, 0.6}, // 种子K线的概率不参与决策
	)

	result, err := eng.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.FinalBalance != 10001 {
		t.Errorf("finalBalance = %v, want 10001", result.FinalBalance)
	}
	if result.NetProfit != 1 {
		t.Errorf("netProfit = %v, want 1", result.NetProfit)
	}
	if result.TotalTrades != 1 || result.WinningTrades != 1 || result.LosingTrades != 0 {
		t.Errorf("trades = %d/%d/%d, want 1/1/0",
			result.TotalTrades, result.WinningTrades, result.LosingTrades)
	}
	if result.WinRate != 100 {
		t.Errorf("winRate = %v, want 100", result.WinRate)
	}
	if result.OpenPositions != 0 {
		t.Errorf("openPositions = %d, want 0", result.OpenPositions)
	}

	wantSignals := []Signal{SignalBuy, SignalExit, SignalHold}
	got := eng.Signals()
	if len(got) != len(wantSignals) {
		t.Fatalf("signals len = %d, want %d", len(got), len(wantSignals))
	}
	for i, want := range wantSignals {
		if got[i] != want {
			t.Errorf("signal[%d] = %s, want %s", i, got[i], want)
		}
	}
}

// TestRun_OpenDecisions 开仓阈值严格比较
func TestRun_OpenDecisions(t *testing.T) {
	tests := []struct {
		name       string
		prob       float64
		wantSignal Signal
		wantOpen   int
	}{
		{"0.8开多", 0.8, SignalBuy, 1},
		{"0.2开空", 0.2, SignalSell, 1},
		{"恰好0.7不开", 0.7, SignalHold, 0},
		{"恰好0.3不开", 0.3, SignalHold, 0},
		{"0.5观望", 0.5, SignalHold, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			bars := makeBars([]float64{100, 101}, []float64{0.5, tt.prob})
			if _, err := eng.Run(bars); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := eng.Signals()[0]; got != tt.wantSignal {
				t.Errorf("signal = %s, want %s", got, tt.wantSignal)
			}
			if got := len(eng.OpenPositions()); got != tt.wantOpen {
				t.Errorf("open positions = %d, want %d", got, tt.wantOpen)
			}
		})
	}
}

// TestRun_FreshPositionSurvivesOwnBar 本根刚开的仓位参与本根平仓判定但不满足条件时保留
func TestRun_FreshPositionSurvivesOwnBar(t *testing.T) {
	// prob=0.2 开空；空头平仓条件 prob>0.5 不满足 -> 仓位保留
	eng := newTestEngine(t)
	bars := makeBars([]float64{100, 101}, []float64{0.5, 0.2})
	if _, err := eng.Run(bars); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(eng.OpenPositions()); got != 1 {
		t.Fatalf("open positions = %d, want 1", got)
	}
}

// TestRun_ExitOverridesOpenLabel 本根既有新开仓又有旧仓平掉时，标签是EXIT
func TestRun_ExitOverridesOpenLabel(t *testing.T) {
	eng := newTestEngine(t)
	// bar1: 0.8 开多
	// bar2: 0.2 开空，同时 0.2<0.5 平掉bar1的多头 -> EXIT覆盖SELL
	// 新开的空头自己也参与本根判定: 0.2>0.5 为假，保留
	bars := makeBars([]float64{100, 101, 102}, []float64{0.5, 0.8, 0.2})
	if _, err := eng.Run(bars); err != nil {
		t.Fatalf("Run: %v", err)
	}

	signals := eng.Signals()
	if signals[1] != SignalExit {
		t.Errorf("signal[1] = %s, want EXIT (close overrides open)", signals[1])
	}
	open := eng.OpenPositions()
	if len(open) != 1 || open[0].Side != SideSell {
		t.Errorf("open = %+v, want one SELL position", open)
	}
}

// TestRun_StackedPositionsCloseTogether 堆叠的同向仓位在同一根K线一起平
func TestRun_StackedPositionsCloseTogether(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars(
		[]float64{100, 101, 102, 103, 104},
		[]float64{0.5, 0.8, 0.9, 0.75, 0.4},
	)
	result, err := eng.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 3次开多全部在bar4平掉: pnl = (104-101)+(104-102)+(104-103) = 6
	if result.TotalTrades != 3 {
		t.Errorf("totalTrades = %d, want 3", result.TotalTrades)
	}
	if result.WinningTrades != 3 {
		t.Errorf("winningTrades = %d, want 3", result.WinningTrades)
	}
	if result.FinalBalance != 10006 {
		t.Errorf("finalBalance = %v, want 10006", result.FinalBalance)
	}
	if got := len(eng.OpenPositions()); got != 0 {
		t.Errorf("open positions = %d, want 0", got)
	}
}

// TestRun_LeverageScalesPnL 盈亏按杠杆放大
func TestRun_LeverageScalesPnL(t *testing.T) {
	eng, err := NewEngine(Config{InitialBalance: 10000, Leverage: 10})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	bars := makeBars([]float64{100, 101, 99}, []float64{0.5, 0.8, 0.4})
	result, err := eng.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 多头@101 平@99: pnl = 10*(99-101) = -20
	if result.FinalBalance != 9980 {
		t.Errorf("finalBalance = %v, want 9980", result.FinalBalance)
	}
	if result.LosingTrades != 1 {
		t.Errorf("losingTrades = %d, want 1", result.LosingTrades)
	}
}

// TestRun_ZeroPnLCountsAsLoss 零盈亏的平仓记为亏损
func TestRun_ZeroPnLCountsAsLoss(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars([]float64{100, 101, 101}, []float64{0.5, 0.8, 0.4})
	result, err := eng.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.WinningTrades != 0 || result.LosingTrades != 1 {
		t.Errorf("win/lose = %d/%d, want 0/1 (zero pnl is a loss)",
			result.WinningTrades, result.LosingTrades)
	}
	if result.WinRate != 0 {
		t.Errorf("winRate = %v, want 0", result.WinRate)
	}
}

// TestRun_WinRateCountsOpenedTrades 胜率分母是开仓数: 结束时未平的仓位压低胜率
func TestRun_WinRateCountsOpenedTrades(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars(
		[]float64{100, 101, 102, 103},
		[]float64{0.5, 0.8, 0.4, 0.9}, // 第1仓盈利平掉，第2仓保持未平
	)
	result, err := eng.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalTrades != 2 || result.WinningTrades != 1 {
		t.Fatalf("trades = %d win = %d, want 2/1", result.TotalTrades, result.WinningTrades)
	}
	if result.WinRate != 50 {
		t.Errorf("winRate = %v, want 50 (denominator counts the still-open trade)", result.WinRate)
	}
	if result.OpenPositions != 1 {
		t.Errorf("openPositions = %d, want 1", result.OpenPositions)
	}
}

// TestRun_EquityCurveLength N根K线的净值曲线长度恰为N（种子+N-1次采样）
func TestRun_EquityCurveLength(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars(
		[]float64{100, 101, 102, 103, 104},
		[]float64{0.5, 0.5, 0.5, 0.5, 0.5},
	)
	if _, err := eng.Run(bars); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.Equity().Len(); got != len(bars) {
		t.Errorf("equity len = %d, want %d", got, len(bars))
	}
	samples := eng.Equity().Samples()
	if samples[0].Balance != 10000 {
		t.Errorf("seed sample = %v, want 10000", samples[0].Balance)
	}
}

// TestMaxDrawdownPct 回撤恒<=0，余额新高时为0
func TestMaxDrawdownPct(t *testing.T) {
	tests := []struct {
		name     string
		balances []float64
		want     float64
	}{
		{"单调上涨无回撤", []float64{100, 110, 120}, 0},
		{"从100跌到80", []float64{100, 80}, -20},
		{"创新高后回撤10%", []float64{100, 200, 180}, -10},
		{"回撤后恢复", []float64{100, 50, 150}, -50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			curve := NewEquityCurve(tt.balances[0])
			for i, b := range tt.balances[1:] {
				curve.Append(i+1, b)
			}
			got := curve.MaxDrawdownPct()
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("MaxDrawdownPct = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRun_InputValidation 坏输入快速失败
func TestRun_InputValidation(t *testing.T) {
	t.Run("空序列", func(t *testing.T) {
		eng := newTestEngine(t)
		if _, err := eng.Run(nil); !errors.Is(err, ErrNoData) {
			t.Errorf("err = %v, want ErrNoData", err)
		}
	})

	t.Run("单根K线", func(t *testing.T) {
		eng := newTestEngine(t)
		bars := makeBars([]float64{100}, []float64{0.5})
		if _, err := eng.Run(bars); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("err = %v, want ErrInsufficientData", err)
		}
	})

	t.Run("NaN概率", func(t *testing.T) {
		eng := newTestEngine(t)
		bars := makeBars([]float64{100, 101}, []float64{0.5, math.NaN()})
		_, err := eng.Run(bars)
		var invalid *InvalidBarError
		if !errors.As(err, &invalid) {
			t.Fatalf("err = %v, want InvalidBarError", err)
		}
		if invalid.Index != 1 {
			t.Errorf("index = %d, want 1", invalid.Index)
		}
	})

	t.Run("概率越界", func(t *testing.T) {
		eng := newTestEngine(t)
		bars := makeBars([]float64{100, 101}, []float64{0.5, 1.5})
		var invalid *InvalidBarError
		if _, err := eng.Run(bars); !errors.As(err, &invalid) {
			t.Errorf("err = %v, want InvalidBarError", err)
		}
	})

	t.Run("非正价格", func(t *testing.T) {
		eng := newTestEngine(t)
		bars := makeBars([]float64{100, 0}, []float64{0.5, 0.5})
		var invalid *InvalidBarError
		if _, err := eng.Run(bars); !errors.As(err, &invalid) {
			t.Errorf("err = %v, want InvalidBarError", err)
		}
	})

	t.Run("时间戳乱序", func(t *testing.T) {
		eng := newTestEngine(t)
		bars := makeBars([]float64{100, 101}, []float64{0.5, 0.5})
		bars[1].Timestamp = bars[0].Timestamp.Add(-time.Hour)
		var invalid *InvalidBarError
		if _, err := eng.Run(bars); !errors.As(err, &invalid) {
			t.Errorf("err = %v, want InvalidBarError", err)
		}
	})
}

// TestNewEngine_ConfigValidation 非法配置拒绝构建
func TestNewEngine_ConfigValidation(t *testing.T) {
	if _, err := NewEngine(Config{InitialBalance: 0, Leverage: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero balance: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewEngine(Config{InitialBalance: 10000, Leverage: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative leverage: err = %v, want ErrInvalidConfig", err)
	}
}

// TestEngine_Deterministic 同输入两次回放产出完全相同的结果
func TestEngine_Deterministic(t *testing.T) {
	prices := []float64{100, 103, 99, 105, 102, 98, 110, 108}
	probs := []float64{0.5, 0.8, 0.25, 0.9, 0.45, 0.15, 0.85, 0.4}

	run := func() *Result {
		eng := newTestEngine(t)
		result, err := eng.Run(makeBars(prices, probs))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return result
	}

	first, second := run(), run()
	if *first != *second {
		t.Errorf("results differ:\n  first  = %+v\n  second = %+v", first, second)
	}
}

// TestEngine_ProcessAfterFinalize Finalize之后拒绝继续处理
func TestEngine_ProcessAfterFinalize(t *testing.T) {
	eng := newTestEngine(t)
	bars := makeBars([]float64{100, 101}, []float64{0.5, 0.5})
	if _, err := eng.Run(bars); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := eng.ProcessBar(bars[1]); err == nil {
		t.Error("ProcessBar after Finalize should fail")
	}
}

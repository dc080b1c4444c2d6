package backtest

// EquityCurve 净值曲线: 每处理完一根K线追加一个余额采样
// index 0 为处理任何K线之前的种子余额，N根K线的序列最终长度为N
type EquityCurve struct {
	samples []EquitySample
}

// NewEquityCurve 以种子余额初始化净值曲线
func NewEquityCurve(seedBalance float64) *EquityCurve {
	return &EquityCurve{
		samples: []EquitySample{{BarIndex: 0, Balance: seedBalance}},
	}
}

// Append 追加一根K线处理后的余额采样（无论当根是否有仓位变动）
func (e *EquityCurve) Append(barIndex int, balance float64) {
	e.samples = append(e.samples, EquitySample{BarIndex: barIndex, Balance: balance})
}

// Len 采样数量（含种子）
func (e *EquityCurve) Len() int { return len(e.samples) }

// Samples 采样序列副本
func (e *EquityCurve) Samples() []EquitySample {
	out := make([]EquitySample, len(e.samples))
	copy(out, e.samples)
	return out
}

// MaxDrawdownPct 最大回撤百分比
// 对每个前缀取运行最大余额（单调不减），逐点回撤 = (balance-runmax)/runmax，
// 返回 100 * min(回撤)，恒 <= 0；余额从未跌破峰值时为 0
// runmax <= 0 时该点不计入回撤
func (e *EquityCurve) MaxDrawdownPct() float64 {
	runMax := 0.0
	minDrawdown := 0.0
	for _, s := range e.samples {
		if s.Balance > runMax {
			runMax = s.Balance
		}
		if runMax <= 0 {
			continue
		}
		dd := (s.Balance - runMax) / runMax
		if dd < minDrawdown {
			minDrawdown = dd
		}
	}
	return minDrawdown * 100
}

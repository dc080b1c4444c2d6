package backtest

// 信号阈值。全部使用严格比较: 恰好等于 0.5/0.7/0.3 不触发任何动作
const (
	openBuyThreshold  = 0.7 // prob > 0.7 开多
	openSellThreshold = 0.3 // prob < 0.3 开空
	exitThreshold     = 0.5 // 多头 prob < 0.5 平仓; 空头 prob > 0.5 平仓
)

// openDecision 根据当前概率判定是否开新仓
// 两个开仓条件互斥 (0.7 > 0.3)，每根K线最多开1个新仓
func openDecision(prob float64) (Side, bool) {
	switch {
	case prob > openBuyThreshold:
		return SideBuy, true
	case prob < openSellThreshold:
		return SideSell, true
	default:
		return "", false
	}
}

// shouldClose 判定一个已开仓位本根K线是否平仓
// 只依赖方向和共享的当前概率，与其他仓位无关
func shouldClose(side Side, prob float64) bool {
	if side == SideBuy {
		return prob < exitThreshold
	}
	return prob > exitThreshold
}

// OpenSignal 开仓判定的导出版本，实盘交易用同一套阈值
func OpenSignal(prob float64) (Side, bool) { return openDecision(prob) }

// CloseSignal 平仓判定的导出版本
func CloseSignal(side Side, prob float64) bool { return shouldClose(side, prob) }

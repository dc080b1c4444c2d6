package backtest

import "time"

// Side 仓位方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal 单根K线的人类可读标签
// 优先级: 任意平仓 > 开仓 > HOLD（先开后平，后写者覆盖）
type Signal string

const (
	SignalHold Signal = "HOLD"
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalExit Signal = "EXIT"
)

// Bar 一根已对齐的K线: 收盘价 + 模型给出的上涨概率
// 由数据/模型协作方产出，引擎只读
type Bar struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`
	ProbUp    float64   `json:"prob_up"`
}

// Position 未平仓位。开仓后归 PositionBook 独占，平仓即销毁
// 允许同方向同价位堆叠，不要求额外身份标识
type Position struct {
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	OpenedAt   int     `json:"opened_at"` // 开仓时的bar index
}

// ClosedTrade 已实现盈亏的平仓记录
type ClosedTrade struct {
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
}

// EquitySample 每根已处理K线后的余额采样。index 0 为种子余额
type EquitySample struct {
	BarIndex int     `json:"bar_index"`
	Balance  float64 `json:"balance"`
}

// BarOutcome ProcessBar 的单步结果
type BarOutcome struct {
	Index   int
	Signal  Signal
	Balance float64
	Closed  []ClosedTrade
}

// Config 单次回测的运行配置
// MaxRisk 由外层工具接受但引擎本身不消费
type Config struct {
	InitialBalance float64
	Leverage       float64
	MaxRisk        float64
}

// DefaultConfig 默认配置: 1万初始资金, 1倍杠杆
func DefaultConfig() Config {
	return Config{
		InitialBalance: 10000,
		Leverage:       1,
	}
}

package backtest

// Account 记账器: 维护运行余额和交易计数
// 余额只在平仓时变动；totalTrades 只在开仓时递增，
// 因此 winning+losing <= total 恒成立（未平仓位不进胜负统计）
type Account struct {
	initialBalance float64
	balance        float64
	leverage       float64

	totalTrades   int
	winningTrades int
	losingTrades  int

	closedTrades []ClosedTrade
}

// NewAccount 创建记账器
func NewAccount(initialBalance, leverage float64) *Account {
	return &Account{
		initialBalance: initialBalance,
		balance:        initialBalance,
		leverage:       leverage,
		closedTrades:   make([]ClosedTrade, 0),
	}
}

// RecordOpen 开仓计数（开仓不影响余额）
func (a *Account) RecordOpen() {
	a.totalTrades++
}

// ApplyClose 对一个平仓仓位结算已实现盈亏并更新余额
// BUY: pnl = lev*(现价-开仓价); SELL: pnl = lev*(开仓价-现价)
// pnl > 0 记为盈利交易，否则（含 pnl == 0）记为亏损交易
func (a *Account) ApplyClose(pos Position, price float64) ClosedTrade {
	var pnl float64
	if pos.Side == SideBuy {
		pnl = a.leverage * (price - pos.EntryPrice)
	} else {
		pnl = a.leverage * (pos.EntryPrice - price)
	}

	a.balance += pnl
	if pnl > 0 {
		a.winningTrades++
	} else {
		a.losingTrades++
	}

	trade := ClosedTrade{
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		PnL:        pnl,
	}
	a.closedTrades = append(a.closedTrades, trade)
	return trade
}

// Balance 当前余额（内部保持全精度）
func (a *Account) Balance() float64 { return a.balance }

// InitialBalance 初始余额
func (a *Account) InitialBalance() float64 { return a.initialBalance }

// TotalTrades 已开仓交易总数
func (a *Account) TotalTrades() int { return a.totalTrades }

// WinningTrades 盈利平仓数
func (a *Account) WinningTrades() int { return a.winningTrades }

// LosingTrades 亏损平仓数
func (a *Account) LosingTrades() int { return a.losingTrades }

// ClosedTrades 已平仓记录副本
func (a *Account) ClosedTrades() []ClosedTrade {
	out := make([]ClosedTrade, len(a.closedTrades))
	copy(out, a.closedTrades)
	return out
}

package backtest

// PositionBook 持有当前全部未平仓位
// 无容量上限，允许无限堆叠同方向仓位；唯一修改者是顺序的bar循环，无需加锁
type PositionBook struct {
	positions []Position
}

// NewPositionBook 创建空仓位簿
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make([]Position, 0)}
}

// Open 追加一个新仓位（不去重、不设上限）
func (b *PositionBook) Open(side Side, entryPrice float64, barIndex int) Position {
	pos := Position{Side: side, EntryPrice: entryPrice, OpenedAt: barIndex}
	b.positions = append(b.positions, pos)
	return pos
}

// CloseEligible 在当前快照上单遍扫描，移除所有满足平仓条件的仓位并返回
// 快照语义: 先从只读视图算出待平集合再统一移除，
// 避免边遍历边删导致漏判（平掉一个仓位不影响同一根K线上其他仓位的判定）
func (b *PositionBook) CloseEligible(prob float64) []Position {
	if len(b.positions) == 0 {
		return nil
	}

	closed := make([]Position, 0)
	remaining := b.positions[:0]
	for _, pos := range b.positions {
		if shouldClose(pos.Side, prob) {
			closed = append(closed, pos)
		} else {
			remaining = append(remaining, pos)
		}
	}
	b.positions = remaining

	if len(closed) == 0 {
		return nil
	}
	return closed
}

// Len 当前未平仓位数量
func (b *PositionBook) Len() int {
	return len(b.positions)
}

// Snapshot 返回仓位副本（调用方只读）
func (b *PositionBook) Snapshot() []Position {
	out := make([]Position, len(b.positions))
	copy(out, b.positions)
	return out
}

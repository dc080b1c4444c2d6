package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// 结果块哨兵行。调用方（Node后端）靠定位这两行提取结构化结果，
// 其余诊断输出必须在哨兵之外
const (
	ResultStartMarker = "==== BACKTEST_RESULT_START ===="
	ResultEndMarker   = "==== BACKTEST_RESULT_END ===="
)

// Result 单次回测的汇总结果，回放结束时一次性产出，之后不可变
// json字段名是跨进程协议的一部分，不能改名
type Result struct {
	InitialBalance float64 `json:"initialBalance"`
	FinalBalance   float64 `json:"finalBalance"`
	NetProfit      float64 `json:"netProfit"`
	WinRate        float64 `json:"winRate"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	TotalTrades    int     `json:"totalTrades"`
	WinningTrades  int     `json:"winningTrades"`
	LosingTrades   int     `json:"losingTrades"`

	// 以下字段不进哨兵协议块
	PeriodStart   time.Time `json:"-"`
	PeriodEnd     time.Time `json:"-"`
	OpenPositions int       `json:"-"` // 回放结束时仍未平的仓位数
}

// WriteReport 把结果块写到文本流，payload 是哨兵之间的唯一内容
func (r *Result) WriteReport(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backtest result: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", ResultStartMarker, data, ResultEndMarker)
	return err
}

// round2 百分比/金额字段统一保留两位小数用于展示和序列化
// 内部记账全程保持全精度
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

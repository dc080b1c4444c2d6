package market

import "fmt"

// 特征窗口。MA50最长，前49根K线特征不完整，整行剔除
const (
	rsiPeriod      = 14
	maShortPeriod  = 20
	maLongPeriod   = 50
	featureWarmup  = maLongPeriod - 1
	minFeatureBars = maLongPeriod + 1 // 还需要一根前序K线算return
)

// FeatureRow 模型输入特征，对齐到具体某根K线
// 与训练管道保持同一特征集: return, vol_change, rsi14, ma20, ma50
type FeatureRow struct {
	Kline     Kline   `json:"kline"`
	Return    float64 `json:"return"`
	VolChange float64 `json:"vol_change"`
	RSI14     float64 `json:"rsi14"`
	MA20      float64 `json:"ma20"`
	MA50      float64 `json:"ma50"`
}

// BuildFeatures 从K线序列派生特征行
// 暖机期（前minFeatureBars-1根）的行因特征不完整被剔除，
// 返回的行与其K线保持对齐，保证进入引擎的序列无缺失值
func BuildFeatures(klines []Kline) ([]FeatureRow, error) {
	if len(klines) < minFeatureBars {
		return nil, fmt.Errorf("need at least %d klines to derive features, got %d", minFeatureBars, len(klines))
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}

	rows := make([]FeatureRow, 0, len(klines)-featureWarmup)
	for i := maLongPeriod; i < len(klines); i++ {
		prev := klines[i-1]
		curr := klines[i]

		rows = append(rows, FeatureRow{
			Kline:     curr,
			Return:    pctChange(prev.Close, curr.Close),
			VolChange: pctChange(prev.Volume, curr.Volume),
			RSI14:     calculateRSI(closes[:i+1], rsiPeriod),
			MA20:      calculateSMA(closes[:i+1], maShortPeriod),
			MA50:      calculateSMA(closes[:i+1], maLongPeriod),
		})
	}
	return rows, nil
}

// Vector 按训练时的固定顺序展开特征
func (r FeatureRow) Vector() []float64 {
	return []float64{r.Return, r.VolChange, r.RSI14, r.MA20, r.MA50}
}

package market

import (
	"math"
	"testing"
)

func TestCalculateSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}

	tests := []struct {
		name   string
		period int
		want   float64
	}{
		{"全窗口", 5, 3},
		{"最近3根", 3, 4},
		{"数据不足返回0", 6, 0},
		{"period为0返回0", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateSMA(closes, tt.period); got != tt.want {
				t.Errorf("calculateSMA(period=%d) = %v, want %v", tt.period, got, tt.want)
			}
		})
	}
}

func TestCalculateEMA(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 10}
	if got := calculateEMA(closes, 3); got != 10 {
		t.Errorf("constant series EMA = %v, want 10", got)
	}

	// 数据不足
	if got := calculateEMA([]float64{1, 2}, 5); got != 0 {
		t.Errorf("insufficient data EMA = %v, want 0", got)
	}

	// 上涨序列的EMA应落在首尾之间且偏向近端
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	ema := calculateEMA(rising, 4)
	if ema <= 4 || ema >= 8 {
		t.Errorf("rising series EMA = %v, want in (4, 8)", ema)
	}
}

func TestCalculateRSI(t *testing.T) {
	t.Run("单调上涨为100", func(t *testing.T) {
		closes := make([]float64, 20)
		for i := range closes {
			closes[i] = float64(i + 1)
		}
		if got := calculateRSI(closes, 14); got != 100 {
			t.Errorf("RSI = %v, want 100", got)
		}
	})

	t.Run("单调下跌接近0", func(t *testing.T) {
		closes := make([]float64, 20)
		for i := range closes {
			closes[i] = float64(100 - i)
		}
		got := calculateRSI(closes, 14)
		if got < 0 || got > 1 {
			t.Errorf("RSI = %v, want near 0", got)
		}
	})

	t.Run("涨跌交替落在中段", func(t *testing.T) {
		closes := make([]float64, 30)
		for i := range closes {
			if i%2 == 0 {
				closes[i] = 100
			} else {
				closes[i] = 101
			}
		}
		got := calculateRSI(closes, 14)
		if got < 20 || got > 80 {
			t.Errorf("RSI = %v, want mid-range", got)
		}
	})

	t.Run("数据不足返回0", func(t *testing.T) {
		if got := calculateRSI([]float64{1, 2, 3}, 14); got != 0 {
			t.Errorf("RSI = %v, want 0", got)
		}
	})
}

func TestPctChange(t *testing.T) {
	tests := []struct {
		prev, curr, want float64
	}{
		{100, 110, 0.1},
		{100, 90, -0.1},
		{0, 50, 0},  // 前值非正视为无变化
		{-5, 50, 0},
	}
	for _, tt := range tests {
		got := pctChange(tt.prev, tt.curr)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("pctChange(%v, %v) = %v, want %v", tt.prev, tt.curr, got, tt.want)
		}
	}
}

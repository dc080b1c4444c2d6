package market

import (
	"math"
	"testing"
	"time"
)

func syntheticKlines(n int) []Kline {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]Kline, n)
	for i := range klines {
		price := 100 + float64(i)
		klines[i] = Kline{
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000 + 10*float64(i),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return klines
}

func TestBuildFeatures_DropsWarmupRows(t *testing.T) {
	klines := syntheticKlines(60)
	rows, err := BuildFeatures(klines)
	if err != nil {
		t.Fatalf("BuildFeatures: %v", err)
	}

	// 前50根只做暖机，特征行从第51根开始
	if len(rows) != 10 {
		t.Fatalf("rows = %d, want 10", len(rows))
	}
	if !rows[0].Kline.OpenTime.Equal(klines[50].OpenTime) {
		t.Errorf("first row aligned to %v, want %v", rows[0].Kline.OpenTime, klines[50].OpenTime)
	}
	if !rows[len(rows)-1].Kline.OpenTime.Equal(klines[59].OpenTime) {
		t.Error("last row should align to the last kline")
	}
}

func TestBuildFeatures_Values(t *testing.T) {
	klines := syntheticKlines(60)
	rows, err := BuildFeatures(klines)
	if err != nil {
		t.Fatalf("BuildFeatures: %v", err)
	}
	row := rows[0] // 对齐klines[50], close=150

	wantReturn := (150.0 - 149.0) / 149.0
	if math.Abs(row.Return-wantReturn) > 1e-12 {
		t.Errorf("Return = %v, want %v", row.Return, wantReturn)
	}

	// MA20 = mean(131..150) = 140.5; MA50 = mean(101..150) = 125.5
	if math.Abs(row.MA20-140.5) > 1e-9 {
		t.Errorf("MA20 = %v, want 140.5", row.MA20)
	}
	if math.Abs(row.MA50-125.5) > 1e-9 {
		t.Errorf("MA50 = %v, want 125.5", row.MA50)
	}

	// 单调上涨的RSI为100
	if row.RSI14 != 100 {
		t.Errorf("RSI14 = %v, want 100", row.RSI14)
	}

	// 特征向量的固定顺序
	vec := row.Vector()
	want := []float64{row.Return, row.VolChange, row.RSI14, row.MA20, row.MA50}
	if len(vec) != len(want) {
		t.Fatalf("vector len = %d, want %d", len(vec), len(want))
	}
	for i := range vec {
		if vec[i] != want[i] {
			t.Errorf("vector[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestBuildFeatures_RejectsShortSeries(t *testing.T) {
	if _, err := BuildFeatures(syntheticKlines(50)); err == nil {
		t.Error("50 klines should be rejected, 51 is the minimum")
	}
	if _, err := BuildFeatures(syntheticKlines(51)); err != nil {
		t.Errorf("51 klines should work: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"btc", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{" eth ", "ETHUSDT"},
		{"solusdc", "SOLUSDC"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockKlineServer 模拟币安现货K线接口
func mockKlineServer(t *testing.T, rows [][]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
}

func klineRow(openTime int64, open, high, low, closeP, vol string) []interface{} {
	return []interface{}{
		openTime, open, high, low, closeP, vol,
		openTime + 3600_000, "0", 0, "0", "0", "0",
	}
}

func TestGetKlines_ParsesAndSorts(t *testing.T) {
	// 故意乱序返回
	server := mockKlineServer(t, [][]interface{}{
		klineRow(1700003600000, "101", "102", "100", "101.5", "20"),
		klineRow(1700000000000, "100", "101", "99", "100.5", "10"),
	})
	defer server.Close()

	client := NewClientWithBase(server.URL)
	klines, err := client.GetKlines(context.Background(), "btc", "1h", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	// 升序
	assert.True(t, klines[0].OpenTime.Before(klines[1].OpenTime))
	assert.Equal(t, 100.5, klines[0].Close)
	assert.Equal(t, 101.5, klines[1].Close)
	assert.Equal(t, 10.0, klines[0].Volume)
}

func TestGetKlines_SkipsCorruptRows(t *testing.T) {
	server := mockKlineServer(t, [][]interface{}{
		klineRow(1700000000000, "100", "101", "99", "100.5", "10"),
		klineRow(1700003600000, "not-a-number", "102", "100", "101.5", "20"),
		klineRow(1700007200000, "102", "103", "101", "0", "30"), // 非正收盘价
		klineRow(1700010800000, "103", "104", "102", "103.5", "40"),
	})
	defer server.Close()

	client := NewClientWithBase(server.URL)
	klines, err := client.GetKlines(context.Background(), "btc", "1h", 4)
	require.NoError(t, err)

	// 坏行剔除，好行保留
	require.Len(t, klines, 2)
	assert.Equal(t, 100.5, klines[0].Close)
	assert.Equal(t, 103.5, klines[1].Close)
}

func TestGetKlines_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClientWithBase(server.URL)
	_, err := client.GetKlines(context.Background(), "nope", "1h", 10)
	assert.Error(t, err)
}

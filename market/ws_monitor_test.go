package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStreamServer 模拟币安组合流，连上后推送给定的消息
func mockStreamServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// 挂住连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSMonitor_CachesLatestPrice(t *testing.T) {
	server := mockStreamServer(t, []string{
		`{"stream":"btcusdt@miniTicker","data":{"s":"BTCUSDT","c":"50000.5"}}`,
		`{"stream":"btcusdt@miniTicker","data":{"s":"BTCUSDT","c":"50001.25"}}`,
		`{"garbage`, // 坏帧跳过
		`{"stream":"btcusdt@miniTicker","data":{"s":"BTCUSDT","c":"-1"}}`, // 非法价格跳过
	})
	defer server.Close()

	m := NewWSMonitorWithBase(wsURL(server), []string{"btc"})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// 等价格到位
	deadline := time.After(2 * time.Second)
	for {
		if price, ok := m.LatestPrice("btc"); ok && price == 50001.25 {
			break
		}
		select {
		case <-deadline:
			price, ok := m.LatestPrice("btc")
			t.Fatalf("price not cached, got %v ok=%v", price, ok)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// 最后一帧是非法价格，不能覆盖缓存
	price, ok := m.LatestPrice("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 50001.25, price)

	_, ok = m.LastUpdate("btc")
	assert.True(t, ok)

	// 没订阅过的symbol
	_, ok = m.LatestPrice("dogeusdt")
	assert.False(t, ok)
}

func TestWSMonitor_RequiresSymbols(t *testing.T) {
	m := NewWSMonitorWithBase("ws://localhost:1", nil)
	assert.Error(t, m.Start(context.Background()))
}

func TestWSMonitor_StopUnblocks(t *testing.T) {
	server := mockStreamServer(t, nil)
	defer server.Close()

	m := NewWSMonitorWithBase(wsURL(server), []string{"eth"})
	require.NoError(t, m.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

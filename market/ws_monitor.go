package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultStreamBase 币安组合流入口
const DefaultStreamBase = "wss://stream.binance.com:9443/stream"

// 断线重连间隔
const reconnectDelay = 5 * time.Second

// WSMonitor 通过websocket订阅miniTicker流，缓存各symbol的最新成交价
// 实时模式下轮询周期之间价格也保持新鲜，避免每个周期都打REST接口
type WSMonitor struct {
	base    string
	symbols []string

	mu      sync.RWMutex
	prices  map[string]float64
	updated map[string]time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewWSMonitor 创建价格监控器
func NewWSMonitor(symbols []string) *WSMonitor {
	return NewWSMonitorWithBase(DefaultStreamBase, symbols)
}

// NewWSMonitorWithBase 指定流地址（测试时指向mock server）
func NewWSMonitorWithBase(base string, symbols []string) *WSMonitor {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm = append(norm, Normalize(s))
	}
	return &WSMonitor{
		base:    base,
		symbols: norm,
		prices:  make(map[string]float64),
		updated: make(map[string]time.Time),
		doneCh:  make(chan struct{}),
	}
}

type miniTickerFrame struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// Start 建立连接并启动读循环，断线后自动重连，直到 Stop 或 ctx 结束
func (m *WSMonitor) Start(ctx context.Context) error {
	if len(m.symbols) == 0 {
		return fmt.Errorf("ws monitor requires at least one symbol")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		defer close(m.doneCh)
		for {
			if err := m.readLoop(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("行情流断开，稍后重连")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return nil
}

func (m *WSMonitor) readLoop(ctx context.Context) error {
	streams := make([]string, 0, len(m.symbols))
	for _, s := range m.symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	url := m.base + "?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame miniTickerFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(frame.Data.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		m.mu.Lock()
		m.prices[frame.Data.Symbol] = price
		m.updated[frame.Data.Symbol] = time.Now()
		m.mu.Unlock()
	}
}

// LatestPrice 返回缓存的最新价。没收到过该symbol的行情时 ok=false
func (m *WSMonitor) LatestPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[Normalize(symbol)]
	return price, ok
}

// LastUpdate 某symbol最近一次行情时间，用于判断数据是否过期
func (m *WSMonitor) LastUpdate(symbol string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.updated[Normalize(symbol)]
	return ts, ok
}

// Stop 停止监控并等待读循环退出
func (m *WSMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.doneCh
}

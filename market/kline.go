package market

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
)

// Kline 一根K线
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Fetcher 历史K线来源。回测用REST实现，测试用内存桩
type Fetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// Client 币安行情客户端（公开行情接口，无需API Key）
type Client struct {
	api *binance.Client
}

// NewClient 创建行情客户端
func NewClient() *Client {
	return &Client{api: binance.NewClient("", "")}
}

// NewClientWithBase 指定BaseURL（测试时指向mock server）
func NewClientWithBase(baseURL string) *Client {
	api := binance.NewClient("", "")
	api.BaseURL = baseURL
	return &Client{api: api}
}

// GetKlines 获取历史K线，按开盘时间升序返回
// limit 超过单次请求上限时由币安侧截断，调用方自行分页
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	symbol = Normalize(symbol)
	raw, err := c.api.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s klines: %w", symbol, interval, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		parsed, err := parseKline(k)
		if err != nil {
			// 坏行直接丢弃，缺失特征的K线必须在进入引擎前剔除
			continue
		}
		klines = append(klines, parsed)
	}

	sort.Slice(klines, func(i, j int) bool {
		return klines[i].OpenTime.Before(klines[j].OpenTime)
	})
	return klines, nil
}

func parseKline(k *binance.Kline) (Kline, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Kline{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Kline{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Kline{}, err
	}
	closeP, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Kline{}, err
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Kline{}, err
	}
	if closeP <= 0 {
		return Kline{}, fmt.Errorf("non-positive close %v", closeP)
	}
	return Kline{
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
		CloseTime: time.UnixMilli(k.CloseTime),
	}, nil
}

// Normalize 标准化symbol: 大写并补齐USDT后缀
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return s
	}
	if !strings.HasSuffix(s, "USDT") && !strings.HasSuffix(s, "USDC") && !strings.HasSuffix(s, "BUSD") {
		s += "USDT"
	}
	return s
}

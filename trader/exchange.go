package trader

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/aliarzani/Zinc-bot/backtest"
)

// OrderResult 一次下单的成交回执
type OrderResult struct {
	OrderID  int64   `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
	Status   string  `json:"status"`
}

// Exchange 合约交易所接口。实盘用币安实现，测试用内存桩
type Exchange interface {
	// GetBalance 返回USDT可用余额
	GetBalance(ctx context.Context) (float64, error)
	// SetLeverage 设置symbol杠杆
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// PlaceMarketOrder 市价下单。reduceOnly=true 表示只减仓（平仓单）
	PlaceMarketOrder(ctx context.Context, symbol string, side backtest.Side, quantity float64, reduceOnly bool) (*OrderResult, error)
}

// BinanceFutures 币安U本位合约实现
type BinanceFutures struct {
	client *futures.Client
}

// NewBinanceFutures 用API密钥创建合约客户端
func NewBinanceFutures(apiKey, apiSecret string) *BinanceFutures {
	return &BinanceFutures{client: futures.NewClient(apiKey, apiSecret)}
}

// NewBinanceFuturesWithBase 指定BaseURL（测试时指向mock server）
func NewBinanceFuturesWithBase(apiKey, apiSecret, baseURL string) *BinanceFutures {
	client := futures.NewClient(apiKey, apiSecret)
	client.BaseURL = baseURL
	return &BinanceFutures{client: client}
}

// GetBalance 查询USDT资产余额
func (b *BinanceFutures) GetBalance(ctx context.Context) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch futures balance: %w", err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			v, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("parse balance %q: %w", bal.AvailableBalance, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("no USDT balance in futures account")
}

// SetLeverage 设置symbol杠杆
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("set leverage %dx for %s: %w", leverage, symbol, err)
	}
	return nil
}

// PlaceMarketOrder 市价下单
func (b *BinanceFutures) PlaceMarketOrder(ctx context.Context, symbol string, side backtest.Side, quantity float64, reduceOnly bool) (*OrderResult, error) {
	orderSide := futures.SideTypeBuy
	if side == backtest.SideSell {
		orderSide = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64))
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place %s market order for %s: %w", orderSide, symbol, err)
	}

	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(resp.OrigQuantity, 64)
	return &OrderResult{
		OrderID:  resp.OrderID,
		Symbol:   resp.Symbol,
		Side:     string(resp.Side),
		Quantity: qty,
		AvgPrice: avgPrice,
		Status:   string(resp.Status),
	}, nil
}

package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/backtest"
	"github.com/aliarzani/Zinc-bot/config"
	"github.com/aliarzani/Zinc-bot/logger"
	"github.com/aliarzani/Zinc-bot/market"
	"github.com/aliarzani/Zinc-bot/notify"
	"github.com/aliarzani/Zinc-bot/predictor"
)

const (
	defaultScanInterval = 60 * time.Second
	// 单轮出错后缩短等待尽快重试
	errorRetryInterval = 30 * time.Second

	defaultMaxRisk = 0.02
	// 特征需要50根暖机，多拉一些余量
	liveKlineLimit = 200
)

// AutoTraderConfig 实盘交易器配置
type AutoTraderConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`

	InitialBalance float64 `json:"initial_balance"`
	Leverage       float64 `json:"leverage"`
	MaxRisk        float64 `json:"max_risk"`

	ScanInterval time.Duration `json:"scan_interval"`
}

// livePosition 实盘仓位: 引擎仓位语义 + 下单数量
type livePosition struct {
	backtest.Position
	Quantity float64
}

// TraderStatus 用于API的交易器状态快照
type TraderStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol"`
	Running       bool      `json:"running"`
	Balance       float64   `json:"balance"`
	OpenPositions int       `json:"open_positions"`
	TotalTrades   int       `json:"total_trades"`
	LastProbUp    float64   `json:"last_prob_up"`
	LastSignal    string    `json:"last_signal"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// AutoTrader 实盘自动交易器
// 轮询最新K线 -> 派生特征 -> 拿概率 -> 按回测同一套阈值开平仓
// 未配置交易所API密钥时以纸面模式运行（只记账不下单）
type AutoTrader struct {
	cfg    AutoTraderConfig
	userID string
	db     *config.Database

	fetcher   market.Fetcher
	model     predictor.Model
	exchange  Exchange
	monitor   *market.WSMonitor
	notifier  *notify.Notifier
	signalLog logger.ISignalLogger

	account   *backtest.Account
	positions []livePosition
	cycle     int

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	lastProb    float64
	lastSignal  backtest.Signal
	lastCycleAt time.Time
	lastError   string
}

// NewAutoTrader 创建实盘交易器
// db 可为 nil（测试/纸面模式）；有 db 时尝试加载用户的币安密钥
func NewAutoTrader(cfg AutoTraderConfig, db *config.Database, userID string) (*AutoTrader, error) {
	if strings.TrimSpace(cfg.Symbol) == "" {
		cfg.Symbol = "BTCUSDT"
	}
	cfg.Symbol = market.Normalize(cfg.Symbol)
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = backtest.DefaultConfig().InitialBalance
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = backtest.DefaultConfig().Leverage
	}
	if cfg.MaxRisk <= 0 {
		cfg.MaxRisk = defaultMaxRisk
	}

	at := &AutoTrader{
		cfg:        cfg,
		userID:     userID,
		db:         db,
		fetcher:    market.NewClient(),
		model:      predictor.New(),
		signalLog:  logger.NewSignalLogger(""),
		account:    backtest.NewAccount(cfg.InitialBalance, cfg.Leverage),
		lastSignal: backtest.SignalHold,
	}

	if db != nil {
		apiKey, apiSecret, err := db.GetAPIKey(userID, "binance")
		switch {
		case err == nil:
			at.exchange = NewBinanceFutures(apiKey, apiSecret)
		case errors.Is(err, config.ErrNotFound):
			log.Info().Str("trader", cfg.ID).Msg("未配置币安密钥，纸面模式运行")
		default:
			return nil, fmt.Errorf("load api key: %w", err)
		}
	}
	return at, nil
}

// SetFetcher 覆盖行情来源（测试用）
func (at *AutoTrader) SetFetcher(f market.Fetcher) { at.fetcher = f }

// SetModel 覆盖概率模型（测试用）
func (at *AutoTrader) SetModel(m predictor.Model) { at.model = m }

// SetExchange 覆盖交易所实现（测试用）
func (at *AutoTrader) SetExchange(ex Exchange) { at.exchange = ex }

// SetNotifier 配置Telegram通知
func (at *AutoTrader) SetNotifier(n *notify.Notifier) { at.notifier = n }

// SetMonitor 配置websocket行情监控，轮询之间用缓存的最新价替代K线收盘价
func (at *AutoTrader) SetMonitor(m *market.WSMonitor) { at.monitor = m }

// SetSignalLogger 覆盖信号日志（测试用）
func (at *AutoTrader) SetSignalLogger(l logger.ISignalLogger) { at.signalLog = l }

// ID 交易器标识
func (at *AutoTrader) ID() string { return at.cfg.ID }

// Run 阻塞运行轮询循环，直到 Stop 或上下文取消
// 单轮的任何错误只记录不退出，下一轮重试
func (at *AutoTrader) Run() error {
	at.mu.Lock()
	if at.running {
		at.mu.Unlock()
		return errors.New("trader already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	at.running = true
	at.cancel = cancel
	at.mu.Unlock()

	defer func() {
		at.mu.Lock()
		at.running = false
		at.cancel = nil
		at.mu.Unlock()
		if at.db != nil {
			if err := at.db.SetBotRunning(at.userID, false); err != nil {
				log.Warn().Err(err).Msg("更新bot运行状态失败")
			}
		}
	}()

	if at.db != nil {
		if err := at.db.SetBotRunning(at.userID, true); err != nil {
			log.Warn().Err(err).Msg("更新bot运行状态失败")
		}
	}

	if at.monitor != nil {
		if err := at.monitor.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("行情监控启动失败，回退到K线收盘价")
		} else {
			defer at.monitor.Stop()
		}
	}

	log.Info().
		Str("trader", at.cfg.ID).
		Str("symbol", at.cfg.Symbol).
		Dur("interval", at.cfg.ScanInterval).
		Msg("实盘交易器启动")

	for {
		err := at.runCycle(ctx)

		wait := at.cfg.ScanInterval
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			at.recordError(err)
			log.Error().Err(err).Str("trader", at.cfg.ID).Msg("交易循环出错")
			if at.notifier.Enabled() {
				at.notifier.NotifyError(at.cfg.Symbol, err)
			}
			if errorRetryInterval < wait {
				wait = errorRetryInterval
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Stop 请求停止，幂等。Run 会在当前轮结束后退出
func (at *AutoTrader) Stop() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.cancel != nil {
		at.cancel()
	}
}

// IsRunning 是否正在运行
func (at *AutoTrader) IsRunning() bool {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return at.running
}

// Status 状态快照
func (at *AutoTrader) Status() TraderStatus {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return TraderStatus{
		ID:            at.cfg.ID,
		Name:          at.cfg.Name,
		Symbol:        at.cfg.Symbol,
		Running:       at.running,
		Balance:       at.account.Balance(),
		OpenPositions: len(at.positions),
		TotalTrades:   at.account.TotalTrades(),
		LastProbUp:    at.lastProb,
		LastSignal:    string(at.lastSignal),
		LastCycleAt:   at.lastCycleAt,
		LastError:     at.lastError,
	}
}

// runCycle 单轮: 最新行情 -> 概率 -> 开仓判定 -> 平仓判定 -> 记录
func (at *AutoTrader) runCycle(ctx context.Context) error {
	klines, err := at.fetcher.GetKlines(ctx, at.cfg.Symbol, at.cfg.Timeframe, liveKlineLimit)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	rows, err := market.BuildFeatures(klines)
	if err != nil {
		return fmt.Errorf("build features: %w", err)
	}

	latest := rows[len(rows)-1]
	prob, err := at.model.ProbUp(ctx, latest.Vector())
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	price := latest.Kline.Close
	// websocket缓存的实时价比已收盘K线更新鲜，新鲜时优先用它
	if at.monitor != nil {
		if live, ok := at.monitor.LatestPrice(at.cfg.Symbol); ok {
			if ts, ok := at.monitor.LastUpdate(at.cfg.Symbol); ok && time.Since(ts) < 2*at.cfg.ScanInterval {
				price = live
			}
		}
	}
	at.cycle++

	signal := backtest.SignalHold
	var closed []backtest.ClosedTrade

	at.mu.Lock()
	if side, ok := backtest.OpenSignal(prob); ok {
		if err := at.openPosition(ctx, side, price, prob); err != nil {
			at.mu.Unlock()
			return err
		}
		signal = backtest.Signal(side)
	}

	closed, err = at.closeEligible(ctx, prob, price)
	if err != nil {
		at.mu.Unlock()
		return err
	}
	if len(closed) > 0 {
		signal = backtest.SignalExit
	}

	at.lastProb = prob
	at.lastSignal = signal
	at.lastCycleAt = time.Now().UTC()
	at.lastError = ""
	balance := at.account.Balance()
	at.mu.Unlock()

	record := &logger.SignalRecord{
		Timestamp: latest.Kline.OpenTime,
		BarIndex:  at.cycle,
		Symbol:    at.cfg.Symbol,
		Price:     price,
		ProbUp:    prob,
		Signal:    string(signal),
		Balance:   balance,
	}
	for _, t := range closed {
		record.Closed = append(record.Closed, logger.ClosedTradeRecord{
			Side:       string(t.Side),
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			PnL:        t.PnL,
		})
	}
	if err := at.signalLog.LogSignal(record); err != nil {
		log.Warn().Err(err).Msg("信号日志写入失败")
	}
	return nil
}

// openPosition 开新仓。调用方持有 at.mu
func (at *AutoTrader) openPosition(ctx context.Context, side backtest.Side, price, prob float64) error {
	qty := at.orderQuantity(price)

	if at.exchange != nil {
		order, err := at.exchange.PlaceMarketOrder(ctx, at.cfg.Symbol, side, qty, false)
		if err != nil {
			return fmt.Errorf("open %s: %w", side, err)
		}
		if order.AvgPrice > 0 {
			price = order.AvgPrice
		}
	}

	at.account.RecordOpen()
	at.positions = append(at.positions, livePosition{
		Position: backtest.Position{Side: side, EntryPrice: price, OpenedAt: at.cycle},
		Quantity: qty,
	})

	log.Info().
		Str("trader", at.cfg.ID).
		Str("side", string(side)).
		Float64("price", price).
		Float64("qty", qty).
		Msg("开仓")
	if at.notifier.Enabled() {
		at.notifier.NotifySignal(at.cfg.Symbol, string(side), price, prob)
	}
	return nil
}

// closeEligible 快照扫描全部仓位，平掉满足条件的。调用方持有 at.mu
func (at *AutoTrader) closeEligible(ctx context.Context, prob, price float64) ([]backtest.ClosedTrade, error) {
	if len(at.positions) == 0 {
		return nil, nil
	}

	closed := make([]backtest.ClosedTrade, 0)
	remaining := at.positions[:0]
	for _, pos := range at.positions {
		if !backtest.CloseSignal(pos.Side, prob) {
			remaining = append(remaining, pos)
			continue
		}

		if at.exchange != nil {
			// 平仓用反向只减仓单
			exitSide := backtest.SideSell
			if pos.Side == backtest.SideSell {
				exitSide = backtest.SideBuy
			}
			if _, err := at.exchange.PlaceMarketOrder(ctx, at.cfg.Symbol, exitSide, pos.Quantity, true); err != nil {
				// 平仓失败的仓位保留，下一轮重试
				log.Error().Err(err).Str("trader", at.cfg.ID).Msg("平仓下单失败")
				remaining = append(remaining, pos)
				continue
			}
		}

		trade := at.account.ApplyClose(pos.Position, price)
		closed = append(closed, trade)
		log.Info().
			Str("trader", at.cfg.ID).
			Str("side", string(trade.Side)).
			Float64("pnl", trade.PnL).
			Msg("平仓")
		if at.notifier.Enabled() {
			at.notifier.NotifyTrade(at.cfg.Symbol, string(trade.Side), price, trade.PnL)
		}
	}
	at.positions = remaining

	if len(closed) == 0 {
		return nil, nil
	}
	return closed, nil
}

// orderQuantity 按余额和风险系数折算下单数量
func (at *AutoTrader) orderQuantity(price float64) float64 {
	notional := at.account.Balance() * at.cfg.MaxRisk * at.cfg.Leverage
	if notional <= 0 || price <= 0 {
		return 0
	}
	return notional / price
}

// recordError 记录最近一次错误（脱敏后）
func (at *AutoTrader) recordError(err error) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.lastError = logger.RedactSensitiveInfo(err.Error())
}

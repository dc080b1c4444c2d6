package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/config"
	"github.com/aliarzani/Zinc-bot/trader"
)

// TraderManager 持有全部实盘交易器实例，API层通过它增删查停
type TraderManager struct {
	mu      sync.RWMutex
	traders map[string]*trader.AutoTrader
}

// NewTraderManager 创建空管理器
func NewTraderManager() *TraderManager {
	return &TraderManager{traders: make(map[string]*trader.AutoTrader)}
}

// AddTrader 注册一个交易器。ID重复时报错
func (tm *TraderManager) AddTrader(at *trader.AutoTrader) error {
	if at == nil {
		return fmt.Errorf("nil trader")
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, exists := tm.traders[at.ID()]; exists {
		return fmt.Errorf("trader %s already registered", at.ID())
	}
	tm.traders[at.ID()] = at
	return nil
}

// GetTrader 按ID获取
func (tm *TraderManager) GetTrader(id string) (*trader.AutoTrader, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	at, exists := tm.traders[id]
	if !exists {
		return nil, fmt.Errorf("trader %s not found", id)
	}
	return at, nil
}

// RemoveTrader 从内存中移除。正在运行的先停掉，不存在则no-op
func (tm *TraderManager) RemoveTrader(id string) {
	tm.mu.Lock()
	at, exists := tm.traders[id]
	delete(tm.traders, id)
	tm.mu.Unlock()

	if !exists || at == nil {
		return
	}
	if at.IsRunning() {
		at.Stop()
		// Stop 是异步的，等循环退出
		for i := 0; i < 50 && at.IsRunning(); i++ {
			time.Sleep(10 * time.Millisecond)
		}
	}
	log.Info().Str("trader", id).Msg("交易器已移除")
}

// ListStatuses 全部交易器的状态快照
func (tm *TraderManager) ListStatuses() []trader.TraderStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]trader.TraderStatus, 0, len(tm.traders))
	for _, at := range tm.traders {
		if at == nil {
			continue
		}
		out = append(out, at.Status())
	}
	return out
}

// StopAll 停止全部交易器（进程退出前调用）
func (tm *TraderManager) StopAll() {
	tm.mu.RLock()
	traders := make([]*trader.AutoTrader, 0, len(tm.traders))
	for _, at := range tm.traders {
		if at != nil {
			traders = append(traders, at)
		}
	}
	tm.mu.RUnlock()

	for _, at := range traders {
		at.Stop()
	}
}

// RestoreFromSettings 按落库的bot配置重建交易器
// 服务重启后由API层调用，把上次标记为运行中的bot拉起来
func (tm *TraderManager) RestoreFromSettings(db *config.Database, userID string) (*trader.AutoTrader, error) {
	settings, err := db.GetBotSettings(userID)
	if err != nil {
		return nil, fmt.Errorf("load bot settings: %w", err)
	}

	cfg := trader.AutoTraderConfig{
		ID:             userID,
		Name:           settings.Symbol + " bot",
		Symbol:         settings.Symbol,
		Timeframe:      settings.Timeframe,
		InitialBalance: settings.InitialBalance,
		Leverage:       settings.Leverage,
		MaxRisk:        settings.MaxRisk,
		ScanInterval:   time.Duration(settings.ScanIntervalMinutes) * time.Minute,
	}
	at, err := trader.NewAutoTrader(cfg, db, userID)
	if err != nil {
		return nil, err
	}
	if err := tm.AddTrader(at); err != nil {
		return nil, err
	}

	if settings.IsRunning {
		go func() {
			if err := at.Run(); err != nil {
				log.Error().Err(err).Str("trader", at.ID()).Msg("恢复运行失败")
			}
		}()
	}
	return at, nil
}

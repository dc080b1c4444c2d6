package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/config"
	"github.com/aliarzani/Zinc-bot/logger"
	"github.com/aliarzani/Zinc-bot/trader"
)

type botStartRequest struct {
	Symbol              string  `json:"symbol" binding:"required"`
	Timeframe           string  `json:"timeframe"`
	InitialBalance      float64 `json:"initial_balance"`
	Leverage            float64 `json:"leverage"`
	MaxRisk             float64 `json:"max_risk"`
	ScanIntervalMinutes int     `json:"scan_interval_minutes"`
}

// handleBotStart 保存配置并启动当前用户的实盘bot
// 每个用户同一时间最多一个bot，重复启动先停掉旧的
func (s *Server) handleBotStart(c *gin.Context) {
	var req botStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := currentUserID(c)

	if req.ScanIntervalMinutes <= 0 {
		req.ScanIntervalMinutes = 1
	}
	settings := &config.BotSettings{
		UserID:              userID,
		Symbol:              req.Symbol,
		Timeframe:           req.Timeframe,
		InitialBalance:      req.InitialBalance,
		Leverage:            req.Leverage,
		MaxRisk:             req.MaxRisk,
		ScanIntervalMinutes: req.ScanIntervalMinutes,
		IsRunning:           true,
	}
	if err := s.db.SaveBotSettings(settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save settings failed"})
		return
	}

	// 已有同用户bot先移除（会停掉运行中的）
	s.manager.RemoveTrader(userID)

	cfg := trader.AutoTraderConfig{
		ID:             userID,
		Name:           req.Symbol + " bot",
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		InitialBalance: req.InitialBalance,
		Leverage:       req.Leverage,
		MaxRisk:        req.MaxRisk,
		ScanInterval:   time.Duration(req.ScanIntervalMinutes) * time.Minute,
	}
	at, err := trader.NewAutoTrader(cfg, s.db, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.AddTrader(at); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if err := at.Run(); err != nil {
			log.Error().Err(err).Str("trader", at.ID()).Msg("bot运行退出")
		}
	}()

	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// handleBotStop 停止当前用户的bot
func (s *Server) handleBotStop(c *gin.Context) {
	userID := currentUserID(c)
	s.manager.RemoveTrader(userID)
	if err := s.db.SetBotRunning(userID, false); err != nil && !errors.Is(err, config.ErrNotFound) {
		log.Warn().Err(err).Msg("更新bot运行状态失败")
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleBotStatus 查询bot状态。没有活动bot时回落到落库的配置
func (s *Server) handleBotStatus(c *gin.Context) {
	userID := currentUserID(c)

	if at, err := s.manager.GetTrader(userID); err == nil {
		c.JSON(http.StatusOK, at.Status())
		return
	}

	settings, err := s.db.GetBotSettings(userID)
	if errors.Is(err, config.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load settings failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":  false,
		"settings": settings,
	})
}

type updateAPIKeyRequest struct {
	Exchange  string `json:"exchange" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// handleUpdateAPIKey 保存交易所密钥（AES-GCM加密落盘），响应里只回脱敏后的key
func (s *Server) handleUpdateAPIKey(c *gin.Context) {
	var req updateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := currentUserID(c)

	if err := s.db.UpdateAPIKey(userID, req.Exchange, req.APIKey, req.APISecret); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save api key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exchange": req.Exchange,
		"api_key":  logger.RedactAPIKey(req.APIKey),
	})
}

// handleListExchanges 已配置密钥的交易所列表
func (s *Server) handleListExchanges(c *gin.Context) {
	exchanges, err := s.db.ListExchanges(currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load exchanges failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": exchanges})
}

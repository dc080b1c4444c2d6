package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/backtest"
	"github.com/aliarzani/Zinc-bot/config"
)

type startBacktestRequest struct {
	Symbol         string  `json:"symbol" binding:"required"`
	Timeframe      string  `json:"timeframe"`
	Limit          int     `json:"limit"`
	InitialBalance float64 `json:"initial_balance"`
	Leverage       float64 `json:"leverage"`
	MaxRisk        float64 `json:"max_risk"`
}

// handleStartBacktest 启动一次异步回测，立即返回run_id
func (s *Server) handleStartBacktest(c *gin.Context) {
	var req startBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := backtest.RunConfig{
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		Limit:          req.Limit,
		InitialBalance: req.InitialBalance,
		Leverage:       req.Leverage,
		MaxRisk:        req.MaxRisk,
		OutputDir:      s.outputDir,
	}
	runner, err := backtest.NewRunner(cfg, s.fetcher, s.model)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := currentUserID(c)
	s.runnersMu.Lock()
	s.runners[runner.Config().RunID] = runner
	s.runnersMu.Unlock()

	if err := runner.Start(context.Background()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 运行结束后把结果落库
	go s.persistWhenDone(runner, userID)

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runner.Config().RunID,
		"state":  runner.Status(),
	})
}

func (s *Server) persistWhenDone(runner *backtest.Runner, userID string) {
	_ = runner.Wait()
	result, ok := runner.Result()
	if !ok {
		return
	}

	settings, err := json.Marshal(runner.Config())
	if err != nil {
		log.Warn().Err(err).Str("run_id", runner.Config().RunID).Msg("回测配置序列化失败，结果未落库")
		return
	}
	rec := &config.BacktestResultRecord{
		UserID:         userID,
		InitialBalance: result.InitialBalance,
		FinalBalance:   result.FinalBalance,
		NetProfit:      result.NetProfit,
		WinRate:        result.WinRate,
		MaxDrawdown:    result.MaxDrawdown,
		TotalTrades:    result.TotalTrades,
		WinningTrades:  result.WinningTrades,
		LosingTrades:   result.LosingTrades,
		Settings:       string(settings),
	}
	if err := s.db.SaveBacktestResult(rec); err != nil {
		log.Warn().Err(err).Str("run_id", runner.Config().RunID).Msg("回测结果落库失败")
	}
}

func (s *Server) getRunner(c *gin.Context) (*backtest.Runner, bool) {
	id := c.Param("id")
	s.runnersMu.RLock()
	runner, exists := s.runners[id]
	s.runnersMu.RUnlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "backtest run not found",
			"code":  "RUN_NOT_FOUND",
		})
		return nil, false
	}
	return runner, true
}

// handleBacktestStatus 查询运行状态
func (s *Server) handleBacktestStatus(c *gin.Context) {
	runner, ok := s.getRunner(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, runner.StatusPayload())
}

// handleBacktestResult 获取最终结果
// 尚未完成时返回404而非202: 结果这个资源还不存在
func (s *Server) handleBacktestResult(c *gin.Context) {
	runner, ok := s.getRunner(c)
	if !ok {
		return
	}
	result, ready := runner.Result()
	if !ready {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "result not ready yet",
			"code":  "RESULT_NOT_READY",
			"state": runner.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStopBacktest 请求停止一次运行
func (s *Server) handleStopBacktest(c *gin.Context) {
	runner, ok := s.getRunner(c)
	if !ok {
		return
	}
	runner.Stop()
	c.JSON(http.StatusOK, gin.H{"state": runner.Status()})
}

// handleListResults 历史回测结果，按时间倒序
func (s *Server) handleListResults(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	results, err := s.db.ListBacktestResults(currentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load results failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

package api

import (
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/backtest"
	"github.com/aliarzani/Zinc-bot/config"
	"github.com/aliarzani/Zinc-bot/manager"
	"github.com/aliarzani/Zinc-bot/market"
	"github.com/aliarzani/Zinc-bot/predictor"
	"github.com/aliarzani/Zinc-bot/web"
)

// ServerConfig API服务配置
type ServerConfig struct {
	Port        int
	JWTSecret   string
	CORSOrigins []string
	// 回测产物目录，空则用 backtest_runs
	BacktestOutputDir string
}

// Server HTTP API服务
// 对外提供认证、回测运行管理、实盘bot管理和密钥管理
type Server struct {
	router      *gin.Engine
	db          *config.Database
	manager     *manager.TraderManager
	fetcher     market.Fetcher
	model       predictor.Model
	jwtSecret   string
	corsOrigins []string
	port        int
	outputDir   string

	runnersMu sync.RWMutex
	runners   map[string]*backtest.Runner
}

// NewServer 创建API服务
func NewServer(cfg ServerConfig, db *config.Database, tm *manager.TraderManager) *Server {
	if cfg.BacktestOutputDir == "" {
		cfg.BacktestOutputDir = "backtest_runs"
	}
	s := &Server{
		router:      gin.New(),
		db:          db,
		manager:     tm,
		fetcher:     market.NewClient(),
		model:       predictor.New(),
		jwtSecret:   cfg.JWTSecret,
		corsOrigins: cfg.CORSOrigins,
		port:        cfg.Port,
		outputDir:   cfg.BacktestOutputDir,
		runners:     make(map[string]*backtest.Runner),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(s.corsMiddleware())
	s.registerRoutes()
	s.serveFrontend()
	return s
}

// SetFetcher 覆盖行情来源（测试用）
func (s *Server) SetFetcher(f market.Fetcher) { s.fetcher = f }

// SetModel 覆盖概率模型（测试用）
func (s *Server) SetModel(m predictor.Model) { s.model = m }

// Run 阻塞启动HTTP服务
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Info().Str("addr", addr).Msg("API服务启动")
	return s.router.Run(addr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := s.router.Group("/api/auth")
	{
		auth.POST("/register", s.handleRegister)
		auth.POST("/login", s.handleLogin)
		auth.POST("/verify-otp", s.handleVerifyOTP)
		auth.POST("/forgot-password", s.handleForgotPassword)
		auth.PUT("/reset-password/:token", s.handleResetPassword)
	}

	api := s.router.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.POST("/backtest", s.handleStartBacktest)
		api.GET("/backtest/:id/status", s.handleBacktestStatus)
		api.GET("/backtest/:id/result", s.handleBacktestResult)
		api.POST("/backtest/:id/stop", s.handleStopBacktest)
		api.GET("/backtest/results", s.handleListResults)

		api.POST("/bot/start", s.handleBotStart)
		api.POST("/bot/stop", s.handleBotStop)
		api.GET("/bot/status", s.handleBotStatus)

		api.PUT("/apikeys", s.handleUpdateAPIKey)
		api.GET("/apikeys", s.handleListExchanges)

		api.GET("/tickets", s.handleListTickets)
		api.POST("/tickets", s.handleCreateTicket)
		api.GET("/tickets/:id", s.handleGetTicket)
		api.POST("/tickets/:id/responses", s.handleAddTicketResponse)
	}
}

// corsMiddleware 按白名单放行跨域请求，"*" 表示放行任意来源
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// serveFrontend 服务嵌入的前端静态文件
// 只暴露嵌入文件系统里的内容，工作目录下的文件绝不落入静态路由
func (s *Server) serveFrontend() {
	distFS, err := fs.Sub(web.DistFS, "dist")
	if err != nil {
		log.Warn().Err(err).Msg("前端资源不可用")
		return
	}

	s.router.StaticFS("/assets", mustSubFS(distFS, "assets"))
	s.router.StaticFS("/icons", mustSubFS(distFS, "icons"))
	s.router.StaticFS("/images", mustSubFS(distFS, "images"))

	// SPA fallback: 未匹配的GET路由一律回index.html
	s.router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		data, err := fs.ReadFile(distFS, "index.html")
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "frontend not built"})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", data)
	})
}

func mustSubFS(root fs.FS, dir string) http.FileSystem {
	sub, err := fs.Sub(root, dir)
	if err != nil {
		return http.FS(root)
	}
	return http.FS(sub)
}

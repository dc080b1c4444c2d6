package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/aliarzani/Zinc-bot/api"
	"github.com/aliarzani/Zinc-bot/backtest"
	"github.com/aliarzani/Zinc-bot/config"
	"github.com/aliarzani/Zinc-bot/logger"
	"github.com/aliarzani/Zinc-bot/manager"
	"github.com/aliarzani/Zinc-bot/market"
	"github.com/aliarzani/Zinc-bot/notify"
	"github.com/aliarzani/Zinc-bot/predictor"
	"github.com/aliarzani/Zinc-bot/trader"
)

// 默认JWT密钥，生产环境必须换掉
const defaultJWTSecret = "your-jwt-secret-key-change-in-production-make-it-long-and-random"

// ConfigFile config.json 的结构
type ConfigFile struct {
	APIServerPort     int      `json:"api_server_port"`
	CORSOrigins       []string `json:"cors_origins"`
	DefaultSymbol     string   `json:"default_symbol"`
	DefaultTimeframe  string   `json:"default_timeframe"`
	DatabasePath      string   `json:"database_path"`
	BacktestOutputDir string   `json:"backtest_output_dir"`
	LogLevel          string   `json:"log_level"`
	LogPretty         bool     `json:"log_pretty"`
	TelegramChatID    int64    `json:"telegram_chat_id"`
}

// loadConfigFile 读取工作目录下的 config.json
func loadConfigFile() (*ConfigFile, error) {
	data, err := os.ReadFile("config.json")
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var cfg ConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// validateJWTSecret 拒绝默认值和过短的JWT密钥
func validateJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT_SECRET is empty")
	}
	if secret == defaultJWTSecret {
		return errors.New("JWT_SECRET is the default value, generate a random one")
	}
	if len(secret) < 32 {
		return fmt.Errorf("JWT_SECRET too short: %d chars, need at least 32", len(secret))
	}
	return nil
}

func main() {
	mode := flag.String("mode", "backtest", "运行模式: backtest | live | serve")
	symbol := flag.String("symbol", "", "交易对, 如 BTCUSDT")
	timeframe := flag.String("timeframe", "1h", "K线周期")
	limit := flag.Int("limit", 1000, "拉取的K线数量")
	balance := flag.Float64("balance", 10000, "初始资金")
	leverage := flag.Float64("leverage", 1, "杠杆倍数")
	maxRisk := flag.Float64("max-risk", 0.02, "单笔风险系数")
	userID := flag.String("user-id", "", "live模式的用户ID")
	port := flag.Int("port", 8080, "serve模式的监听端口")
	flag.Parse()

	// .env 不存在不是错误
	_ = godotenv.Load()

	fileCfg, err := loadConfigFile()
	if err != nil {
		fileCfg = &ConfigFile{}
	}
	if fileCfg.LogLevel == "" {
		fileCfg.LogLevel = "info"
	}
	logger.Init(fileCfg.LogLevel, fileCfg.LogPretty)

	if *symbol == "" {
		*symbol = fileCfg.DefaultSymbol
	}
	if fileCfg.DefaultTimeframe != "" && !flagPassed("timeframe") {
		*timeframe = fileCfg.DefaultTimeframe
	}

	switch *mode {
	case "backtest":
		os.Exit(runBacktest(*symbol, *timeframe, *limit, *balance, *leverage, *maxRisk, fileCfg))
	case "live":
		os.Exit(runLive(*symbol, *timeframe, *balance, *leverage, *maxRisk, *userID, fileCfg))
	case "serve":
		os.Exit(runServe(*port, fileCfg))
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

// runBacktest 同步跑完一次回测
// 诊断信息走日志(stderr)，哨兵结果块是stdout上唯一的结构化输出
func runBacktest(symbol, timeframe string, limit int, balance, leverage, maxRisk float64, fileCfg *ConfigFile) int {
	if symbol == "" {
		log.Error().Msg("symbol required, pass -symbol")
		return 2
	}

	runner, err := backtest.NewRunner(backtest.RunConfig{
		Symbol:         symbol,
		Timeframe:      timeframe,
		Limit:          limit,
		InitialBalance: balance,
		Leverage:       leverage,
		MaxRisk:        maxRisk,
		OutputDir:      fileCfg.BacktestOutputDir,
	}, market.NewClient(), predictor.New())
	if err != nil {
		log.Error().Err(err).Msg("创建回测失败")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		log.Error().Err(err).Msg("启动回测失败")
		return 1
	}
	if err := runner.Wait(); err != nil {
		log.Error().Err(err).Msg("回测失败")
		return 1
	}

	result, ok := runner.Result()
	if !ok {
		log.Error().Msg("回测未产出结果")
		return 1
	}
	if err := result.WriteReport(os.Stdout); err != nil {
		log.Error().Err(err).Msg("结果输出失败")
		return 1
	}
	return 0
}

// runLive 启动单个实盘交易器，直到收到退出信号
func runLive(symbol, timeframe string, balance, leverage, maxRisk float64, userID string, fileCfg *ConfigFile) int {
	if symbol == "" {
		log.Error().Msg("symbol required, pass -symbol")
		return 2
	}
	if userID == "" {
		userID = "local"
	}

	var db *config.Database
	if fileCfg.DatabasePath != "" {
		var err error
		db, err = openDatabase(fileCfg.DatabasePath)
		if err != nil {
			log.Error().Err(err).Msg("打开配置库失败")
			return 1
		}
		defer db.Close()
	}

	at, err := trader.NewAutoTrader(trader.AutoTraderConfig{
		ID:             userID,
		Name:           symbol + " bot",
		Symbol:         symbol,
		Timeframe:      timeframe,
		InitialBalance: balance,
		Leverage:       leverage,
		MaxRisk:        maxRisk,
	}, db, userID)
	if err != nil {
		log.Error().Err(err).Msg("创建交易器失败")
		return 1
	}

	at.SetMonitor(market.NewWSMonitor([]string{symbol}))

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		notifier, err := notify.NewNotifier(token, fileCfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram通知初始化失败")
		} else {
			at.SetNotifier(notifier)
		}
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("收到退出信号，停止交易器")
		at.Stop()
	}()

	if err := at.Run(); err != nil {
		log.Error().Err(err).Msg("交易器退出")
		return 1
	}
	return 0
}

// runServe 启动API服务
func runServe(port int, fileCfg *ConfigFile) int {
	jwtSecret := os.Getenv("JWT_SECRET")
	if err := validateJWTSecret(jwtSecret); err != nil {
		log.Error().Err(err).Msg("JWT密钥不合格")
		return 1
	}

	dbPath := fileCfg.DatabasePath
	if dbPath == "" {
		dbPath = "config.db"
	}
	db, err := openDatabase(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("打开配置库失败")
		return 1
	}
	defer db.Close()

	if fileCfg.APIServerPort > 0 {
		port = fileCfg.APIServerPort
	}
	corsOrigins := fileCfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	tm := manager.NewTraderManager()
	defer tm.StopAll()

	server := api.NewServer(api.ServerConfig{
		Port:              port,
		JWTSecret:         jwtSecret,
		CORSOrigins:       corsOrigins,
		BacktestOutputDir: fileCfg.BacktestOutputDir,
	}, db, tm)

	if err := server.Run(); err != nil {
		log.Error().Err(err).Msg("API服务退出")
		return 1
	}
	return 0
}

func openDatabase(path string) (*config.Database, error) {
	key := os.Getenv("DB_ENCRYPTION_KEY")
	if len(key) != 32 {
		return nil, fmt.Errorf("DB_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(key))
	}
	return config.Open(path, []byte(key))
}

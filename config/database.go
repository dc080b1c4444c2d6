package config

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound 查无记录
var ErrNotFound = errors.New("record not found")

// Database sqlite配置库: 用户、交易所密钥、机器人设置、回测结果
type Database struct {
	db            *sql.DB
	encryptionKey []byte
}

// User 用户记录
type User struct {
	ID           string
	Email        string
	PasswordHash string
	OTPSecret    string
	OTPVerified  bool
	CreatedAt    time.Time
}

// BotSettings 每个用户的机器人运行参数
type BotSettings struct {
	UserID              string  `json:"user_id"`
	Symbol              string  `json:"symbol"`
	Timeframe           string  `json:"timeframe"`
	InitialBalance      float64 `json:"initial_balance"`
	Leverage            float64 `json:"leverage"`
	MaxRisk             float64 `json:"max_risk"`
	ScanIntervalMinutes int     `json:"scan_interval_minutes"`
	IsRunning           bool    `json:"is_running"`
}

// BacktestResultRecord 落库的回测结果行
// 数值字段与跨进程协议字段一一对应
type BacktestResultRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	InitialBalance float64   `json:"initialBalance"`
	FinalBalance   float64   `json:"finalBalance"`
	NetProfit      float64   `json:"netProfit"`
	WinRate        float64   `json:"winRate"`
	MaxDrawdown    float64   `json:"maxDrawdown"`
	TotalTrades    int       `json:"totalTrades"`
	WinningTrades  int       `json:"winningTrades"`
	LosingTrades   int       `json:"losingTrades"`
	Settings       string    `json:"settings"` // 运行配置JSON快照
	CreatedAt      time.Time `json:"created_at"`
}

// Open 打开（必要时创建）配置库并执行迁移
// encryptionKey 用于交易所密钥的AES-GCM落盘加密，长度必须为32字节
func Open(path string, encryptionKey []byte) (*Database, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(encryptionKey))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db, encryptionKey: encryptionKey}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close 关闭底层连接
func (d *Database) Close() error { return d.db.Close() }

func (d *Database) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			otp_secret TEXT NOT NULL DEFAULT '',
			otp_verified INTEGER NOT NULL DEFAULT 0,
			reset_token_hash TEXT NOT NULL DEFAULT '',
			reset_token_expires INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			api_key_enc TEXT NOT NULL,
			api_secret_enc TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, exchange),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS bot_settings (
			user_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT 'BTCUSDT',
			timeframe TEXT NOT NULL DEFAULT '1m',
			initial_balance REAL NOT NULL DEFAULT 10000,
			leverage REAL NOT NULL DEFAULT 1,
			max_risk REAL NOT NULL DEFAULT 2,
			scan_interval_minutes INTEGER NOT NULL DEFAULT 1,
			is_running INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS backtest_results (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			initial_balance REAL NOT NULL,
			final_balance REAL NOT NULL,
			net_profit REAL NOT NULL,
			win_rate REAL NOT NULL,
			max_drawdown REAL NOT NULL,
			total_trades INTEGER NOT NULL,
			winning_trades INTEGER NOT NULL,
			losing_trades INTEGER NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_results_user ON backtest_results(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'medium',
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS ticket_responses (
			id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			message TEXT NOT NULL,
			sender TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateUser 创建用户
func (d *Database) CreateUser(user *User) error {
	_, err := d.db.Exec(
		`INSERT INTO users (id, email, password_hash, otp_secret, otp_verified) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.OTPSecret, user.OTPVerified,
	)
	return err
}

// GetUserByEmail 按邮箱查用户
func (d *Database) GetUserByEmail(email string) (*User, error) {
	return d.scanUser(d.db.QueryRow(
		`SELECT id, email, password_hash, otp_secret, otp_verified, created_at FROM users WHERE email = ?`, email))
}

// GetUserByID 按ID查用户
func (d *Database) GetUserByID(id string) (*User, error) {
	return d.scanUser(d.db.QueryRow(
		`SELECT id, email, password_hash, otp_secret, otp_verified, created_at FROM users WHERE id = ?`, id))
}

func (d *Database) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.OTPSecret, &u.OTPVerified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetOTPVerified 标记用户完成TOTP绑定
func (d *Database) SetOTPVerified(userID string, verified bool) error {
	_, err := d.db.Exec(`UPDATE users SET otp_verified = ? WHERE id = ?`, verified, userID)
	return err
}

// SetPasswordResetToken 写入密码重置令牌（只落哈希）和过期时刻
func (d *Database) SetPasswordResetToken(userID, tokenHash string, expiresAt time.Time) error {
	res, err := d.db.Exec(
		`UPDATE users SET reset_token_hash = ?, reset_token_expires = ? WHERE id = ?`,
		tokenHash, expiresAt.Unix(), userID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserByResetToken 按未过期的重置令牌哈希查用户。过期令牌等同不存在
func (d *Database) GetUserByResetToken(tokenHash string) (*User, error) {
	if tokenHash == "" {
		return nil, ErrNotFound
	}
	return d.scanUser(d.db.QueryRow(
		`SELECT id, email, password_hash, otp_secret, otp_verified, created_at
		 FROM users WHERE reset_token_hash = ? AND reset_token_expires > ?`,
		tokenHash, time.Now().Unix()))
}

// UpdatePassword 更新密码哈希并作废当前重置令牌
func (d *Database) UpdatePassword(userID, passwordHash string) error {
	_, err := d.db.Exec(
		`UPDATE users SET password_hash = ?, reset_token_hash = '', reset_token_expires = 0 WHERE id = ?`,
		passwordHash, userID,
	)
	return err
}

// UpdateAPIKey 写入（或覆盖）某交易所的API密钥，密钥加密落盘
func (d *Database) UpdateAPIKey(userID, exchange, apiKey, apiSecret string) error {
	keyEnc, err := encrypt(d.encryptionKey, apiKey)
	if err != nil {
		return err
	}
	secretEnc, err := encrypt(d.encryptionKey, apiSecret)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO api_keys (user_id, exchange, api_key_enc, api_secret_enc, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, exchange) DO UPDATE SET
			api_key_enc = excluded.api_key_enc,
			api_secret_enc = excluded.api_secret_enc,
			updated_at = CURRENT_TIMESTAMP`,
		userID, exchange, keyEnc, secretEnc,
	)
	return err
}

// GetAPIKey 读取并解密某交易所的API密钥
func (d *Database) GetAPIKey(userID, exchange string) (apiKey, apiSecret string, err error) {
	var keyEnc, secretEnc string
	err = d.db.QueryRow(
		`SELECT api_key_enc, api_secret_enc FROM api_keys WHERE user_id = ? AND exchange = ?`,
		userID, exchange,
	).Scan(&keyEnc, &secretEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	if apiKey, err = decrypt(d.encryptionKey, keyEnc); err != nil {
		return "", "", err
	}
	if apiSecret, err = decrypt(d.encryptionKey, secretEnc); err != nil {
		return "", "", err
	}
	return apiKey, apiSecret, nil
}

// ListExchanges 用户已配置密钥的交易所列表（不返回密钥本身）
func (d *Database) ListExchanges(userID string) ([]string, error) {
	rows, err := d.db.Query(`SELECT exchange FROM api_keys WHERE user_id = ? ORDER BY exchange`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ex string
		if err := rows.Scan(&ex); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SaveBotSettings 保存用户的机器人设置
func (d *Database) SaveBotSettings(s *BotSettings) error {
	_, err := d.db.Exec(
		`INSERT INTO bot_settings (user_id, symbol, timeframe, initial_balance, leverage, max_risk, scan_interval_minutes, is_running)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			initial_balance = excluded.initial_balance,
			leverage = excluded.leverage,
			max_risk = excluded.max_risk,
			scan_interval_minutes = excluded.scan_interval_minutes,
			is_running = excluded.is_running`,
		s.UserID, s.Symbol, s.Timeframe, s.InitialBalance, s.Leverage, s.MaxRisk, s.ScanIntervalMinutes, s.IsRunning,
	)
	return err
}

// GetBotSettings 读取用户的机器人设置
func (d *Database) GetBotSettings(userID string) (*BotSettings, error) {
	var s BotSettings
	err := d.db.QueryRow(
		`SELECT user_id, symbol, timeframe, initial_balance, leverage, max_risk, scan_interval_minutes, is_running
		 FROM bot_settings WHERE user_id = ?`, userID,
	).Scan(&s.UserID, &s.Symbol, &s.Timeframe, &s.InitialBalance, &s.Leverage, &s.MaxRisk, &s.ScanIntervalMinutes, &s.IsRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetBotRunning 更新机器人运行标记
func (d *Database) SetBotRunning(userID string, running bool) error {
	_, err := d.db.Exec(`UPDATE bot_settings SET is_running = ? WHERE user_id = ?`, running, userID)
	return err
}

// SaveBacktestResult 持久化一条回测结果
func (d *Database) SaveBacktestResult(rec *BacktestResultRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Settings == "" {
		rec.Settings = "{}"
	}
	// settings 必须是合法JSON，坏快照直接拒绝
	if !json.Valid([]byte(rec.Settings)) {
		return fmt.Errorf("settings is not valid JSON")
	}
	_, err := d.db.Exec(
		`INSERT INTO backtest_results
			(id, user_id, initial_balance, final_balance, net_profit, win_rate, max_drawdown,
			 total_trades, winning_trades, losing_trades, settings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.InitialBalance, rec.FinalBalance, rec.NetProfit, rec.WinRate,
		rec.MaxDrawdown, rec.TotalTrades, rec.WinningTrades, rec.LosingTrades, rec.Settings,
	)
	return err
}

// ListBacktestResults 按创建时间倒序返回用户的回测结果
func (d *Database) ListBacktestResults(userID string, limit int) ([]*BacktestResultRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := d.db.Query(
		`SELECT id, user_id, initial_balance, final_balance, net_profit, win_rate, max_drawdown,
			total_trades, winning_trades, losing_trades, settings, created_at
		 FROM backtest_results WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*BacktestResultRecord, 0)
	for rows.Next() {
		var rec BacktestResultRecord
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.InitialBalance, &rec.FinalBalance, &rec.NetProfit,
			&rec.WinRate, &rec.MaxDrawdown, &rec.TotalTrades, &rec.WinningTrades,
			&rec.LosingTrades, &rec.Settings, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

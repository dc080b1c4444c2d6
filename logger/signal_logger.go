package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SignalRecord 一根K线的信号记录
type SignalRecord struct {
	Timestamp    time.Time           `json:"timestamp"`
	BarIndex     int                 `json:"bar_index"`
	Symbol       string              `json:"symbol"`
	Price        float64             `json:"price"`
	ProbUp       float64             `json:"prob_up"`
	Signal       string              `json:"signal"` // HOLD/BUY/SELL/EXIT
	Balance      float64             `json:"balance"`
	Closed       []ClosedTradeRecord `json:"closed,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// ClosedTradeRecord 平仓明细（信号日志用，与引擎解耦）
type ClosedTradeRecord struct {
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
}

// ISignalLogger 信号日志记录器接口
type ISignalLogger interface {
	// LogSignal 追加一条信号记录
	LogSignal(record *SignalRecord) error
	// GetLatestRecords 获取最近N条记录（按时间正序）
	GetLatestRecords(n int) ([]*SignalRecord, error)
	// CleanOldRecords 清理N天前的旧日志文件
	CleanOldRecords(days int) error
}

// SignalLogger 按天滚动的JSONL信号日志
type SignalLogger struct {
	logDir string
	mu     sync.Mutex
}

// NewSignalLogger 创建信号日志记录器
func NewSignalLogger(logDir string) ISignalLogger {
	if logDir == "" {
		logDir = "signal_logs"
	}
	return &SignalLogger{logDir: logDir}
}

func (l *SignalLogger) fileForDate(date time.Time) string {
	return filepath.Join(l.logDir, fmt.Sprintf("signals_%s.jsonl", date.UTC().Format("2006-01-02")))
}

// LogSignal 追加一条记录。错误信息先脱敏再落盘
func (l *SignalLogger) LogSignal(record *SignalRecord) error {
	if record == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return err
	}

	record.ErrorMessage = RedactSensitiveInfo(record.ErrorMessage)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal signal record: %w", err)
	}

	f, err := os.OpenFile(l.fileForDate(record.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// GetLatestRecords 从最新的日志文件向前读，返回最近n条（时间正序）
func (l *SignalLogger) GetLatestRecords(n int) ([]*SignalRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}

	records := make([]*SignalRecord, 0, n)
	// 文件名按日期排序，从最新的开始读
	for i := len(files) - 1; i >= 0 && len(records) < n; i-- {
		dayRecords, err := readRecordFile(files[i])
		if err != nil {
			return nil, err
		}
		// 当天内部倒序补齐
		for j := len(dayRecords) - 1; j >= 0 && len(records) < n; j-- {
			records = append(records, dayRecords[j])
		}
	}

	// 反转成正序
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// CleanOldRecords 删除N天前的日志文件
func (l *SignalLogger) CleanOldRecords(days int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	files, err := l.logFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		base := filepath.Base(f)
		dateStr := strings.TrimSuffix(strings.TrimPrefix(base, "signals_"), ".jsonl")
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			if err := os.Remove(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *SignalLogger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.logDir, "signals_*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func readRecordFile(path string) ([]*SignalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records := make([]*SignalRecord, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec SignalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// 坏行跳过，不让单条损坏记录毁掉整个读取
			continue
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}

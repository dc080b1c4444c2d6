package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// 运行产物目录布局:
//   <output>/<run_id>/result.json   最终结果 + 配置快照
//   <output>/<run_id>/equity.jsonl  逐根净值采样
//   <output>/<run_id>/signals/      按天滚动的信号日志

func runDir(outputDir, runID string) string {
	return filepath.Join(outputDir, runID)
}

// runArtifact result.json 的落盘结构
type runArtifact struct {
	RunID      string    `json:"run_id"`
	Config     RunConfig `json:"config"`
	Result     *Result   `json:"result"`
	FinishedAt time.Time `json:"finished_at"`
}

func saveResultFile(dir string, cfg RunConfig, result *Result) error {
	artifact := runArtifact{
		RunID:      cfg.RunID,
		Config:     cfg,
		Result:     result,
		FinishedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run artifact: %w", err)
	}
	// 先写临时文件再rename，避免读到半个结果
	tmp := filepath.Join(dir, "result.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "result.json"))
}

// LoadResultFile 读取已完成运行的结果文件
func LoadResultFile(outputDir, runID string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(runDir(outputDir, runID), "result.json"))
	if err != nil {
		return nil, err
	}
	var artifact runArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("decode run artifact: %w", err)
	}
	if artifact.Result == nil {
		return nil, fmt.Errorf("run %s has no result", runID)
	}
	return artifact.Result, nil
}

func appendEquityPoint(dir string, sample EquitySample) {
	data, err := json.Marshal(sample)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "equity.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Msg("净值曲线写入失败")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("净值曲线写入失败")
	}
}

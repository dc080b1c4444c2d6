package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	// DefaultTimeout 单次推理请求超时
	DefaultTimeout = 30 * time.Second

	maxRetries = 3
)

// Client 推理服务HTTP客户端
// 模型托管在独立的推理服务里（训练产物 trained_rf_model），
// 这里只负责把特征矩阵POST过去拿概率
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	httpClient *http.Client
}

// New 从环境变量构建客户端
// PREDICTOR_URL 必填，PREDICTOR_API_KEY 可选
func New() *Client {
	c := &Client{
		BaseURL: strings.TrimRight(os.Getenv("PREDICTOR_URL"), "/"),
		APIKey:  os.Getenv("PREDICTOR_API_KEY"),
		Timeout: DefaultTimeout,
	}
	c.httpClient = &http.Client{Timeout: c.Timeout}
	return c
}

// SetEndpoint 覆盖推理服务地址和密钥
func (c *Client) SetEndpoint(baseURL, apiKey string) {
	c.BaseURL = strings.TrimRight(baseURL, "/")
	c.APIKey = apiKey
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.Timeout}
	}
}

type predictRequest struct {
	Features [][]float64 `json:"features"`
}

type predictResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error,omitempty"`
}

// ProbUp 单行推理
func (c *Client) ProbUp(ctx context.Context, features []float64) (float64, error) {
	probs, err := c.ProbUpBatch(ctx, [][]float64{features})
	if err != nil {
		return 0, err
	}
	return probs[0], nil
}

// ProbUpBatch 批量推理，带有界重试（只重试网络类错误）
func (c *Client) ProbUpBatch(ctx context.Context, rows [][]float64) ([]float64, error) {
	if c.BaseURL == "" {
		return nil, errors.New("predictor endpoint not configured, set PREDICTOR_URL")
	}
	if len(rows) == 0 {
		return nil, errors.New("empty feature matrix")
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		probs, err := c.callOnce(ctx, rows)
		if err == nil {
			return probs, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		// 重试前等待，线性退避
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("predictor unavailable after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) callOnce(ctx context.Context, rows [][]float64) ([]float64, error) {
	body, err := json.Marshal(predictRequest{Features: rows})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err}
	}
	if resp.StatusCode >= 500 {
		return nil, &transientError{fmt.Errorf("predictor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predictor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed predictResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode predictor response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("predictor error: %s", parsed.Error)
	}
	if len(parsed.Probabilities) != len(rows) {
		return nil, fmt.Errorf("predictor returned %d probabilities for %d rows", len(parsed.Probabilities), len(rows))
	}
	for i, p := range parsed.Probabilities {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return nil, fmt.Errorf("predictor returned invalid probability %v at row %d", p, i)
		}
	}
	return parsed.Probabilities, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

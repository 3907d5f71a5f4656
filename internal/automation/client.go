// Package automation はローカル自動化サービスへのHTTPクライアントを提供する。
// ゲートウェイからの実行依頼を POST /execute で送信し、結果をタグ付きのResultで返す。
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout は1回の実行依頼の上限時間。
	DefaultTimeout = 10 * time.Second
	// maxResponseBytes はレスポンスボディの読み取り上限（1MiB）。
	maxResponseBytes = 1 << 20
	userAgent        = "devgate/1.0"
)

// Kind は自動化サービス呼び出しの結果分類。
type Kind int

const (
	// KindOK は2xxレスポンスを受信した。
	KindOK Kind = iota
	// KindTimedOut はタイムアウトで呼び出しを打ち切った。
	KindTimedOut
	// KindTransportError は接続拒否などでレスポンスを受信できなかった。
	KindTransportError
	// KindBadStatus は2xx以外のステータスを受信した。
	KindBadStatus
)

// String はメトリクスラベルとログに使う名前を返す。
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimedOut:
		return "timed_out"
	case KindTransportError:
		return "transport_error"
	case KindBadStatus:
		return "bad_status"
	default:
		return "unknown"
	}
}

// Result は1回の呼び出し結果。Kindに応じて有効なフィールドが異なる。
type Result struct {
	Kind       Kind
	StatusCode int           // KindOK / KindBadStatus
	Body       []byte        // KindOK / KindBadStatus
	Err        error         // KindTimedOut / KindTransportError
	Duration   time.Duration // 呼び出しにかかった時間
}

// Response は自動化サービスの /execute レスポンス形式。
// Successが省略された場合は成功とみなす。
type Response struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Succeeded は自動化サービスが処理を受け付けたかを返す。
func (r *Response) Succeeded() bool {
	return r.Success == nil || *r.Success
}

// DecodeResponse は2xxレスポンスのボディをResponseに変換する。
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode automation response: %w", err)
	}
	return &resp, nil
}

// ClassifyStatus はHTTPステータスコードを結果分類に変換する。
func ClassifyStatus(statusCode int) Kind {
	if statusCode >= 200 && statusCode < 300 {
		return KindOK
	}
	return KindBadStatus
}

type executeRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Client は自動化サービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	timeout    time.Duration
}

// NewClient はClientを生成する。timeoutが0以下の場合はDefaultTimeoutを使用する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		timeout:    timeout,
	}
}

// Execute はアクションの実行を依頼する。
// 呼び出しはtimeoutで打ち切られ、リトライは行わない。
func (c *Client) Execute(ctx context.Context, action string, params map[string]any) Result {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(executeRequest{Action: action, Params: params})
	if err != nil {
		return Result{Kind: KindTransportError, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Result{Kind: KindTransportError, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	result := c.do(req)
	if result.Kind != KindOK {
		c.logger.Warn("automation execute failed",
			slog.String("action", action),
			slog.String("kind", result.Kind.String()),
			slog.Int("http_status", result.StatusCode),
			slog.Duration("duration", result.Duration),
			slog.Any("error", result.Err),
		)
	}
	return result
}

// Ping は自動化サービスの到達性を確認する。GET {base}/ が2xxを返せばnil。
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	result := c.do(req)
	switch result.Kind {
	case KindOK:
		return nil
	case KindBadStatus:
		return fmt.Errorf("automation service returned status %d", result.StatusCode)
	default:
		return result.Err
	}
}

// do はリクエストを送信し、結果を分類する。
func (c *Client) do(req *http.Request) Result {
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Kind: classifyTransportError(err), Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Kind: classifyTransportError(err), Err: fmt.Errorf("failed to read response body: %w", err), Duration: time.Since(start)}
	}

	return Result{
		Kind:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}
}

func classifyTransportError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimedOut
	}
	return KindTransportError
}

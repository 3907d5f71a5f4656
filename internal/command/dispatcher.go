package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/devgate/internal/automation"
	"github.com/hitoshi/devgate/internal/metrics"
	"github.com/hitoshi/devgate/internal/model"
	"github.com/hitoshi/devgate/internal/repository"
)

const (
	// DefaultHistoryLimit は履歴取得件数の既定値。
	DefaultHistoryLimit = 20
	// MaxHistoryLimit は履歴取得件数の上限。
	MaxHistoryLimit = 100

	// logWriteTimeout はコマンドログ書き込みの上限時間。
	logWriteTimeout = 5 * time.Second
)

// Reject の理由。コマンドログのresultに{"reason": ...}として残る。
const (
	RejectReasonEmpty   = "empty_command"
	RejectReasonTooLong = "command_too_long"
)

// ResponseType は応答の種類。
type ResponseType string

const (
	ResponseTypeAction         ResponseType = "action"
	ResponseTypeUnsupported    ResponseType = "unsupported"
	ResponseTypeActionRejected ResponseType = "action_rejected"
)

// ErrorKind はディスパッチ失敗の分類。
type ErrorKind int

const (
	// ErrorKindAutomationUnavailable は自動化サービスから有効な応答を得られなかった。
	ErrorKindAutomationUnavailable ErrorKind = iota + 1
	// ErrorKindInternal はディスパッチ中の想定外のエラー。
	ErrorKindInternal
)

// DispatchError はディスパッチがインフラ要因で失敗したことを表す。
type DispatchError struct {
	Kind  ErrorKind
	Err   error
	LogID string
}

// Error はerrorインターフェースを実装する。
func (e *DispatchError) Error() string {
	switch e.Kind {
	case ErrorKindAutomationUnavailable:
		return fmt.Sprintf("automation unavailable: %v", e.Err)
	default:
		return fmt.Sprintf("internal dispatch error: %v", e.Err)
	}
}

// Unwrap は原因となったエラーを返す。
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Outcome はディスパッチ結果。
type Outcome struct {
	Original     string
	Parsed       string
	Intent       Intent
	ResponseText string
	ResponseType ResponseType
	Success      bool
	Details      json.RawMessage
	LogID        string
}

// Executor は自動化サービスへの実行依頼のインターフェース。
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) automation.Result
}

// TextSanitizer は応答文に埋め込む文字列からマークアップを取り除く。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// Dispatcher はコマンドを分類し、実行可能なものを自動化サービスへ送る。
// 1回のディスパッチにつき必ず1件のコマンドログを記録する。
type Dispatcher struct {
	executor  Executor
	logRepo   repository.CommandLogRepository
	sanitizer TextSanitizer
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewDispatcher はDispatcherを生成する。sanitizer・collectorはnilでもよい。
func NewDispatcher(
	executor Executor,
	logRepo repository.CommandLogRepository,
	sanitizer TextSanitizer,
	collector metrics.MetricsCollector,
) *Dispatcher {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		executor:  executor,
		logRepo:   logRepo,
		sanitizer: sanitizer,
		metrics:   collector,
		now:       time.Now,
	}
}

// Dispatch はコマンドを実行し、結果を返す。
// 未対応コマンドはエラーではなくSuccess=falseのOutcomeとなる。
// 自動化サービスの障害や内部エラーは*DispatchErrorを返す。
func (d *Dispatcher) Dispatch(ctx context.Context, userID, raw string) (out *Outcome, err error) {
	if userID == "" {
		userID = model.AnonymousUserID
	}
	raw = StripNUL(raw)

	start := d.now()
	intent := Classify(raw)
	entry := &model.CommandLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Command:   raw,
		Intent:    intent.Action,
		Status:    model.CommandStatusPending,
		Timestamp: start,
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in command dispatch",
				slog.String("user_id", userID),
				slog.Any("panic", r),
			)
			entry.Status = model.CommandStatusFailed
			entry.Result = reasonResult("internal_error")
			out = nil
			err = &DispatchError{Kind: ErrorKindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
		if entry.Status == model.CommandStatusPending {
			entry.Status = model.CommandStatusFailed
		}
		entry.ExecutionTime = d.now().Sub(start).Milliseconds()

		logID := d.record(ctx, entry)
		if out != nil {
			out.LogID = logID
		}
		if de, ok := err.(*DispatchError); ok {
			de.LogID = logID
		}
	}()

	out = &Outcome{
		Original: raw,
		Parsed:   strings.ToLower(Normalize(raw)),
		Intent:   intent,
	}

	switch intent.Action {
	case model.ActionOpenApp:
		if err := d.openApp(ctx, intent, entry, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		entry.Status = model.CommandStatusFailed
		entry.Result = reasonResult("unsupported_command")
		out.ResponseType = ResponseTypeUnsupported
		out.ResponseText = `That is not a supported command yet. Try "open <app name>".`
		out.Success = false
		return out, nil
	}
}

// Reject は実行前に拒否したコマンドを失敗として記録し、保存できた場合はログIDを返す。
// 自動化サービスは呼ばない。
func (d *Dispatcher) Reject(ctx context.Context, userID, raw, reason string) string {
	if userID == "" {
		userID = model.AnonymousUserID
	}
	entry := &model.CommandLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Command:   StripNUL(raw),
		Intent:    model.ActionUnsupported,
		Status:    model.CommandStatusFailed,
		Result:    reasonResult(reason),
		Timestamp: d.now(),
	}
	return d.record(ctx, entry)
}

// openApp は自動化サービスにアプリ起動を依頼する。リトライは行わない。
func (d *Dispatcher) openApp(ctx context.Context, intent Intent, entry *model.CommandLog, out *Outcome) error {
	res := d.executor.Execute(ctx, string(model.ActionOpenApp), map[string]any{"app_name": intent.AppName})
	d.metrics.RecordAutomationLatency(res.Kind.String(), res.Duration)

	if res.Kind != automation.KindOK {
		entry.Status = model.CommandStatusFailed
		entry.Result = automationFailureResult(res)
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("status %d", res.StatusCode)
		}
		return &DispatchError{Kind: ErrorKindAutomationUnavailable, Err: fmt.Errorf("%s: %w", res.Kind, cause)}
	}

	resp, err := automation.DecodeResponse(res.Body)
	if err != nil {
		entry.Status = model.CommandStatusFailed
		entry.Result = reasonResult("invalid_automation_response")
		return &DispatchError{Kind: ErrorKindAutomationUnavailable, Err: err}
	}

	entry.Result = json.RawMessage(res.Body)
	out.Details = json.RawMessage(res.Body)
	appName := d.sanitize(intent.AppName)

	if !resp.Succeeded() {
		entry.Status = model.CommandStatusFailed
		out.ResponseType = ResponseTypeActionRejected
		out.Success = false
		out.ResponseText = resp.Message
		if out.ResponseText == "" {
			out.ResponseText = fmt.Sprintf("The automation service declined to open %s.", appName)
		}
		return nil
	}

	entry.Status = model.CommandStatusSuccess
	out.ResponseType = ResponseTypeAction
	out.Success = true
	out.ResponseText = resp.Message
	if out.ResponseText == "" {
		out.ResponseText = fmt.Sprintf("Opening %s.", appName)
	}
	return nil
}

// record はコマンドログを保存し、保存できた場合はログIDを返す。
// 保存の失敗は呼び出し元の結果を変えない。
func (d *Dispatcher) record(ctx context.Context, entry *model.CommandLog) string {
	d.metrics.RecordCommand(string(entry.Intent), string(entry.Status))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()

	if err := d.logRepo.Create(ctx, entry); err != nil {
		slog.Error("failed to persist command log",
			slog.String("user_id", entry.UserID),
			slog.String("intent", string(entry.Intent)),
			slog.String("status", string(entry.Status)),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return entry.ID
}

// History はユーザーの直近のコマンドログを新しい順に返す。
// limitが範囲外の場合は既定値または上限に丸める。
func (d *Dispatcher) History(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	logs, err := d.logRepo.ListByUserID(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list command history: %w", err)
	}
	return logs, nil
}

func (d *Dispatcher) sanitize(s string) string {
	if d.sanitizer == nil {
		return s
	}
	return d.sanitizer.Sanitize(s)
}

func reasonResult(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"reason": reason})
	return b
}

func automationFailureResult(res automation.Result) json.RawMessage {
	payload := map[string]any{
		"reason": "automation_unavailable",
		"kind":   res.Kind.String(),
	}
	if res.StatusCode != 0 {
		payload["statusCode"] = res.StatusCode
	}
	b, _ := json.Marshal(payload)
	return b
}

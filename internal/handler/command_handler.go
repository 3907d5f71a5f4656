package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/devgate/internal/command"
	"github.com/hitoshi/devgate/internal/middleware"
	"github.com/hitoshi/devgate/internal/model"
)

// maxCommandLength はコマンド文字列の最大文字数。
const maxCommandLength = 1000

// executionModeLive は実際に自動化サービスへ送信したことを示す実行モード。
const executionModeLive = "live"

// CommandDispatcher はコマンドハンドラーが必要とするディスパッチャーのインターフェース。
type CommandDispatcher interface {
	Dispatch(ctx context.Context, userID, raw string) (*command.Outcome, error)
	Reject(ctx context.Context, userID, raw, reason string) string
	History(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error)
}

// CommandHandlerConfig はコマンドハンドラーの設定。
type CommandHandlerConfig struct {
	// AllowAnonymous がfalseの場合、Bearerトークンのないコマンドを401で拒否する。
	AllowAnonymous bool
}

// CommandHandler はコマンド受付のHTTPハンドラー。
type CommandHandler struct {
	dispatcher CommandDispatcher
	config     CommandHandlerConfig
}

// NewCommandHandler はCommandHandlerを生成する。
func NewCommandHandler(dispatcher CommandDispatcher, config CommandHandlerConfig) *CommandHandler {
	return &CommandHandler{
		dispatcher: dispatcher,
		config:     config,
	}
}

type commandRequest struct {
	Command *string `json:"command"`
}

type commandEcho struct {
	Original string `json:"original"`
	Parsed   string `json:"parsed"`
}

type commandReply struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type commandExecution struct {
	Success bool            `json:"success"`
	Mode    string          `json:"mode"`
	Details json.RawMessage `json:"details,omitempty"`
}

type commandResponse struct {
	Command   commandEcho      `json:"command"`
	Response  commandReply     `json:"response"`
	Execution commandExecution `json:"execution"`
}

type commandFailureResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

type commandHistoryResponse struct {
	Commands []*model.CommandLog `json:"commands"`
}

// Execute はコマンドを分類・実行し、結果を返す。
// POST /api/command
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		if !h.config.AllowAnonymous {
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAnonymousForbiddenError())
			return
		}
		userID = model.AnonymousUserID
	}

	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("body must be JSON with a command field"))
		return
	}
	if req.Command == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("command is required"))
		return
	}
	// コマンド文字列を受け取った以上、拒否する場合もコマンドログを残す
	if strings.TrimSpace(command.StripNUL(*req.Command)) == "" {
		h.dispatcher.Reject(r.Context(), userID, *req.Command, command.RejectReasonEmpty)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("command is required"))
		return
	}
	if utf8.RuneCountInString(*req.Command) > maxCommandLength {
		h.dispatcher.Reject(r.Context(), userID, *req.Command, command.RejectReasonTooLong)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("command is too long"))
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), userID, *req.Command)
	if err != nil {
		h.writeDispatchFailure(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Command: commandEcho{
			Original: outcome.Original,
			Parsed:   outcome.Parsed,
		},
		Response: commandReply{
			Text: outcome.ResponseText,
			Type: string(outcome.ResponseType),
		},
		Execution: commandExecution{
			Success: outcome.Success,
			Mode:    executionModeLive,
			Details: outcome.Details,
		},
	})
}

// writeDispatchFailure は原因をログに残し、クライアントには汎用的な500を返す。
func (h *CommandHandler) writeDispatchFailure(w http.ResponseWriter, userID string, err error) {
	details := "Internal server error"
	logID := ""
	var dispatchErr *command.DispatchError
	if errors.As(err, &dispatchErr) {
		logID = dispatchErr.LogID
		if dispatchErr.Kind == command.ErrorKindAutomationUnavailable {
			details = "Automation service unavailable"
		}
	}

	slog.Error("command execution failed",
		slog.String("user_id", userID),
		slog.String("command_log_id", logID),
		slog.String("error", err.Error()),
	)

	writeJSON(w, http.StatusInternalServerError, commandFailureResponse{
		Error:   "Command execution failed",
		Details: details,
	})
}

// History は認証済みユーザーのコマンド履歴を新しい順に返す。
// GET /api/commands?limit=20
func (h *CommandHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit := command.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > command.MaxHistoryLimit {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	logs, err := h.dispatcher.History(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.CommandLog{}
	}

	writeJSON(w, http.StatusOK, commandHistoryResponse{Commands: logs})
}

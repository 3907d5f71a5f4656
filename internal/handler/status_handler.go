package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	serviceName = "Dev AI OS Backend"

	modeLive     = "LIVE"
	modeDegraded = "DEGRADED"

	probeTimeout = 2 * time.Second
)

// AutomationPinger は自動化サービスの到達性確認のインターフェース。
type AutomationPinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker はDB接続の確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// StatusHandler はステータス・ヘルスチェックのHTTPハンドラー。
type StatusHandler struct {
	automation AutomationPinger
	db         HealthChecker
	now        func() time.Time
}

// NewStatusHandler はStatusHandlerを生成する。automation・dbはnilでもよい。
func NewStatusHandler(automation AutomationPinger, db HealthChecker) *StatusHandler {
	return &StatusHandler{
		automation: automation,
		db:         db,
		now:        time.Now,
	}
}

type statusResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// Status はゲートウェイの稼働状態を返す。自動化サービスに到達できない場合もステータスは200。
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	mode := modeLive
	if h.automation == nil {
		mode = modeDegraded
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		if err := h.automation.Ping(ctx); err != nil {
			slog.Warn("automation service unreachable", slog.String("error", err.Error()))
			mode = modeDegraded
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "online",
		Service:   serviceName,
		Mode:      mode,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Health はDB接続を確認するヘルスチェック。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

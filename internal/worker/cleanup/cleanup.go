// Package cleanup は期限切れセッションと古いコマンドログの自動削除ジョブを提供する。
// 期限切れ・失効から24時間を過ぎたセッションと、保持期間（デフォルト90日）を
// 超過したコマンドログを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/devgate/internal/metrics"
)

// DefaultRetentionDays はコマンドログの既定の保持日数。
const DefaultRetentionDays = 90

// sessionGracePeriod は期限切れ・失効後もセッションを残しておく期間。
// 失効直後のリフレッシュトークン再利用を検出できるようにする。
const sessionGracePeriod = "24 hours"

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob はセッションとコマンドログの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	RetentionDays int // コマンドログの保持日数
}

// NewCleanupJob は新しいCleanupJobを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(db Executor, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		metrics:       collector,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はセッションとコマンドログを順に削除する。
// 一方が失敗しても他方は実行し、発生したエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessions, sessErr := j.deleteSessions(ctx)
	logs, logErr := j.deleteCommandLogs(ctx)
	if err := errors.Join(sessErr, logErr); err != nil {
		return err
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_command_logs", logs),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// deleteSessions は期限切れまたは失効から猶予期間を過ぎたセッションを削除する。
func (j *CleanupJob) deleteSessions(ctx context.Context) (int64, error) {
	query := `DELETE FROM sessions
		WHERE expires_at < now() - $1::interval
		   OR revoked_at < now() - $1::interval`
	return j.exec(ctx, "sessions", query, sessionGracePeriod)
}

// deleteCommandLogs は保持期間を超過したコマンドログを削除する。
func (j *CleanupJob) deleteCommandLogs(ctx context.Context) (int64, error) {
	query := `DELETE FROM command_logs WHERE timestamp < now() - $1::interval`
	return j.exec(ctx, "command_logs", query, fmt.Sprintf("%d days", j.RetentionDays))
}

func (j *CleanupJob) exec(ctx context.Context, kind, query string, interval string) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("cleanup delete failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", kind, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to get deleted count",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to get deleted count for %s: %w", kind, err)
	}

	j.metrics.RecordCleanup(kind, deleted)
	return deleted, nil
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup scheduler started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}

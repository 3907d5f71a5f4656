// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordCommand(intent, status string)
	RecordAutomationLatency(outcome string, duration time.Duration)
	RecordLogin(provider, result string)
	RecordTokenRefresh(result string)
	RecordHTTPStatus(statusCode int)
	RecordCleanup(kind string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	commands          *prometheus.CounterVec
	automationLatency *prometheus.HistogramVec
	logins            *prometheus.CounterVec
	tokenRefresh      *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	cleanupDeleted    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_commands_total",
			Help: "受け付けたコマンドの合計数（インテント・結果別）",
		}, []string{"intent", "status"}),
		automationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devgate_automation_request_duration_seconds",
			Help:    "自動化サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_auth_logins_total",
			Help: "ログイン試行の合計数（プロバイダー・結果別）",
		}, []string{"provider", "result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_token_refresh_total",
			Help: "トークンリフレッシュの合計数（結果別）",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devgate_cleanup_deleted_total",
			Help: "クリーンアップで削除したレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.commands,
		c.automationLatency,
		c.logins,
		c.tokenRefresh,
		c.httpStatus,
		c.cleanupDeleted,
	)

	return c
}

// RecordCommand はコマンドの処理結果を記録する。
func (c *Collector) RecordCommand(intent, status string) {
	c.commands.WithLabelValues(intent, status).Inc()
}

// RecordAutomationLatency は自動化サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordAutomationLatency(outcome string, duration time.Duration) {
	c.automationLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(provider, result string) {
	c.logins.WithLabelValues(provider, result).Inc()
}

// RecordTokenRefresh はトークンリフレッシュ結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanup はクリーンアップの削除件数を記録する。
func (c *Collector) RecordCleanup(kind string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成とテストで使用する。
type Nop struct{}

func (Nop) RecordCommand(string, string)                  {}
func (Nop) RecordAutomationLatency(string, time.Duration) {}
func (Nop) RecordLogin(string, string)                    {}
func (Nop) RecordTokenRefresh(string)                     {}
func (Nop) RecordHTTPStatus(int)                          {}
func (Nop) RecordCleanup(string, int64)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

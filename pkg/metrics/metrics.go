// Package metrics は通知配信に関するPrometheusメトリクスを提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信結果ラベルの値。
const (
	// ResultSent は即時配信に成功したことを表す。
	ResultSent = "sent"
	// ResultDeferred はダイジェストに積まれたことを表す。
	ResultDeferred = "deferred"
	// ResultFailed は配信に失敗したことを表す。
	ResultFailed = "failed"
)

var (
	notificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_notifications_created_total",
			Help: "Total notification records created",
		},
		[]string{"type"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_deliveries_total",
			Help: "Total delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)
	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskboard_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"channel"},
	)
	suppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskboard_notifications_suppressed_total",
			Help: "Total notifications with no eligible channel",
		},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskboard_online_users",
			Help: "Number of users with at least one live connection",
		},
	)
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskboard_live_connections",
			Help: "Number of open realtime connections",
		},
	)
	digestFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_digest_emails_total",
			Help: "Total digest emails by frequency and result",
		},
		[]string{"frequency", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		notificationsCreated,
		deliveries,
		deliveryDuration,
		suppressed,
		onlineUsers,
		liveConnections,
		digestFlushed,
	)
}

// IncCreated は通知レコード作成数を加算する。
func IncCreated(notificationType string) {
	notificationsCreated.WithLabelValues(notificationType).Inc()
}

// ObserveDelivery は1回の配信試行の結果と所要時間を記録する。
func ObserveDelivery(channel, result string, elapsed time.Duration) {
	deliveries.WithLabelValues(channel, result).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// IncSuppressed は配信可能なチャネルが無かった通知数を加算する。
func IncSuppressed() {
	suppressed.Inc()
}

// SetPresence はオンラインユーザー数と接続数を設定する。
func SetPresence(users, connections int) {
	onlineUsers.Set(float64(users))
	liveConnections.Set(float64(connections))
}

// IncDigest はダイジェストメール送信数を加算する。
func IncDigest(frequency, result string) {
	digestFlushed.WithLabelValues(frequency, result).Inc()
}

// Handler はPrometheus形式でメトリクスを公開するHTTPハンドラを返す。
func Handler() http.Handler {
	return promhttp.Handler()
}

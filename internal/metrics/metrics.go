// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 画像インポート結果のラベル値
const (
	PictureImported = "imported"
	PictureFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordLogin()
	RecordRegistration()
	RecordFailure(reason string)
	RecordPictureImport(result string)
	RecordCascadeDeletions(count int)
	RecordLatency(outcome string, duration time.Duration)
	RecordEventsRelayed(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           prometheus.Counter
	registrations    prometheus.Counter
	failures         *prometheus.CounterVec
	pictureImports   *prometheus.CounterVec
	cascadeDeletions prometheus.Counter
	latency          *prometheus.HistogramVec
	eventsRelayed    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "googlelogin_logins_total",
			Help: "既存ユーザーのログイン合計数",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "googlelogin_registrations_total",
			Help: "新規登録の合計数",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlelogin_failures_total",
			Help: "登録・ログイン失敗の理由別合計数",
		}, []string{"reason"}),
		pictureImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "googlelogin_picture_imports_total",
			Help: "プロフィール画像インポートの結果別合計数",
		}, []string{"result"}),
		cascadeDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "googlelogin_cascade_deleted_logins_total",
			Help: "ユーザー削除に伴い削除したLoginレコードの合計数",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "googlelogin_register_or_login_seconds",
			Help:    "registerOrLoginのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		eventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "googlelogin_events_relayed_total",
			Help: "Redisストリームへ中継したイベントの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.failures,
		c.pictureImports,
		c.cascadeDeletions,
		c.latency,
		c.eventsRelayed,
	)

	return c
}

// RecordLogin はログインを記録する。
func (c *Collector) RecordLogin() {
	c.logins.Inc()
}

// RecordRegistration は新規登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordFailure は失敗を理由付きで記録する。
func (c *Collector) RecordFailure(reason string) {
	c.failures.WithLabelValues(reason).Inc()
}

// RecordPictureImport は画像インポートの結果を記録する。
func (c *Collector) RecordPictureImport(result string) {
	c.pictureImports.WithLabelValues(result).Inc()
}

// RecordCascadeDeletions は削除したLoginレコード数を記録する。
func (c *Collector) RecordCascadeDeletions(count int) {
	c.cascadeDeletions.Add(float64(count))
}

// RecordLatency はregisterOrLoginのレイテンシを結果別に記録する。
func (c *Collector) RecordLatency(outcome string, duration time.Duration) {
	c.latency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordEventsRelayed は中継したイベント数を記録する。
func (c *Collector) RecordEventsRelayed(count int) {
	c.eventsRelayed.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成とテストで使う。
type Nop struct{}

func (Nop) RecordLogin() {}
func (Nop) RecordRegistration() {}
func (Nop) RecordFailure(string) {}
func (Nop) RecordPictureImport(string) {}
func (Nop) RecordCascadeDeletions(int) {}
func (Nop) RecordLatency(string, time.Duration) {}
func (Nop) RecordEventsRelayed(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

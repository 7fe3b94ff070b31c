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
// クライアント、台帳、リコンサイラ、ワーカーから利用する。
type MetricsCollector interface {
	RecordUpstreamStatus(statusCode int)
	RecordRateLimitWait(d time.Duration)
	RecordPurchasesIngested(count int)
	RecordGrant(destination string)
	RecordRevoke(destination string, action string)
	RecordEnforcementFailure(destination string)
	RecordCycleDuration(d time.Duration)
	RecordCycleError()
	RecordLinkCompleted()
	RecordOfferSent()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamStatus      *prometheus.CounterVec
	rateLimitWaits      prometheus.Counter
	purchasesIngested   prometheus.Counter
	grants              *prometheus.CounterVec
	revokes             *prometheus.CounterVec
	enforcementFailures *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	cycleErrors         prometheus.Counter
	linksCompleted      prometheus.Counter
	offersSent          prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fansync_upstream_http_status_total",
			Help: "Fanvue API応答のHTTPステータスコード別の件数",
		}, []string{"status_code"}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fansync_rate_limit_waits_total",
			Help: "レート制限による待機の合計回数",
		}),
		purchasesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fansync_purchases_ingested_total",
			Help: "台帳に取り込んだ購入イベントの合計数",
		}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fansync_grants_total",
			Help: "宛先別のメンバーシップ付与の合計数",
		}, []string{"destination"}),
		revokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fansync_revokes_total",
			Help: "宛先別・アクション別のメンバーシップ剥奪の合計数",
		}, []string{"destination", "action"}),
		enforcementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fansync_enforcement_failures_total",
			Help: "宛先別の付与/剥奪呼び出し失敗の合計数",
		}, []string{"destination"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fansync_cycle_duration_seconds",
			Help:    "リコンサイルサイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fansync_cycle_errors_total",
			Help: "リコンサイルサイクル失敗の合計数",
		}),
		linksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fansync_links_completed_total",
			Help: "完了したアカウントリンクの合計数",
		}),
		offersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fansync_offers_sent_total",
			Help: "送信した案内メッセージの合計数",
		}),
	}

	reg.MustRegister(
		c.upstreamStatus,
		c.rateLimitWaits,
		c.purchasesIngested,
		c.grants,
		c.revokes,
		c.enforcementFailures,
		c.cycleDuration,
		c.cycleErrors,
		c.linksCompleted,
		c.offersSent,
	)

	return c
}

// RecordUpstreamStatus は上流API応答のHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRateLimitWait はレート制限による待機を記録する。
func (c *Collector) RecordRateLimitWait(d time.Duration) {
	c.rateLimitWaits.Inc()
}

// RecordPurchasesIngested は取り込んだ購入イベント数を記録する。
func (c *Collector) RecordPurchasesIngested(count int) {
	c.purchasesIngested.Add(float64(count))
}

// RecordGrant はメンバーシップ付与を記録する。
func (c *Collector) RecordGrant(destination string) {
	c.grants.WithLabelValues(destination).Inc()
}

// RecordRevoke はメンバーシップ剥奪を記録する。
func (c *Collector) RecordRevoke(destination string, action string) {
	c.revokes.WithLabelValues(destination, action).Inc()
}

// RecordEnforcementFailure は付与/剥奪呼び出しの失敗を記録する。
func (c *Collector) RecordEnforcementFailure(destination string) {
	c.enforcementFailures.WithLabelValues(destination).Inc()
}

// RecordCycleDuration はサイクルの所要時間を記録する。
func (c *Collector) RecordCycleDuration(d time.Duration) {
	c.cycleDuration.Observe(d.Seconds())
}

// RecordCycleError はサイクル失敗を記録する。
func (c *Collector) RecordCycleError() {
	c.cycleErrors.Inc()
}

// RecordLinkCompleted はアカウントリンク完了を記録する。
func (c *Collector) RecordLinkCompleted() {
	c.linksCompleted.Inc()
}

// RecordOfferSent は案内メッセージ送信を記録する。
func (c *Collector) RecordOfferSent() {
	c.offersSent.Inc()
}

// Nop は何も記録しないMetricsCollector。テストおよび未配線時のデフォルト用。
type Nop struct{}

func (Nop) RecordUpstreamStatus(int)          {}
func (Nop) RecordRateLimitWait(time.Duration) {}
func (Nop) RecordPurchasesIngested(int)       {}
func (Nop) RecordGrant(string)                {}
func (Nop) RecordRevoke(string, string)       {}
func (Nop) RecordEnforcementFailure(string)   {}
func (Nop) RecordCycleDuration(time.Duration) {}
func (Nop) RecordCycleError()                 {}
func (Nop) RecordLinkCompleted()              {}
func (Nop) RecordOfferSent()                  {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

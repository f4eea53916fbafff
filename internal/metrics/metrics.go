// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サイクルオーケストレーターから利用する。
type MetricsCollector interface {
	RecordCycleSuccess()
	RecordCycleFailure()
	RecordSearchFailure(kind string)
	RecordAPICalls(count int)
	RecordNewListings(count int)
	RecordPriceDrops(count int)
	RecordCycleDuration(duration time.Duration)
	SetQuotaRemaining(remaining int)
	SetSeenItems(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	searchFail    *prometheus.CounterVec
	apiCalls      prometheus.Counter
	newListings   prometheus.Counter
	priceDrops    prometheus.Counter
	cycleDuration prometheus.Histogram
	quotaRemain   prometheus.Gauge
	seenItems     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_cycles_total",
			Help: "完了した検索サイクルの合計数",
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_cycle_failures_total",
			Help: "全スペック失敗で終わったサイクルの合計数",
		}),
		searchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealwatch_search_failures_total",
			Help: "エラー分類別の検索失敗数",
		}, []string{"kind"}),
		apiCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_api_calls_total",
			Help: "課金対象のBrowse API呼び出しの合計数",
		}),
		newListings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_new_listings_total",
			Help: "検出した新着リスティングの合計数",
		}),
		priceDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_price_drops_total",
			Help: "検出した値下がりの合計数",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealwatch_cycle_duration_seconds",
			Help:    "検索サイクル1周の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		quotaRemain: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_quota_remaining",
			Help: "当日の残りAPI呼び出し数（ローカルとサーバーの小さい方）",
		}),
		seenItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_seen_items",
			Help: "既知アイテムストアの現在の件数",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleFailures,
		c.searchFail,
		c.apiCalls,
		c.newListings,
		c.priceDrops,
		c.cycleDuration,
		c.quotaRemain,
		c.seenItems,
	)

	return c
}

// RecordCycleSuccess はサイクルの完了を記録する。
func (c *Collector) RecordCycleSuccess() {
	c.cycles.Inc()
}

// RecordCycleFailure は全スペック失敗のサイクルを記録する。
func (c *Collector) RecordCycleFailure() {
	c.cycleFailures.Inc()
}

// RecordSearchFailure はエラー分類付きで検索失敗を記録する。
func (c *Collector) RecordSearchFailure(kind string) {
	c.searchFail.WithLabelValues(kind).Inc()
}

// RecordAPICalls は課金対象のAPI呼び出し数を記録する。
func (c *Collector) RecordAPICalls(count int) {
	c.apiCalls.Add(float64(count))
}

// RecordNewListings は新着リスティングの検出数を記録する。
func (c *Collector) RecordNewListings(count int) {
	c.newListings.Add(float64(count))
}

// RecordPriceDrops は値下がりの検出数を記録する。
func (c *Collector) RecordPriceDrops(count int) {
	c.priceDrops.Add(float64(count))
}

// RecordCycleDuration はサイクルの所要時間を記録する。
func (c *Collector) RecordCycleDuration(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

// SetQuotaRemaining は現在の残りAPI呼び出し数を設定する。
func (c *Collector) SetQuotaRemaining(remaining int) {
	c.quotaRemain.Set(float64(remaining))
}

// SetSeenItems は既知アイテムストアの件数を設定する。
func (c *Collector) SetSeenItems(count int) {
	c.seenItems.Set(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

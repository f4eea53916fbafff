// Package cycle はポーリングのメインループを提供する。
// クォータ追随、スマートペーシング、失敗時の指数バックオフ、
// 停止要求ファイルによるグレースフルシャットダウンを含む。
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dealwatch/internal/ebay"
	"github.com/hitoshi/dealwatch/internal/heartbeat"
	"github.com/hitoshi/dealwatch/internal/metrics"
	"github.com/hitoshi/dealwatch/internal/model"
	"github.com/hitoshi/dealwatch/internal/notify"
	"github.com/hitoshi/dealwatch/internal/quota"
	"github.com/hitoshi/dealwatch/internal/seen"
	"github.com/hitoshi/dealwatch/internal/store"
)

// State はオーケストレーターのライフサイクル状態を表す。
type State string

const (
	StateIdle         State = "Idle"
	StateRunning      State = "Running"
	StateSleeping     State = "Sleeping"
	StateShuttingDown State = "ShuttingDown"
)

// 運用アラートの件名。クールダウンは件名単位で効くため固定文字列にする。
const (
	alertSubjectRateLimit = "eBay API: Rate Limit Reached"
	alertSubjectFailures  = "eBay API: Consecutive API Failures"
	alertSubjectCrash     = "eBay API: Unrecoverable Crash"
)

// Snapshot は外部公開用の現在状態のコピー。運用サーバーのステータス表示に使う。
type Snapshot struct {
	State               State            `json:"state"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	Stats               model.Stats      `json:"stats"`
	Quota               model.QuotaState `json:"quota"`
	SeenItems           int              `json:"seenItems"`
	NextWakeAt          *time.Time       `json:"nextWakeAt,omitempty"`
}

// SpecSearcher は1スペック分の検索実行のインターフェース。
type SpecSearcher interface {
	Execute(ctx context.Context, spec model.SearchSpec) ([]model.ListingResult, error)
}

// TokenSource はクォータ同期に使うアクセストークンの取得元。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RateLimitFetcher はプロバイダのレート制限照会のインターフェース。
type RateLimitFetcher interface {
	RateLimits(ctx context.Context, token string) (*ebay.RateLimit, error)
}

// UpdateChecker はAPI廃止予告の定期チェックのインターフェース。
type UpdateChecker interface {
	RunIfDue(ctx context.Context) error
}

// Config はループ制御のパラメータ。ゼロ値にはデフォルトが適用される。
type Config struct {
	SentinelPath          string        // 停止要求ファイル。存在を検出するとグレースフルに終了する
	StatsPath             string        // 実行統計の永続化先。空なら保存しない
	PacingBuffer          int           // ペーシング計算で残量から引く安全マージン（コール数）
	MinInterval           time.Duration // サイクル間隔の下限
	MaxInterval           time.Duration // サイクル間隔の上限
	AnomalyRetryInterval  time.Duration // リセット後の同期ラグ異常が残っている間の再試行間隔
	SleepChunk            time.Duration // 待機を分割する単位。チャンクごとにハートビートを打つ
	ShutdownPoll          time.Duration // 待機中に停止要求ファイルを確認する間隔
	SlowCycleWarning      time.Duration // サイクル所要時間がこれを超えたら警告する
	FailureAlertThreshold int           // 連続失敗がこの回数に達したらアラートを送る
	BackoffBase           time.Duration // 失敗時バックオフの初期値
	BackoffMax            time.Duration // 失敗時バックオフの上限
	MaintenanceEvery      int           // 既読ストアの掃除を行うサイクル周期
}

func applyDefaults(config Config) Config {
	if config.PacingBuffer <= 0 {
		config.PacingBuffer = 100
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 30 * time.Second
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 15 * time.Minute
	}
	if config.AnomalyRetryInterval <= 0 {
		config.AnomalyRetryInterval = 2 * time.Minute
	}
	if config.SleepChunk <= 0 {
		config.SleepChunk = 30 * time.Second
	}
	if config.ShutdownPoll <= 0 {
		config.ShutdownPoll = time.Second
	}
	if config.SlowCycleWarning <= 0 {
		config.SlowCycleWarning = 2 * time.Minute
	}
	if config.FailureAlertThreshold <= 0 {
		config.FailureAlertThreshold = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Minute
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 15 * time.Minute
	}
	if config.MaintenanceEvery <= 0 {
		config.MaintenanceEvery = 10
	}
	return config
}

// Deps はオーケストレーターの依存一式。
// Alerts・Heartbeat・UpdateCheckはnilで無効化できる。
type Deps struct {
	Specs       []model.SearchSpec
	Searcher    SpecSearcher
	Tokens      TokenSource
	RateLimits  RateLimitFetcher
	Quota       *quota.Tracker
	Seen        *seen.Store
	Notifier    notify.Notifier
	Alerts      notify.AlertSink
	Heartbeat   heartbeat.Reporter
	Metrics     metrics.MetricsCollector
	UpdateCheck UpdateChecker
	Logger      *slog.Logger
}

// Orchestrator はポーリングサイクルを順に実行する。
// Run は単一ゴルーチンで動く前提で、Snapshot だけが他ゴルーチンから
// 呼ばれてもよい。クォータと既読ストアへのアクセスはループ内に限定し、
// 外部公開用の値はサイクルの区切りでコピーを取る。
type Orchestrator struct {
	config      Config
	specs       []model.SearchSpec
	searcher    SpecSearcher
	tokens      TokenSource
	rateLimits  RateLimitFetcher
	quota       *quota.Tracker
	seen        *seen.Store
	notifier    notify.Notifier
	alerts      notify.AlertSink
	heartbeat   heartbeat.Reporter
	metrics     metrics.MetricsCollector
	updateCheck UpdateChecker
	logger      *slog.Logger

	nowFn  func() time.Time // テスト用に差し替え可能
	randFn func() float64   // テスト用に差し替え可能

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	stats               model.Stats
	lastQuota           model.QuotaState
	seenCount           int
	nextWakeAt          *time.Time
}

// New はOrchestratorを生成する。無効化されたスペックは除外され、
// 永続化済みの実行統計があれば読み込んで引き継ぐ。
func New(config Config, deps Deps) *Orchestrator {
	config = applyDefaults(config)

	specs := make([]model.SearchSpec, 0, len(deps.Specs))
	for _, spec := range deps.Specs {
		if spec.Enabled {
			specs = append(specs, spec)
		}
	}

	o := &Orchestrator{
		config:      config,
		specs:       specs,
		searcher:    deps.Searcher,
		tokens:      deps.Tokens,
		rateLimits:  deps.RateLimits,
		quota:       deps.Quota,
		seen:        deps.Seen,
		notifier:    deps.Notifier,
		alerts:      deps.Alerts,
		heartbeat:   deps.Heartbeat,
		metrics:     deps.Metrics,
		updateCheck: deps.UpdateCheck,
		logger:      deps.Logger,
		nowFn:       time.Now,
		randFn:      defaultRand,
		state:       StateIdle,
	}

	if config.StatsPath != "" {
		stats, err := store.Load(config.StatsPath, model.Stats{})
		if err != nil {
			o.logger.Warn("実行統計の読み込みに失敗しました。ゼロから再開します",
				slog.String("path", config.StatsPath),
				slog.String("error", err.Error()),
			)
		} else {
			o.stats = stats
		}
	}

	o.lastQuota = o.quota.Snapshot()
	o.seenCount = o.seen.Len()
	return o
}

// Snapshot は現在状態のコピーを返す。他ゴルーチンから呼んでもよい。
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		State:               o.state,
		ConsecutiveFailures: o.consecutiveFailures,
		Stats:               o.stats,
		Quota:               o.lastQuota,
		SeenItems:           o.seenCount,
	}
	if o.nextWakeAt != nil {
		wake := *o.nextWakeAt
		snap.NextWakeAt = &wake
	}
	return snap
}

// cycleResult は1サイクルの実行結果。
type cycleResult struct {
	searched    int // 検索に成功したスペック数
	failedSpecs int // 検索に失敗したスペック数
	newListings int
	priceDrops  int
	batches     int
	exhausted   bool  // 日次予算切れでスキップした
	err         error // サイクル全体を失敗させたエラー
}

// Run はポーリングループを実行する。コンテキストのキャンセルまたは
// 停止要求ファイルの検出で既読ストアと統計を保存して戻る。
// パニック時はアラートを送って既読ストアを保存した上で再パニックする。
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			o.alert(context.Background(), alertSubjectCrash, fmt.Sprintf("%v\n%s", r, debug.Stack()))
			if err := o.seen.Flush(); err != nil {
				o.logger.Error("既読ストアの保存に失敗しました", slog.String("error", err.Error()))
			}
			panic(r)
		}
	}()

	o.logger.Info("ポーリングループを開始します",
		slog.Int("spec_count", len(o.specs)),
		slog.Int("seen_items", o.seen.Len()),
		slog.String("budget", o.quota.DescribeBudget()),
	)

	for {
		if ctx.Err() != nil || o.shutdownRequested() {
			return o.finish()
		}

		cycleID := uuid.NewString()
		o.setState(StateRunning)
		start := o.nowFn()
		result := o.runCycle(ctx, cycleID, start)
		duration := o.nowFn().Sub(start)

		o.metrics.RecordCycleDuration(duration)
		if duration > o.config.SlowCycleWarning {
			o.logger.Warn("サイクルの実行に時間がかかっています",
				slog.String("cycle_id", cycleID),
				slog.Float64("duration_ms", float64(duration.Milliseconds())),
			)
		}

		failed := o.recordOutcome(result, duration)
		now := o.nowFn()

		var wait time.Duration
		if failed {
			o.metrics.RecordCycleFailure()
			failures := o.failureCount()
			wait = o.backoff(failures - 1)
			reason := "全ての検索スペックが失敗しました"
			if result.err != nil {
				reason = result.err.Error()
			}
			o.logger.Error("サイクルが失敗しました",
				slog.String("cycle_id", cycleID),
				slog.Int("consecutive_failures", failures),
				slog.Float64("retry_seconds", wait.Seconds()),
				slog.String("error", reason),
			)
			if failures >= o.config.FailureAlertThreshold {
				o.alert(ctx, alertSubjectFailures,
					fmt.Sprintf("%d回連続でサイクルが失敗しています。直近の原因: %s", failures, reason))
			}
		} else {
			o.metrics.RecordCycleSuccess()
			if result.exhausted {
				wait = resetWait(o.quota.NextReset(now).Sub(now))
			} else {
				wait = o.computeSleep(now)
			}
			o.logger.Info("サイクルが完了しました",
				slog.String("cycle_id", cycleID),
				slog.Int("searched", result.searched),
				slog.Int("new_listings", result.newListings),
				slog.Int("price_drops", result.priceDrops),
				slog.Float64("duration_ms", float64(duration.Milliseconds())),
				slog.String("budget", o.quota.DescribeBudget()),
			)
		}

		o.metrics.SetQuotaRemaining(o.quota.EffectiveRemaining())
		o.metrics.SetSeenItems(o.seen.Len())
		o.captureMonitorState()

		if o.sleepFor(ctx, wait) {
			return o.finish()
		}
	}
}

// runCycle は1サイクル分の処理を実行する。スペック単位の失敗は隔離し、
// トークン取得の失敗だけがサイクル全体の失敗になる。
func (o *Orchestrator) runCycle(ctx context.Context, cycleID string, now time.Time) cycleResult {
	var result cycleResult

	o.beat()
	o.maybeMaintain(now)

	if o.updateCheck != nil {
		if err := o.updateCheck.RunIfDue(ctx); err != nil {
			o.logger.Warn("API更新チェックに失敗しました", slog.String("error", err.Error()))
		}
	}

	o.quota.RolloverIfNeeded(now)

	if err := o.syncQuota(ctx, now); err != nil {
		result.err = err
		return result
	}

	if len(o.specs) == 0 {
		return result
	}

	if !o.quota.CanSpend(len(o.specs)) {
		o.logger.Warn("日次コール予算を使い切りました",
			slog.String("budget", o.quota.DescribeBudget()),
			slog.Time("next_reset", o.quota.NextReset(now)),
		)
		o.alert(ctx, alertSubjectRateLimit,
			fmt.Sprintf("日次コール予算を使い切りました: %s", o.quota.DescribeBudget()))
		result.exhausted = true
		return result
	}

	callsBefore := o.quota.CallsUsed()
	for _, spec := range o.specs {
		if ctx.Err() != nil {
			break
		}
		batch, err := o.runSpec(ctx, spec)
		if err != nil {
			result.failedSpecs++
			kind := string(model.KindOf(err))
			o.metrics.RecordSearchFailure(kind)
			o.logger.Error("検索スペックの実行に失敗しました",
				slog.String("cycle_id", cycleID),
				slog.String("spec", spec.Name),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.searched++
		result.newListings += len(batch.NewListings)
		result.priceDrops += len(batch.PriceDrops)
		if batch.Empty() {
			continue
		}
		o.metrics.RecordNewListings(len(batch.NewListings))
		o.metrics.RecordPriceDrops(len(batch.PriceDrops))
		if err := o.notifier.DispatchBatch(ctx, batch); err != nil {
			o.logger.Error("通知バッチの配送に失敗しました",
				slog.String("spec", spec.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.batches++
	}
	if delta := o.quota.CallsUsed() - callsBefore; delta > 0 {
		o.metrics.RecordAPICalls(delta)
	}

	if result.newListings > 0 || result.priceDrops > 0 {
		if err := o.seen.Flush(); err != nil {
			o.logger.Error("既読ストアの保存に失敗しました", slog.String("error", err.Error()))
		}
	}
	return result
}

// runSpec は1スペック分の検索と分類を行う。
// 未見かつ価格帯内なら新着、既見で前回より安くなっていれば値下がり。
// 価格帯外の出品も既読としては記録する。
func (o *Orchestrator) runSpec(ctx context.Context, spec model.SearchSpec) (notify.Batch, error) {
	listings, err := o.searcher.Execute(ctx, spec)
	if err != nil {
		return notify.Batch{}, err
	}

	now := o.nowFn()
	batch := notify.Batch{SpecName: spec.Name}
	for _, listing := range listings {
		previous, existed := o.seen.RecordSeen(listing.ItemID, listing.Price, listing.Title, now)
		switch {
		case !existed:
			if spec.InPriceBand(listing.Price) {
				batch.NewListings = append(batch.NewListings, listing)
			}
		case listing.Price < previous.LastPrice && spec.InPriceBand(listing.Price):
			batch.PriceDrops = append(batch.PriceDrops, model.PriceDrop{
				Listing:       listing,
				PreviousPrice: previous.LastPrice,
			})
		}
	}
	return batch, nil
}

// syncQuota は必要に応じてプロバイダのレート制限と同期する。
// トークンが取れない場合はエラーを返す。照会自体の失敗はベストエフォート
// としてローカルカウンタで継続する。
func (o *Orchestrator) syncQuota(ctx context.Context, now time.Time) error {
	force := o.quota.ShouldForceSync(now)
	if !force && !o.quota.NeedsSync(now) {
		return nil
	}

	token, err := o.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("クォータ同期用トークンの取得に失敗した: %w", err)
	}

	limits, err := o.rateLimits.RateLimits(ctx, token)
	if err != nil {
		o.logger.Warn("レート制限の同期に失敗しました。ローカルカウンタで継続します",
			slog.Bool("forced", force),
			slog.String("error", err.Error()),
		)
		return nil
	}

	o.quota.SyncFromProvider(limits.Limit, limits.Remaining, limits.ResetAt, now)
	return nil
}

// maybeMaintain は周期的に既読ストアの期限切れ削除と上限適用を行う。
func (o *Orchestrator) maybeMaintain(now time.Time) {
	o.mu.Lock()
	due := o.stats.CyclesCompleted%int64(o.config.MaintenanceEvery) == 0
	o.mu.Unlock()
	if !due {
		return
	}

	evicted := o.seen.EvictExpired(now)
	capped := o.seen.EnforceCap()
	if evicted > 0 || capped > 0 {
		if err := o.seen.Flush(); err != nil {
			o.logger.Error("既読ストアの保存に失敗しました", slog.String("error", err.Error()))
		}
	}
}

// recordOutcome は失敗判定と統計更新を行い、サイクルが失敗だったかを返す。
// 予算切れでスキップしたサイクルは失敗でも完了でもなく、統計にも
// 失敗カウンタにも影響しない。
func (o *Orchestrator) recordOutcome(result cycleResult, duration time.Duration) bool {
	if result.exhausted {
		return false
	}

	failed := result.err != nil ||
		(len(o.specs) > 0 && result.searched == 0 && result.failedSpecs > 0)

	o.mu.Lock()
	defer o.mu.Unlock()
	if failed {
		o.consecutiveFailures++
		return true
	}
	o.consecutiveFailures = 0

	now := o.nowFn()
	o.stats.LastRunAt = &now
	o.stats.CyclesCompleted++
	o.stats.NewListingsTotal += int64(result.newListings)
	o.stats.PriceDropsTotal += int64(result.priceDrops)
	o.stats.BatchesDispatched += int64(result.batches)
	o.stats.LastCycleDurationMS = duration.Milliseconds()
	o.saveStatsLocked()
	return false
}

// saveStatsLocked は実行統計を永続化する。o.muを保持して呼ぶこと。
func (o *Orchestrator) saveStatsLocked() {
	if o.config.StatsPath == "" {
		return
	}
	if err := store.Save(o.config.StatsPath, o.stats); err != nil {
		o.logger.Error("実行統計の保存に失敗しました",
			slog.String("path", o.config.StatsPath),
			slog.String("error", err.Error()),
		)
	}
}

// captureMonitorState は外部公開用のクォータ・既読ストアのコピーを更新する。
func (o *Orchestrator) captureMonitorState() {
	quotaState := o.quota.Snapshot()
	seenCount := o.seen.Len()
	o.mu.Lock()
	o.lastQuota = quotaState
	o.seenCount = seenCount
	o.mu.Unlock()
}

func (o *Orchestrator) failureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.nextWakeAt = nil
	o.mu.Unlock()
}

// sleepFor は次サイクルまで待機する。チャンクごとにハートビートを打ち、
// 停止要求を検出したらtrueを返す。
func (o *Orchestrator) sleepFor(ctx context.Context, wait time.Duration) bool {
	wake := o.nowFn().Add(wait)
	o.mu.Lock()
	o.state = StateSleeping
	o.nextWakeAt = &wake
	o.mu.Unlock()

	o.logger.Info("次のサイクルまで待機します",
		slog.Float64("wait_seconds", wait.Seconds()),
		slog.Time("wake_at", wake),
	)

	remaining := wait
	for remaining > 0 {
		chunk := o.config.SleepChunk
		if remaining < chunk {
			chunk = remaining
		}
		if o.pause(ctx, chunk) {
			return true
		}
		o.beat()
		remaining -= chunk
	}
	return false
}

// pause は指定時間待機しつつ停止要求ファイルをポーリングする。
// 停止要求またはコンテキストのキャンセルでtrueを返す。
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(o.config.ShutdownPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
			return false
		case <-poll.C:
			if o.shutdownRequested() {
				o.logger.Info("停止要求ファイルを検出しました",
					slog.String("path", o.config.SentinelPath),
				)
				return true
			}
		}
	}
}

func (o *Orchestrator) shutdownRequested() bool {
	if o.config.SentinelPath == "" {
		return false
	}
	_, err := os.Stat(o.config.SentinelPath)
	return err == nil
}

// finish は既読ストアと統計を保存し、停止要求ファイルを片付けて終了する。
func (o *Orchestrator) finish() error {
	o.setState(StateShuttingDown)

	if err := o.seen.Flush(); err != nil {
		o.logger.Error("既読ストアの保存に失敗しました", slog.String("error", err.Error()))
	}
	o.mu.Lock()
	o.saveStatsLocked()
	o.mu.Unlock()
	o.captureMonitorState()
	o.clearSentinel()

	o.logger.Info("ポーリングループを停止しました")
	return nil
}

func (o *Orchestrator) clearSentinel() {
	if o.config.SentinelPath == "" {
		return
	}
	if err := os.Remove(o.config.SentinelPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("停止要求ファイルの削除に失敗しました",
			slog.String("path", o.config.SentinelPath),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alert(ctx context.Context, subject, body string) {
	if o.alerts == nil {
		return
	}
	if err := o.alerts.Alert(ctx, subject, body); err != nil {
		o.logger.Error("運用アラートの送信に失敗しました",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) beat() {
	if o.heartbeat == nil {
		return
	}
	o.heartbeat.Beat()
}

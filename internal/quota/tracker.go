// Package quota は日次APIコール予算の追跡を提供する。
// ローカルカウンタはあくまで補助であり、プロバイダのレート制限エンドポイントが
// 報告する値が常に正となる。日付境界はプロバイダのタイムゾーンと
// プロバイダ報告のリセット時刻に基づいて判定し、ローカルの深夜0時は使わない。
package quota

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
	"github.com/hitoshi/dealwatch/internal/store"
)

// providerTimeZone はプロバイダの課金日が定義されるタイムゾーン。
const providerTimeZone = "America/Los_Angeles"

// Config はクォータトラッカーの設定。
type Config struct {
	StatePath       string
	DailyLimit      int           // 日次コール上限（自主規制値）
	Buffer          int           // ペーシング用の安全マージン（コール数）
	SyncInterval    time.Duration // 定期同期の最小間隔
	PostResetWindow time.Duration // リセット直後の同期ラグ異常を検出する時間窓
	DriftThreshold  int           // ドリフト警告のしきい値（コール数）
}

// Tracker は日次コール予算の状態を管理する。
// プロセス内の単一ループからのみ呼ばれる前提であり、ロックは持たない。
type Tracker struct {
	config Config
	logger *slog.Logger
	loc    *time.Location
	state  model.QuotaState
}

// NewTracker はTrackerを生成し、永続化済みの状態を読み込む。
// 状態ファイルが破損している場合はログに出力しゼロ状態から継続する。
func NewTracker(config Config, logger *slog.Logger) *Tracker {
	if config.DailyLimit <= 0 {
		config.DailyLimit = 4500
	}
	if config.Buffer < 0 {
		config.Buffer = 0
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Minute
	}
	if config.PostResetWindow <= 0 {
		config.PostResetWindow = 10 * time.Minute
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = 50
	}
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(providerTimeZone)
	if err != nil {
		// tzdataが無い環境向けのフォールバック。DSTは追従しない。
		loc = time.FixedZone("PST", -8*60*60)
		logger.Warn("プロバイダタイムゾーンを読み込めません。固定オフセットで代替します",
			slog.String("error", err.Error()),
		)
	}

	t := &Tracker{config: config, logger: logger, loc: loc}

	if config.StatePath != "" {
		state, err := store.Load(config.StatePath, model.QuotaState{})
		if err != nil {
			logger.Error("クォータ状態ファイルが破損しています。ゼロ状態から再開します",
				slog.String("path", config.StatePath),
				slog.String("error", err.Error()),
			)
		}
		t.state = state
	}
	return t
}

// providerDay はnowが属するプロバイダ課金日を"2006-01-02"形式で返す。
func (t *Tracker) providerDay(now time.Time) string {
	return now.In(t.loc).Format("2006-01-02")
}

// RolloverIfNeeded はプロバイダの日付境界を越えていればカウンタをリセットする。
// 境界越えは (1) プロバイダタイムゾーンでの日付変化、(2) プロバイダ報告の
// リセット時刻が現在より過去、のどちらか先に観測された方で検出する。
// 冪等であり、サイクル内のCanSpend判定より前に必ず呼ぶこと。
// リセットを実行した場合はtrueを返す。
func (t *Tracker) RolloverIfNeeded(now time.Time) bool {
	day := t.providerDay(now)

	if t.state.Date == "" {
		// 初回起動。リセットではなく初期化。
		t.state.Date = day
		t.persist()
		return false
	}

	crossedByDate := t.state.Date != day
	crossedByReset := !crossedByDate &&
		t.state.ResetTimeUTC != nil && now.After(*t.state.ResetTimeUTC)
	if !crossedByDate && !crossedByReset {
		return false
	}

	prevDate := t.state.Date
	prevUsed := t.state.CallsUsed

	next := day
	if crossedByReset {
		// ローカル時計のずれで日付文字列がまだ変わっていないケース。
		// 日付をちょうど1日進めることで、後から日付文字列が変わった時に
		// 二重リセットになるのを防ぐ。
		if d, err := time.ParseInLocation("2006-01-02", t.state.Date, t.loc); err == nil {
			next = d.AddDate(0, 0, 1).Format("2006-01-02")
		}
	}

	t.state.Date = next
	t.state.CallsUsed = 0
	// リセット後のremainingは未知。次回同期まで当てにしない。
	t.state.APIRemaining = nil
	if t.state.ResetTimeUTC != nil {
		next := *t.state.ResetTimeUTC
		for !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		t.state.ResetTimeUTC = &next
	}
	t.persist()

	t.logger.Info("クォータ日次リセットを実行しました",
		slog.String("prev_date", prevDate),
		slog.Int("prev_calls_used", prevUsed),
		slog.String("date", t.state.Date),
	)
	return true
}

// CanSpend はn回のコールを消費できるかを返す。
// ローカルカウンタが上限を超えず、かつプロバイダ報告のremaining（既知の場合）が
// n以上であることを要求する。
func (t *Tracker) CanSpend(n int) bool {
	if t.state.CallsUsed+n > t.config.DailyLimit {
		return false
	}
	if t.state.APIRemaining != nil && *t.state.APIRemaining < n {
		return false
	}
	return true
}

// RecordSpend はn回のコール消費を記録し永続化する。
// 永続化失敗はログに出し、メモリ上の状態で処理を継続する。
func (t *Tracker) RecordSpend(n int) {
	t.state.CallsUsed += n
	if t.state.APIRemaining != nil {
		remaining := *t.state.APIRemaining - n
		if remaining < 0 {
			remaining = 0
		}
		t.state.APIRemaining = &remaining
	}
	t.persist()
}

// SyncFromProvider はレート制限エンドポイントの権威値で状態を上書きする。
// ローカルカウンタとのドリフトがしきい値を超えた場合は警告し、常にサーバー値を採用する。
func (t *Tracker) SyncFromProvider(limit, remaining int, resetUTC time.Time, now time.Time) {
	if limit > 0 {
		serverUsed := limit - remaining
		if serverUsed < 0 {
			serverUsed = 0
		}
		drift := serverUsed - t.state.CallsUsed
		if drift < 0 {
			drift = -drift
		}
		if drift > t.config.DriftThreshold {
			t.logger.Warn("ローカルのコールカウンタがプロバイダ値からドリフトしています",
				slog.Int("local_used", t.state.CallsUsed),
				slog.Int("server_used", serverUsed),
				slog.Int("drift", drift),
			)
		}
		t.state.CallsUsed = serverUsed
		t.state.APILimit = &limit
	}

	t.state.APIRemaining = &remaining
	reset := resetUTC.UTC()
	t.state.ResetTimeUTC = &reset
	syncAt := now
	t.state.LastSyncAt = &syncAt
	t.state.Date = t.providerDay(now)
	t.persist()

	t.logger.Info("クォータをプロバイダと同期しました",
		slog.Int("remaining", remaining),
		slog.Int("limit", limit),
		slog.Time("reset_time_utc", reset),
	)
}

// NeedsSync は定期同期の間隔が経過したかを返す。
func (t *Tracker) NeedsSync(now time.Time) bool {
	if t.state.LastSyncAt == nil {
		return true
	}
	return now.Sub(*t.state.LastSyncAt) >= t.config.SyncInterval
}

// ShouldForceSync はリセット直後の同期ラグ異常を検出する。
// 直近のリセット境界からPostResetWindow以内で、かつ最後の同期がリセット前
// （またはremainingが未知・枯渇寸前）の場合、定期同期の間隔を無視して
// 1回の強制同期を要求する。放置するとリセット済みにもかかわらず古い
// remainingを信じて数時間停止するため、能動的に検出する必要がある。
func (t *Tracker) ShouldForceSync(now time.Time) bool {
	boundary := t.lastResetBoundary(now)
	if !now.After(boundary) || now.Sub(boundary) > t.config.PostResetWindow {
		return false
	}
	if t.state.LastSyncAt == nil || t.state.LastSyncAt.Before(boundary) {
		return true
	}
	if t.state.APIRemaining != nil && *t.state.APIRemaining < t.config.Buffer {
		return true
	}
	return false
}

// NextReset は次のリセット時刻（UTC）を返す。
// プロバイダ報告値が未来にあればそれを、なければプロバイダタイムゾーンの
// 次の深夜0時を推定値として使う。
func (t *Tracker) NextReset(now time.Time) time.Time {
	if t.state.ResetTimeUTC != nil && t.state.ResetTimeUTC.After(now) {
		return t.state.ResetTimeUTC.UTC()
	}
	local := now.In(t.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc).Add(24 * time.Hour)
	return midnight.UTC()
}

// lastResetBoundary は直近に通過したリセット境界を返す。
func (t *Tracker) lastResetBoundary(now time.Time) time.Time {
	return t.NextReset(now).Add(-24 * time.Hour)
}

// EffectiveRemaining は残りコール数の最良推定値を返す。
// プロバイダ報告値が既知ならそれを、未知ならローカルカウンタからの差引を使う。
func (t *Tracker) EffectiveRemaining() int {
	if t.state.APIRemaining != nil {
		return *t.state.APIRemaining
	}
	remaining := t.config.DailyLimit - t.state.CallsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CallsUsed は本日のローカルカウンタ値を返す。
func (t *Tracker) CallsUsed() int {
	return t.state.CallsUsed
}

// Snapshot は現在の状態のコピーを返す。
func (t *Tracker) Snapshot() model.QuotaState {
	return t.state
}

// persist は状態をアトミックに保存する。失敗してもプロセスは継続する。
func (t *Tracker) persist() {
	if t.config.StatePath == "" {
		return
	}
	if err := store.Save(t.config.StatePath, t.state); err != nil {
		t.logger.Error("クォータ状態の保存に失敗しました",
			slog.String("path", t.config.StatePath),
			slog.String("error", err.Error()),
		)
	}
}

// DescribeBudget はログ・ステータス表示用の短い予算サマリを返す。
func (t *Tracker) DescribeBudget() string {
	if t.state.APIRemaining != nil {
		return fmt.Sprintf("used=%d remaining=%d (provider)", t.state.CallsUsed, *t.state.APIRemaining)
	}
	return fmt.Sprintf("used=%d/%d (local)", t.state.CallsUsed, t.config.DailyLimit)
}

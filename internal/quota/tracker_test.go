package quota

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
	"github.com/hitoshi/dealwatch/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(Config{
		StatePath:       filepath.Join(t.TempDir(), "quota.json"),
		DailyLimit:      100,
		Buffer:          10,
		SyncInterval:    30 * time.Minute,
		PostResetWindow: 10 * time.Minute,
	}, discardLogger())
}

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	return loc
}

// TestTracker_SpendMonotonicity はRecordSpendの連続でcallsUsedが単調増加し、
// CanSpendが上限超過を決して許さないことを検証する。
func TestTracker_SpendMonotonicity(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	tr.RolloverIfNeeded(now)

	prev := tr.CallsUsed()
	spent := 0
	for tr.CanSpend(7) {
		tr.RecordSpend(7)
		spent += 7
		if tr.CallsUsed() < prev {
			t.Fatalf("callsUsed decreased: %d -> %d", prev, tr.CallsUsed())
		}
		prev = tr.CallsUsed()
		if spent > 200 {
			t.Fatal("CanSpend never became false; ceiling not enforced")
		}
	}

	if tr.CallsUsed() > 100 {
		t.Errorf("callsUsed = %d exceeds the daily limit 100", tr.CallsUsed())
	}
	if tr.CanSpend(7) {
		t.Error("CanSpend(7) should be false at the ceiling")
	}
	// 上限ちょうどまでの消費は可能
	if remaining := 100 - tr.CallsUsed(); remaining > 0 && !tr.CanSpend(remaining) {
		t.Errorf("CanSpend(%d) should be true up to the exact ceiling", remaining)
	}
}

// TestTracker_CanSpend_RespectsProviderRemaining はプロバイダ報告のremainingが
// ローカルカウンタより厳しい場合にそちらが優先されることを検証する。
func TestTracker_CanSpend_RespectsProviderRemaining(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	tr.RolloverIfNeeded(now)

	// ローカル上限(100)には余裕があるが、プロバイダ残数は2しかない
	tr.SyncFromProvider(50, 2, now.Add(6*time.Hour), now)

	if got := tr.CallsUsed(); got != 48 {
		t.Fatalf("callsUsed = %d, want server-derived 48", got)
	}
	if !tr.CanSpend(2) {
		t.Error("CanSpend(2) should be true with remaining=2")
	}
	if tr.CanSpend(3) {
		t.Error("CanSpend(3) should be false with remaining=2")
	}
}

// TestTracker_RecordSpend_DecrementsProviderRemaining は消費記録がプロバイダ
// 残数のローカルコピーにも反映されることを検証する。
func TestTracker_RecordSpend_DecrementsProviderRemaining(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	tr.SyncFromProvider(100, 5, now.Add(6*time.Hour), now)

	tr.RecordSpend(3)

	snap := tr.Snapshot()
	if snap.APIRemaining == nil || *snap.APIRemaining != 2 {
		t.Errorf("APIRemaining = %v, want 2", snap.APIRemaining)
	}

	tr.RecordSpend(5)
	snap = tr.Snapshot()
	if snap.APIRemaining == nil || *snap.APIRemaining != 0 {
		t.Errorf("APIRemaining = %v, want floor at 0", snap.APIRemaining)
	}
}

// TestTracker_Rollover_ByDateChange はプロバイダタイムゾーンでの日付変化による
// リセットを検証する。2回呼んでも結果は1回と同じ（冪等）。
func TestTracker_Rollover_ByDateChange(t *testing.T) {
	loc := mustLoc(t)
	tr := newTestTracker(t)

	// 前日のプロバイダ日で100コール消費済みの状態を作る
	yesterday := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)
	tr.RolloverIfNeeded(yesterday)
	tr.RecordSpend(100)

	today := time.Date(2026, 3, 11, 0, 30, 0, 0, loc)
	if !tr.RolloverIfNeeded(today) {
		t.Fatal("rollover should trigger on provider date change")
	}

	snap := tr.Snapshot()
	if snap.CallsUsed != 0 {
		t.Errorf("callsUsed = %d, want 0 after rollover", snap.CallsUsed)
	}
	if snap.Date != "2026-03-11" {
		t.Errorf("date = %q, want %q", snap.Date, "2026-03-11")
	}

	// 冪等性: 2回目は何もしない
	if tr.RolloverIfNeeded(today) {
		t.Error("second rollover call should be a no-op")
	}
	if got := tr.Snapshot(); got.CallsUsed != 0 || got.Date != "2026-03-11" {
		t.Errorf("state changed on idempotent call: %+v", got)
	}
}

// TestTracker_Rollover_ByResetTimePassed はローカルの日付文字列が変わる前でも
// プロバイダ報告のリセット時刻を過ぎたらリセットされ、かつ後の日付変化で
// 二重リセットにならないことを検証する。
func TestTracker_Rollover_ByResetTimePassed(t *testing.T) {
	mustLoc(t)
	tr := newTestTracker(t)

	// 冬時間: プロバイダ深夜0時 = 08:00 UTC。プロバイダが07:00 UTCリセットを
	// 報告してきた場合、07:00〜08:00 UTCの間は日付文字列が変わらないまま
	// リセット時刻だけが過去になる。
	before := time.Date(2026, 1, 14, 20, 0, 0, 0, time.UTC) // PST 12:00 Jan 14
	tr.RolloverIfNeeded(before)
	tr.SyncFromProvider(100, 3, time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC), before)
	tr.RecordSpend(1)

	skewed := time.Date(2026, 1, 15, 7, 30, 0, 0, time.UTC) // PST 23:30 Jan 14
	if got := tr.providerDay(skewed); got != "2026-01-14" {
		t.Fatalf("test setup: provider day = %q, want 2026-01-14", got)
	}

	if !tr.RolloverIfNeeded(skewed) {
		t.Fatal("rollover should trigger when reported reset time has passed")
	}
	snap := tr.Snapshot()
	if snap.CallsUsed != 0 {
		t.Errorf("callsUsed = %d, want 0", snap.CallsUsed)
	}
	if snap.Date != "2026-01-15" {
		t.Errorf("date = %q, want advanced exactly one day to 2026-01-15", snap.Date)
	}
	if snap.APIRemaining != nil {
		t.Error("stale provider remaining should be cleared on rollover")
	}

	// 日付文字列が実際に変わった後でも二重リセットしない
	later := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC) // PST 01:00 Jan 15
	tr.RecordSpend(4)
	if tr.RolloverIfNeeded(later) {
		t.Error("rollover must not fire twice for the same provider day")
	}
	if got := tr.CallsUsed(); got != 4 {
		t.Errorf("callsUsed = %d, want 4 (no double reset)", got)
	}
}

// TestTracker_SyncFromProvider_AdoptsServerCount はドリフト時にサーバー値が
// 採用されることを検証する。
func TestTracker_SyncFromProvider_AdoptsServerCount(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	tr.RolloverIfNeeded(now)
	tr.RecordSpend(5)

	// ローカル5に対しサーバーは80消費済みと報告。常にサーバー値を採用する
	tr.SyncFromProvider(100, 20, now.Add(6*time.Hour), now)

	if got := tr.CallsUsed(); got != 80 {
		t.Errorf("callsUsed = %d, want server-derived 80", got)
	}
	snap := tr.Snapshot()
	if snap.APIRemaining == nil || *snap.APIRemaining != 20 {
		t.Errorf("APIRemaining = %v, want 20", snap.APIRemaining)
	}
	if snap.APILimit == nil || *snap.APILimit != 100 {
		t.Errorf("APILimit = %v, want 100", snap.APILimit)
	}
	if snap.LastSyncAt == nil {
		t.Error("LastSyncAt should be set after sync")
	}
}

func TestTracker_NeedsSync(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	if !tr.NeedsSync(now) {
		t.Error("NeedsSync should be true before any sync")
	}

	tr.SyncFromProvider(100, 50, now.Add(6*time.Hour), now)

	if tr.NeedsSync(now.Add(10 * time.Minute)) {
		t.Error("NeedsSync should be false within the sync interval")
	}
	if !tr.NeedsSync(now.Add(31 * time.Minute)) {
		t.Error("NeedsSync should be true after the sync interval")
	}
}

// TestTracker_ShouldForceSync_PostResetAnomaly はリセット直後の時間窓内で
// 同期がリセット前の値しか持っていない場合に強制同期が要求されることを検証する。
func TestTracker_ShouldForceSync_PostResetAnomaly(t *testing.T) {
	loc := mustLoc(t)
	tr := newTestTracker(t)

	// リセット前日に同期し、残数がほぼ枯渇した状態
	beforeReset := time.Date(2026, 1, 14, 20, 0, 0, 0, time.UTC)
	tr.RolloverIfNeeded(beforeReset)
	tr.SyncFromProvider(100, 1, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), beforeReset)

	// リセット境界(08:00 UTC)を通過、5分後（窓内）
	justAfter := time.Date(2026, 1, 15, 8, 5, 0, 0, time.UTC)
	tr.RolloverIfNeeded(justAfter)

	if !tr.ShouldForceSync(justAfter) {
		t.Error("force sync should be requested within the post-reset window")
	}

	// 強制同期後は要求されない
	tr.SyncFromProvider(100, 100, time.Date(2026, 1, 16, 8, 0, 0, 0, time.UTC), justAfter)
	if tr.ShouldForceSync(justAfter.Add(time.Minute)) {
		t.Error("force sync should not repeat after a successful sync")
	}

	// 窓の外では要求されない
	tr2 := newTestTracker(t)
	tr2.RolloverIfNeeded(beforeReset)
	tr2.SyncFromProvider(100, 1, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), beforeReset)
	farAfter := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC).In(loc)
	tr2.RolloverIfNeeded(farAfter)
	if tr2.ShouldForceSync(farAfter) {
		t.Error("force sync should not trigger outside the post-reset window")
	}
}

// TestTracker_NextReset_FallsBackToProviderMidnight はプロバイダ報告が無い場合に
// プロバイダタイムゾーンの次の深夜0時が推定値になることを検証する。
func TestTracker_NextReset_FallsBackToProviderMidnight(t *testing.T) {
	loc := mustLoc(t)
	tr := newTestTracker(t)

	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	got := tr.NextReset(now)

	want := time.Date(2026, 6, 11, 0, 0, 0, 0, loc).UTC()
	if !got.Equal(want) {
		t.Errorf("NextReset = %v, want provider midnight %v", got, want)
	}
	if !got.After(now) {
		t.Error("NextReset should be in the future")
	}
}

func TestTracker_NextReset_PrefersProviderReported(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	reported := time.Date(2026, 6, 10, 19, 30, 0, 0, time.UTC)

	tr.SyncFromProvider(100, 50, reported, now)

	if got := tr.NextReset(now); !got.Equal(reported) {
		t.Errorf("NextReset = %v, want provider-reported %v", got, reported)
	}
}

func TestTracker_EffectiveRemaining(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	tr.RolloverIfNeeded(now)
	tr.RecordSpend(30)

	// プロバイダ値未知: ローカル差引
	if got := tr.EffectiveRemaining(); got != 70 {
		t.Errorf("EffectiveRemaining = %d, want 70", got)
	}

	// プロバイダ値既知: そちらを使用
	tr.SyncFromProvider(100, 42, now.Add(6*time.Hour), now)
	if got := tr.EffectiveRemaining(); got != 42 {
		t.Errorf("EffectiveRemaining = %d, want 42", got)
	}
}

// TestTracker_StateSurvivesRestart は状態がファイル経由で次のインスタンスに
// 引き継がれることを検証する。
func TestTracker_StateSurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "quota.json")
	cfg := Config{StatePath: statePath, DailyLimit: 100}

	first := NewTracker(cfg, discardLogger())
	now := time.Now()
	first.RolloverIfNeeded(now)
	first.RecordSpend(25)

	second := NewTracker(cfg, discardLogger())
	if got := second.CallsUsed(); got != 25 {
		t.Errorf("callsUsed after restart = %d, want 25", got)
	}
}

// TestTracker_CorruptStateFile は破損ファイルからゼロ状態で再開することを検証する。
func TestTracker_CorruptStateFile(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "quota.json")
	if err := os.WriteFile(statePath, []byte("garbage{"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(Config{StatePath: statePath, DailyLimit: 100}, discardLogger())
	if got := tr.CallsUsed(); got != 0 {
		t.Errorf("callsUsed = %d, want 0 from corrupt file", got)
	}
	if !tr.CanSpend(1) {
		t.Error("fresh state should allow spending")
	}

	// 上書き保存で復旧する
	tr.RecordSpend(1)
	reloaded, err := store.Load(statePath, model.QuotaState{})
	if err != nil {
		t.Fatalf("state file should be repaired by the next save: %v", err)
	}
	if reloaded.CallsUsed != 1 {
		t.Errorf("persisted callsUsed = %d, want 1", reloaded.CallsUsed)
	}
}

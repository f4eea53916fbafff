package cycle

import (
	"log/slog"
	"math/rand"
	"time"
)

// リセット待ちは最短5分、最長1時間に収める。境界通過直後の取りこぼしを
// 避けるため1分のマージンを足す。
const (
	resetWaitMargin = time.Minute
	resetWaitFloor  = 5 * time.Minute
	resetWaitCeil   = time.Hour

	// idleInterval は有効スペックが無い場合の待機時間。
	idleInterval = 5 * time.Minute

	// pacingJitter はサイクル間隔に加える±5%の揺らぎ。
	pacingJitter = 0.05
	// backoffJitter はバックオフに加える最大+10%の揺らぎ。
	backoffJitter = 0.1
)

func defaultRand() float64 {
	return rand.Float64()
}

// computeSleep は残りコール予算をリセットまでの時間に均等配分して
// 次サイクルまでの待機時間を決める。予算が尽きていればリセットまで待つ。
// リセット後の同期ラグ異常が残っている間は短い固定間隔で再試行する。
func (o *Orchestrator) computeSleep(now time.Time) time.Duration {
	if o.quota.ShouldForceSync(now) {
		o.logger.Warn("リセット後の同期ラグが解消していません。短い間隔で再試行します",
			slog.Float64("retry_seconds", o.config.AnomalyRetryInterval.Seconds()),
		)
		return o.config.AnomalyRetryInterval
	}

	searchCount := len(o.specs)
	if searchCount == 0 {
		return idleInterval
	}

	remaining := o.quota.EffectiveRemaining() - o.config.PacingBuffer
	untilReset := o.quota.NextReset(now).Sub(now)
	if remaining <= 0 {
		return resetWait(untilReset)
	}

	maxCycles := remaining / searchCount
	if maxCycles <= 0 {
		return resetWait(untilReset)
	}

	interval := untilReset / time.Duration(maxCycles)
	if interval < o.config.MinInterval {
		interval = o.config.MinInterval
	}
	if interval > o.config.MaxInterval {
		interval = o.config.MaxInterval
	}
	interval += time.Duration(float64(interval) * pacingJitter * (o.randFn()*2 - 1))

	o.logger.Info("スマートペーシングを計算しました",
		slog.Int("remaining_calls", remaining),
		slog.Float64("hours_until_reset", untilReset.Hours()),
		slog.Int("possible_cycles", maxCycles),
		slog.Float64("interval_seconds", interval.Seconds()),
	)
	return interval
}

// resetWait はクォータリセットまでの待機時間を返す。
func resetWait(untilReset time.Duration) time.Duration {
	wait := untilReset + resetWaitMargin
	if wait > resetWaitCeil {
		wait = resetWaitCeil
	}
	if wait < resetWaitFloor {
		wait = resetWaitFloor
	}
	return wait
}

// backoff は連続失敗回数に応じた指数バックオフを返す。attemptは0始まり。
// 上限に達した後もジッターで同時再試行を散らす。
func (o *Orchestrator) backoff(attempt int) time.Duration {
	wait := o.config.BackoffMax
	if attempt >= 0 && attempt < 10 {
		wait = o.config.BackoffBase << uint(attempt)
		if wait > o.config.BackoffMax {
			wait = o.config.BackoffMax
		}
	}
	return wait + time.Duration(float64(wait)*backoffJitter*o.randFn())
}

package search

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/dealwatch/internal/ebay"
	"github.com/hitoshi/dealwatch/internal/model"
)

// Searcher は検索APIクライアントのインターフェース。
type Searcher interface {
	Search(ctx context.Context, token string, spec model.SearchSpec) (*ebay.SearchResult, error)
}

// TokenSource はアクセストークンの取得と無効化のインターフェース。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// SpendRecorder はAPIコール消費の記録先のインターフェース。
// ネットワークに到達した試行は結果にかかわらず1回ずつ記録される。
type SpendRecorder interface {
	RecordSpend(n int)
}

// TitleSanitizer は出品タイトルのサニタイズのインターフェース。
type TitleSanitizer interface {
	Sanitize(title string) string
}

// defaultRetryDelays は一時的エラー時の再試行間隔。指数的に伸ばす。
var defaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second}

// Config はExecutorの設定を保持する。
type Config struct {
	// CallInterval は連続するAPIコールの最小間隔。
	CallInterval time.Duration
	// RetryDelays は一時的エラー時の再試行間隔。テスト用に差し替え可能。
	RetryDelays []time.Duration
}

// Executor は1つの検索スペックの実行を担う。
// トークンの取得、コールペーシング、エラー分類に基づく有界リトライ、
// 結果のフィルタリングを行う。分類（新着か値下がりか）は呼び出し側が行う。
type Executor struct {
	config    Config
	client    Searcher
	tokens    TokenSource
	quota     SpendRecorder
	sanitizer TitleSanitizer
	limiter   *rate.Limiter
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	config Config,
	client Searcher,
	tokens TokenSource,
	quota SpendRecorder,
	sanitizer TitleSanitizer,
	logger *slog.Logger,
) *Executor {
	if config.CallInterval <= 0 {
		config.CallInterval = time.Second
	}
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = defaultRetryDelays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		config:    config,
		client:    client,
		tokens:    tokens,
		quota:     quota,
		sanitizer: sanitizer,
		limiter:   rate.NewLimiter(rate.Every(config.CallInterval), 1),
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Execute はスペック1件分の検索を実行し、フィルタ済みの結果を新着順で返す。
// 失敗は分類済みエラー（auth/rate_limit/transient_http/permanent_http）として返す。
func (e *Executor) Execute(ctx context.Context, spec model.SearchSpec) ([]model.ListingResult, error) {
	start := e.nowFn()

	result, err := e.fetchWithRetry(ctx, spec)
	if err != nil {
		return nil, err
	}

	kept := e.filterListings(spec, result.Listings)

	e.logger.Info("検索が完了しました",
		slog.String("spec", spec.Name),
		slog.Int("total", result.Total),
		slog.Int("fetched", len(result.Listings)),
		slog.Int("kept", len(kept)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return kept, nil
}

// fetchWithRetry は分類に応じた有界リトライ付きで検索APIを呼び出す。
// 一時的エラー（429/5xx/ネットワーク障害）は間隔を置いて最大2回まで再試行する。
// 401はトークン期限切れとみなし、再取得して1回だけ再試行する。
// この再試行はインフラ障害ではないためリトライ上限に数えない。
func (e *Executor) fetchWithRetry(ctx context.Context, spec model.SearchSpec) (*ebay.SearchResult, error) {
	maxAttempts := 1 + len(e.config.RetryDelays)
	tokenRefreshed := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// コールペーシング
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, model.NewTransientHTTPError("コール間隔の待機が中断されました", err)
		}

		token, err := e.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		// ネットワークに到達する試行は結果にかかわらず1コール分を計上する
		e.quota.RecordSpend(1)

		result, err := e.client.Search(ctx, token, spec)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := model.KindOf(err)
		if kind == model.ErrKindAuth {
			var statusErr *ebay.StatusError
			if !tokenRefreshed && errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
				tokenRefreshed = true
				e.tokens.Invalidate()
				e.logger.Info("トークンを再取得して再試行します",
					slog.String("spec", spec.Name),
				)
				attempt--
				continue
			}
			return nil, err
		}
		if kind != model.ErrKindTransientHTTP {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := e.config.RetryDelays[attempt-1]
		e.logger.Warn("一時的エラーのため再試行します",
			slog.String("spec", spec.Name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// filterListings は出品リストから通知対象外のものを取り除く。
// 順序は保持する（APIに新着順を要求しているため）。
func (e *Executor) filterListings(spec model.SearchSpec, listings []model.ListingResult) []model.ListingResult {
	matcher := NewTitleMatcher(spec)
	now := e.nowFn()

	kept := make([]model.ListingResult, 0, len(listings))
	for _, listing := range listings {
		// 終了済み出品の除外。APIのデータは数分遅れることがある。
		if listing.EndDate != nil && listing.EndDate.Before(now) {
			continue
		}
		if !availabilityOK(listing.Availability) {
			continue
		}
		title := e.sanitizer.Sanitize(listing.Title)
		if !matcher.Accept(title) {
			continue
		}
		listing.Title = title
		kept = append(kept, listing)
	}
	return kept
}

// availabilityOK は在庫状態が購入可能を示すかを返す。
// 未報告（空文字列）は取得遅延とみなして通す。
func availabilityOK(status string) bool {
	switch status {
	case "", "IN_STOCK", "LIMITED_STOCK":
		return true
	default:
		return false
	}
}

// sleepContext はコンテキストのキャンセルを尊重して待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
